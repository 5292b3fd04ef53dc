// Command docket-stub serves the document processing wire contract from
// memory so the docket client can be exercised without the real backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/logger"
	"github.com/throw-if-null/docket/internal/stub"
	"github.com/throw-if-null/docket/internal/telemetry"
	"github.com/throw-if-null/docket/internal/version"
)

var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

type options struct {
	addr       string
	script     []stub.Step
	extensions []string
	delay      time.Duration
	logLevel   string
	otlp       string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("docket-stub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	var script, result, failure, exts string
	fs.StringVar(&o.addr, "addr", "127.0.0.1:8000", "listen address")
	fs.StringVar(&script, "script", "PENDING,SUCCESS", "comma separated status sequence served per task; the last one repeats")
	fs.StringVar(&result, "result", "", "result text for SUCCESS answers")
	fs.StringVar(&failure, "error", "", "error text for FAILED answers")
	fs.StringVar(&exts, "extensions", ".pdf", "comma separated accepted file extensions; empty accepts any")
	fs.DurationVar(&o.delay, "status-delay", 0, "delay before each status answer")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	fs.StringVar(&o.otlp, "otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/HTTP endpoint; empty disables tracing")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	for _, s := range splitList(script) {
		st := api.TaskStatus(strings.ToUpper(s))
		switch st {
		case api.StatusPending, api.StatusProcessing, api.StatusSuccess, api.StatusFailed:
		default:
			return o, fmt.Errorf("unknown status %q in --script", s)
		}
		o.script = append(o.script, stub.Step{Status: st, Result: result, Error: failure})
	}
	if len(o.script) == 0 {
		return o, errors.New("--script must name at least one status")
	}
	o.extensions = splitList(exts)
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setup builds the instrumented handler and the telemetry shutdown func.
func setup(ctx context.Context, o options) (http.Handler, *stub.Server, func(context.Context) error, error) {
	_ = dotenvLoad()

	shutdown, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        o.otlp != "",
		ServiceName:    "docket-stub",
		ServiceVersion: version.Version,
		OTLPEndpoint:   o.otlp,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	s := stub.New(stub.Options{Script: o.script, AllowedExtensions: o.extensions})
	s.SetStatusDelay(o.delay)
	h := otelhttp.NewHandler(s.Handler(), "docket-stub",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "stub " + r.Method
		}),
	)
	return h, s, shutdown, nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	logger.Init(o.logLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, _, shutdown, err := setup(ctx, o)
	if err != nil {
		log.WithError(err).Fatal("setup failed")
	}
	defer func() { _ = shutdown(context.Background()) }()

	srv := &http.Server{Addr: o.addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.WithFields(log.Fields{"addr": o.addr, "version": version.Version}).Info("docket-stub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
}
