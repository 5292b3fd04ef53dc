package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/backend"
	"github.com/throw-if-null/docket/internal/config"
	"github.com/throw-if-null/docket/internal/logger"
	"github.com/throw-if-null/docket/internal/task"
	"github.com/throw-if-null/docket/internal/telemetry"
	"github.com/throw-if-null/docket/internal/version"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
	newBackend    = backend.New
)

// app carries everything a subcommand needs; tests build one directly.
type app struct {
	cfg        config.LoadResult
	httpClient *http.Client
	clock      task.Clock
	stdout     io.Writer
	stderr     io.Writer
	hub        *sentry.Hub
}

func main() {
	// a missing .env is fine
	_ = dotenvLoad()

	wd, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	res := config.Load(wd)
	logger.Init(res.Config.Log.Level, os.Stderr)

	hub, flush, err := logger.InitSentry(os.Getenv(logger.EnvSentryDSN), version.Version, "docket")
	if err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        res.Config.Telemetry.Enabled,
		ServiceName:    "docket",
		ServiceVersion: version.Version,
		OTLPEndpoint:   res.Config.Telemetry.Endpoint,
		Insecure:       res.Config.Telemetry.Insecure,
	})
	if err != nil {
		log.WithError(err).Warn("telemetry disabled")
		shutdown = func(context.Context) error { return nil }
	}

	a := &app{cfg: res, stdout: os.Stdout, stderr: os.Stderr, hub: hub}
	code := a.run(ctx, os.Args[1:])

	_ = shutdown(context.Background())
	flush()
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  docket submit --file <path> --request <text> [--wait] [--json]")
	_, _ = fmt.Fprintln(w, "  docket status [--json] <task-id>")
	_, _ = fmt.Fprintln(w, "  docket watch [--json] <task-id>")
	_, _ = fmt.Fprintln(w, "  docket doctor [--json]")
	_, _ = fmt.Fprintln(w, "  docket version")
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		usage(a.stderr)
		return exitUsage
	}

	switch args[0] {
	case "version":
		_, _ = fmt.Fprintf(a.stdout, "docket %s (%s)\n", version.Version, version.Commit)
		return exitOK
	case "doctor":
		return a.doctor(ctx, args[1:])
	case "submit", "status", "watch":
	default:
		usage(a.stderr)
		return exitUsage
	}

	if a.cfg.ParseError != nil {
		_, _ = fmt.Fprintf(a.stderr, "config error: %v\n", a.cfg.ParseError)
		return exitFailure
	}

	switch args[0] {
	case "submit":
		return a.submit(ctx, args[1:])
	case "status":
		return a.status(ctx, args[1:])
	default:
		return a.watch(ctx, args[1:])
	}
}

func (a *app) backend() (*backend.Client, error) {
	c := a.cfg.Config.API
	return newBackend(backend.Config{
		BaseURL:      c.BaseURL,
		SubmitPath:   c.SubmitPath,
		StatusPath:   c.StatusPath,
		FileField:    c.FileField,
		RequestField: c.RequestField,
		Timeout:      c.Timeout(),
		HTTPClient:   a.httpClient,
	})
}

func (a *app) tracker(c *backend.Client) *task.Tracker {
	p := a.cfg.Config.Poll
	return task.NewTracker(
		task.NewSubmitter(c, task.SubmitterConfig{AllowedExtensions: a.cfg.Config.Submit.AllowedExtensions}),
		task.NewPoller(c, task.PollerConfig{
			Interval:    p.Interval(),
			MaxElapsed:  p.MaxElapsed(),
			MaxAttempts: p.MaxAttempts,
			Clock:       a.clock,
		}),
	)
}

func (a *app) submit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var path, request string
	var wait, asJSON bool
	fs.StringVar(&path, "file", "", "document to submit")
	fs.StringVar(&request, "request", "", "what to do with the document")
	fs.BoolVar(&wait, "wait", false, "poll until the task finishes")
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	in := task.SubmissionInput{Request: request}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(a.stderr, "cannot read file: %v\n", err)
			return exitUsage
		}
		in.File = task.File{Name: filepath.Base(path), Content: content}
	}

	c, err := a.backend()
	if err != nil {
		return a.fail("submit", err)
	}
	out := newPrinter(a.stdout, asJSON)

	if !wait {
		t, err := task.NewSubmitter(c, task.SubmitterConfig{AllowedExtensions: a.cfg.Config.Submit.AllowedExtensions}).Submit(ctx, in)
		if err != nil {
			return a.fail("submit", err)
		}
		out.task(t)
		return exitOK
	}

	sess, err := a.tracker(c).Start(ctx, in, out.event)
	if err != nil {
		return a.fail("submit", err)
	}
	_, err = sess.Wait()
	return a.finish("submit", sess, err)
}

func (a *app) status(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		usage(a.stderr)
		return exitUsage
	}

	c, err := a.backend()
	if err != nil {
		return a.fail("status", err)
	}
	t, err := queryOnce(ctx, c, fs.Arg(0))
	if err != nil {
		return a.fail("status", err)
	}
	newPrinter(a.stdout, asJSON).task(t)
	return exitOK
}

func (a *app) watch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		usage(a.stderr)
		return exitUsage
	}

	c, err := a.backend()
	if err != nil {
		return a.fail("watch", err)
	}
	t, err := queryOnce(ctx, c, fs.Arg(0))
	if err != nil {
		return a.fail("watch", err)
	}
	sess := a.tracker(c).Watch(ctx, t, newPrinter(a.stdout, asJSON).event)
	_, err = sess.Wait()
	return a.finish("watch", sess, err)
}

// queryOnce fetches the current state of a task the user named.
func queryOnce(ctx context.Context, c task.StatusQuerier, taskID string) (task.Task, error) {
	resp, err := c.TaskStatus(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	return task.FromStatusResponse(resp)
}

// finish maps a session outcome to an exit code.
func (a *app) finish(op string, sess *task.Session, err error) int {
	if err == nil {
		return exitOK
	}
	var tf *task.TaskFailedError
	if errors.As(err, &tf) {
		_, _ = fmt.Fprintln(a.stderr, err.Error())
		log.WithFields(log.Fields{"task_id": tf.TaskID, "session_id": sess.ID()}).Warn("task failed")
		return exitFailure
	}
	return a.fail(op, err)
}

func (a *app) fail(op string, err error) int {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve):
		_, _ = fmt.Fprintln(a.stderr, err.Error())
		return exitUsage
	case errors.Is(err, task.ErrCancelled), errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(a.stderr, "cancelled")
		return exitCancelled
	default:
		_, _ = fmt.Fprintln(a.stderr, err.Error())
		logger.LogAndCapture(a.hub, err, op)
		return exitFailure
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(exitFailure)
}

// printer renders tasks and session events as text or JSON lines.
type printer struct {
	w      io.Writer
	asJSON bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, asJSON: asJSON}
}

type taskView struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

func viewOf(t task.Task) taskView {
	return taskView{TaskID: t.ID, Status: string(t.Status), Result: t.Result, Error: t.Error}
}

func (p *printer) task(t task.Task) {
	if p.asJSON {
		_ = json.NewEncoder(p.w).Encode(viewOf(t))
		return
	}
	_, _ = fmt.Fprintf(p.w, "task %s: %s\n", t.ID, t.Status)
	p.details(t.Result, t.Error)
}

func (p *printer) event(ev task.Event) {
	if p.asJSON {
		v := viewOf(ev.Task)
		v.State = ev.State.String()
		v.SessionID = ev.SessionID
		v.Attempt = ev.Attempt
		if ev.Err != nil && v.Error == "" {
			v.Error = ev.Err.Error()
		}
		_ = json.NewEncoder(p.w).Encode(v)
		return
	}
	_, _ = fmt.Fprintf(p.w, "[%s] task %s: %s", ev.State, ev.Task.ID, ev.Task.Status)
	if ev.Attempt > 0 {
		_, _ = fmt.Fprintf(p.w, " (poll %d)", ev.Attempt)
	}
	_, _ = fmt.Fprintln(p.w)
	if ev.State.Terminal() {
		detail := ev.Task.Error
		if detail == "" && ev.Err != nil {
			detail = ev.Err.Error()
		}
		p.details(ev.Task.Result, detail)
	}
}

func (p *printer) details(result, errText string) {
	if result != "" {
		_, _ = fmt.Fprintf(p.w, "\n%s\n", result)
	}
	if errText != "" {
		_, _ = fmt.Fprintf(p.w, "error: %s\n", errText)
	}
}

type doctorReport struct {
	ConfigPath  string `json:"config_path"`
	ConfigFound bool   `json:"config_found"`
	ConfigError string `json:"config_error,omitempty"`
	BaseURL     string `json:"base_url"`
	Reachable   bool   `json:"reachable"`
	Health      string `json:"health,omitempty"`
	HealthError string `json:"health_error,omitempty"`
}

func (a *app) doctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rep := doctorReport{
		ConfigPath:  a.cfg.Path,
		ConfigFound: a.cfg.Found,
		BaseURL:     a.cfg.Config.API.BaseURL,
	}
	if a.cfg.ParseError != nil {
		rep.ConfigError = a.cfg.ParseError.Error()
	}

	c, err := a.backend()
	if err == nil {
		var h api.HealthResponse
		h, err = c.Health(ctx)
		rep.Health = h.Message
	}
	if err != nil {
		rep.HealthError = err.Error()
	} else {
		rep.Reachable = true
	}

	if asJSON {
		_ = json.NewEncoder(a.stdout).Encode(rep)
	} else {
		found := "not found, using defaults"
		if rep.ConfigFound {
			found = "found"
		}
		_, _ = fmt.Fprintf(a.stdout, "config:  %s (%s)\n", rep.ConfigPath, found)
		if rep.ConfigError != "" {
			_, _ = fmt.Fprintf(a.stdout, "         error: %s\n", rep.ConfigError)
		}
		_, _ = fmt.Fprintf(a.stdout, "backend: %s\n", rep.BaseURL)
		if rep.Reachable {
			_, _ = fmt.Fprintf(a.stdout, "         ok: %s\n", rep.Health)
		} else {
			_, _ = fmt.Fprintf(a.stdout, "         unreachable: %s\n", rep.HealthError)
		}
	}

	if rep.ConfigError != "" || !rep.Reachable {
		return exitFailure
	}
	return exitOK
}
