package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/backend"
	"github.com/throw-if-null/docket/internal/task"
	"github.com/throw-if-null/docket/internal/telemetry"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--script", "pending, processing,FAILED", "--error", "OCR failed", "--extensions", ""}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(o.script) != 3 || o.script[1].Status != api.StatusProcessing || o.script[2].Error != "OCR failed" {
		t.Fatalf("unexpected script: %+v", o.script)
	}
	if len(o.extensions) != 0 {
		t.Fatalf("expected no extension filter, got %v", o.extensions)
	}

	if _, err := parseFlags([]string{"--script", "DONE"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := parseFlags([]string{"--script", " , "}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for empty script")
	}
}

func TestEndToEnd_ClientAgainstStub(t *testing.T) {
	oldDot := dotenvLoad
	dotenvLoad = func(...string) error { return nil }
	defer func() { dotenvLoad = oldDot }()

	exp := tracetest.NewInMemoryExporter()
	tp, tpShutdown, err := telemetry.NewTracerProviderWithExporter(exp, telemetry.Config{ServiceName: "testsvc"})
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	prev := otel.GetTracerProvider()
	oldInit := telemetryInit
	telemetryInit = func(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error) {
		otel.SetTracerProvider(tp)
		return tpShutdown, nil
	}
	defer func() {
		telemetryInit = oldInit
		otel.SetTracerProvider(prev)
	}()

	o, err := parseFlags([]string{"--script", "PENDING,SUCCESS", "--result", "all good"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	handler, s, shutdown, err := setup(context.Background(), o)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	c, err := backend.New(backend.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	sess, err := task.NewTracker(
		task.NewSubmitter(c, task.SubmitterConfig{AllowedExtensions: []string{".pdf"}}),
		task.NewPoller(c, task.PollerConfig{Interval: 5 * time.Millisecond}),
	).Start(context.Background(), task.SubmissionInput{
		File:    task.File{Name: "report.pdf", Content: []byte("%PDF")},
		Request: "Summarize",
	}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := sess.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Result != "all good" {
		t.Fatalf("unexpected result %q", got.Result)
	}
	if len(s.Submissions()) != 1 {
		t.Fatalf("expected one submission, got %d", len(s.Submissions()))
	}

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	methods := map[string]bool{}
	for _, sp := range exp.GetSpans() {
		if strings.HasPrefix(sp.Name, "stub ") {
			methods[strings.TrimPrefix(sp.Name, "stub ")] = true
		}
	}
	if !methods[http.MethodPost] || !methods[http.MethodGet] {
		t.Fatalf("expected server spans for POST and GET, got %v", methods)
	}
}
