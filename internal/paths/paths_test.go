package paths_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/throw-if-null/docket/internal/paths"
)

func TestValidateTaskIDGood(t *testing.T) {
	good := []string{"task-1", "a", "abc123", "9b2f8c1e-5a7d-4e0b-9c3a-2f1d6e8b7a90", "ns:42",
		"dGFzay0x==", "job+42", "a..b", "job 7", "ülke-1", "a/b", "../x", "50%off"}
	for _, s := range good {
		if err := paths.ValidateTaskID(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateTaskIDBad(t *testing.T) {
	bad := []string{"", ".", "..", "a\nb", "tab\there", "\xff\xfe", strings.Repeat("x", 1025)}
	for _, s := range bad {
		err := paths.ValidateTaskID(s)
		if err == nil {
			t.Fatalf("expected invalid for %q", s)
		}
		if !errors.Is(err, paths.ErrInvalidTaskID) {
			t.Fatalf("expected ErrInvalidTaskID for %q, got %v", s, err)
		}
	}
}

func TestParseBaseURL(t *testing.T) {
	u, err := paths.ParseBaseURL("http://localhost:8000/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := paths.Endpoint(u, "/api/process-document"); got != "http://localhost:8000/api/process-document" {
		t.Fatalf("unexpected endpoint: %s", got)
	}

	u, err = paths.ParseBaseURL("https://example.com/gateway//")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := paths.TaskEndpoint(u, "/api/task-status/", "abc123")
	if err != nil {
		t.Fatalf("task endpoint: %v", err)
	}
	if got != "https://example.com/gateway/api/task-status/abc123" {
		t.Fatalf("unexpected task endpoint: %s", got)
	}

	for _, raw := range []string{"", "localhost:8000", "ftp://x", "http://"} {
		if _, err := paths.ParseBaseURL(raw); !errors.Is(err, paths.ErrInvalidBaseURL) {
			t.Fatalf("expected ErrInvalidBaseURL for %q, got %v", raw, err)
		}
	}
}

func TestTaskEndpointEscapesOpaqueIDs(t *testing.T) {
	u, err := paths.ParseBaseURL("http://localhost:8000/gw")
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"dGFz/ay0x==": "http://localhost:8000/gw/api/task-status/dGFz%2Fay0x==",
		"job+42":      "http://localhost:8000/gw/api/task-status/job+42",
		"job 7":       "http://localhost:8000/gw/api/task-status/job%207",
		"../admin":    "http://localhost:8000/gw/api/task-status/..%2Fadmin",
		"a?b#c":       "http://localhost:8000/gw/api/task-status/a%3Fb%23c",
		"ülke-1":      "http://localhost:8000/gw/api/task-status/%C3%BClke-1",
	}
	for id, want := range cases {
		got, err := paths.TaskEndpoint(u, "/api/task-status", id)
		if err != nil {
			t.Fatalf("task endpoint for %q: %v", id, err)
		}
		if got != want {
			t.Fatalf("id %q: expected %s, got %s", id, want, got)
		}
	}

	if _, err := paths.TaskEndpoint(u, "/api/task-status", ".."); !errors.Is(err, paths.ErrInvalidTaskID) {
		t.Fatalf("expected ErrInvalidTaskID, got %v", err)
	}
}
