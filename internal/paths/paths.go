package paths

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrInvalidTaskID returned when a task id cannot be placed in a URL path
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrInvalidBaseURL returned when the backend origin is not an absolute http(s) URL
	ErrInvalidBaseURL = errors.New("invalid base url")
)

// Task ids are opaque to the client. The cap only guards against a
// runaway response.
const maxTaskIDLen = 1024

// ValidateTaskID returns nil for any id the backend could have assigned:
// non-empty valid UTF-8 without control characters, at most 1024 bytes.
// "." and ".." are rejected because no escaping keeps them a single path
// segment.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("task id too long: %w", ErrInvalidTaskID)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("task id is not valid UTF-8: %w", ErrInvalidTaskID)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("task id contains control characters: %w", ErrInvalidTaskID)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("task id is a dot segment: %w", ErrInvalidTaskID)
	}
	return nil
}

// ParseBaseURL parses the backend origin. Trailing slashes are dropped so
// endpoint paths can be appended directly.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty base url: %w", ErrInvalidBaseURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, ErrInvalidBaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host: %w", ErrInvalidBaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Endpoint returns base with path appended. path is cleaned of duplicate
// leading slashes.
func Endpoint(base *url.URL, path string) string {
	u := *base
	u.Path = u.Path + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// TaskEndpoint returns base + path + "/" + taskID with taskID escaped as
// one path segment, so ids containing "/", "?" or "%" stay intact.
func TaskEndpoint(base *url.URL, path, taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	prefix := "/" + strings.Trim(path, "/") + "/"
	u := *base
	u.Path = base.Path + prefix + taskID
	u.RawPath = base.EscapedPath() + (&url.URL{Path: prefix}).EscapedPath() + url.PathEscape(taskID)
	return u.String(), nil
}
