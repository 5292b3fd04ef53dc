// Package backend is the HTTP client for the document processing backend.
// It owns the wire format (multipart upload, JSON bodies) and maps every
// failure onto the task package's error kinds.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/paths"
	"github.com/throw-if-null/docket/internal/task"
	"github.com/throw-if-null/docket/internal/version"
)

// RequestIDHeader carries a fresh uuid on every outbound request.
const RequestIDHeader = "X-Request-ID"

// maximum number of bytes read from an error response body
const maxErrorBody = 64 << 10

// Config describes how to reach the backend. Empty fields select the api
// package defaults.
type Config struct {
	BaseURL      string
	SubmitPath   string
	StatusPath   string
	FileField    string
	RequestField string
	Timeout      time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Logger     log.FieldLogger
}

type Client struct {
	base         *url.URL
	submitPath   string
	statusPath   string
	fileField    string
	requestField string
	http         *http.Client
	logger       log.FieldLogger
}

var (
	_ task.Creator       = (*Client)(nil)
	_ task.StatusQuerier = (*Client)(nil)
)

// New resolves the base URL once; it is not re-read afterwards.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = api.DefaultBaseURL
	}
	base, err := paths.ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:         base,
		submitPath:   orDefault(cfg.SubmitPath, api.DefaultSubmitPath),
		statusPath:   orDefault(cfg.StatusPath, api.DefaultStatusPath),
		fileField:    orDefault(cfg.FileField, api.DefaultFileField),
		requestField: orDefault(cfg.RequestField, api.DefaultRequestField),
		http:         cfg.HTTPClient,
		logger:       cfg.Logger,
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	return c, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// BaseURL returns the resolved backend origin.
func (c *Client) BaseURL() string { return c.base.String() }

// CreateTask uploads the file and request text as one multipart request.
func (c *Client) CreateTask(ctx context.Context, in task.SubmissionInput) (api.SubmitResponse, error) {
	const op = "submit"

	body, contentType, err := c.encodeSubmission(in)
	if err != nil {
		return api.SubmitResponse{}, &task.TransportError{Op: op, Message: "encode multipart body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, paths.Endpoint(c.base, c.submitPath), bytes.NewReader(body))
	if err != nil {
		return api.SubmitResponse{}, &task.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	var out api.SubmitResponse
	if err := c.do(req, op, &out); err != nil {
		return api.SubmitResponse{}, err
	}
	return out, nil
}

// TaskStatus queries the status of one task. An id the backend does not
// know yields a *task.ProtocolError wrapping task.ErrTaskNotFound.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (api.StatusResponse, error) {
	const op = "status"

	endpoint, err := paths.TaskEndpoint(c.base, c.statusPath, taskID)
	if err != nil {
		return api.StatusResponse{}, &task.ProtocolError{Op: op, Message: "bad task id", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return api.StatusResponse{}, &task.TransportError{Op: op, Err: err}
	}

	var out api.StatusResponse
	if err := c.do(req, op, &out); err != nil {
		var te *task.TransportError
		if errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			return api.StatusResponse{}, &task.ProtocolError{Op: op, Message: te.Message, Err: fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)}
		}
		return api.StatusResponse{}, err
	}
	return out, nil
}

// Health calls the backend's health route.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, paths.Endpoint(c.base, api.HealthPath), nil)
	if err != nil {
		return api.HealthResponse{}, &task.TransportError{Op: "health", Err: err}
	}
	var out api.HealthResponse
	if err := c.do(req, "health", &out); err != nil {
		return api.HealthResponse{}, err
	}
	return out, nil
}

func (c *Client) encodeSubmission(in task.SubmissionInput) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.fileField, filepath.Base(in.File.Name)))
	h.Set("Content-Type", fileContentType(in.File))
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(in.File.Content); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField(c.requestField, in.Request); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func fileContentType(f task.File) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name))); ct != "" {
		return ct
	}
	return http.DetectContentType(f.Content)
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, op string, out any) error {
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "docket/"+version.Version)

	entry := c.logger.WithFields(log.Fields{"op": op, "request_id": reqID, "url": req.URL.String()})
	started := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		entry.WithError(err).Debug("request failed")
		return &task.TransportError{Op: op, Message: transportMessage(err), Err: err}
	}
	defer resp.Body.Close()
	entry = entry.WithFields(log.Fields{"status_code": resp.StatusCode, "elapsed": time.Since(started).String()})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		entry.Debug("request rejected")
		return &task.TransportError{Op: op, StatusCode: resp.StatusCode, Message: errorDetail(resp, b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		entry.WithError(err).Debug("undecodable response")
		return &task.ProtocolError{Op: op, Message: "invalid JSON response", Err: err}
	}
	entry.Debug("request succeeded")
	return nil
}

func transportMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return "request timed out"
		}
		return uerr.Err.Error()
	}
	return err.Error()
}

// errorDetail extracts a human readable message from an error response.
// The backend sends {"detail": "..."}; other bodies are used verbatim.
func errorDetail(resp *http.Response, body []byte) string {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Detail != "" {
		return er.Detail
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
