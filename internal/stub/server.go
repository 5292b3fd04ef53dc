// Package stub is an in-memory stand-in for the document processing
// backend. It speaks the same wire contract, follows a scripted status
// sequence per task and records what it saw so tests can assert on it.
package stub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/throw-if-null/docket/internal/api"
)

// maximum accepted upload size
const maxUploadBytes = 32 << 20 // 32 MiB

// Step is one scripted status answer.
type Step struct {
	Status api.TaskStatus
	Result string
	Error  string
}

// Options configures a Server. Empty fields select the api defaults.
type Options struct {
	SubmitPath        string
	StatusPath        string
	FileField         string
	RequestField      string
	AllowedExtensions []string
	// Script is the status sequence served for each new task; the last step
	// repeats. Defaults to one PENDING answer followed by SUCCESS.
	Script []Step
	// NewID assigns task ids; defaults to uuid.
	NewID  func() string
	Logger log.FieldLogger
}

// Submission is what the server recorded for one accepted upload.
type Submission struct {
	TaskID      string
	FileName    string
	ContentType string
	Size        int
	Request     string
}

type stubTask struct {
	sub       Submission
	script    []Step
	calls     int
	inFlight  int
	maxFlight int
}

type Server struct {
	opts Options

	mu          sync.Mutex
	tasks       map[string]*stubTask
	submissions []Submission
	submitCalls int
	unavailable bool
	statusDelay time.Duration
}

func New(opts Options) *Server {
	if opts.SubmitPath == "" {
		opts.SubmitPath = api.DefaultSubmitPath
	}
	if opts.StatusPath == "" {
		opts.StatusPath = api.DefaultStatusPath
	}
	if opts.FileField == "" {
		opts.FileField = api.DefaultFileField
	}
	if opts.RequestField == "" {
		opts.RequestField = api.DefaultRequestField
	}
	if len(opts.Script) == 0 {
		opts.Script = []Step{{Status: api.StatusPending}, {Status: api.StatusSuccess}}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Server{opts: opts, tasks: map[string]*stubTask{}}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(api.HealthPath, s.handleHealth)
	r.Post(s.opts.SubmitPath, s.handleSubmit)
	r.Get(strings.TrimRight(s.opts.StatusPath, "/")+"/{task_id}", s.handleStatus)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Message: "stub backend is operational"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.submitCalls++
	down := s.unavailable
	s.mu.Unlock()
	if down {
		writeDetail(w, http.StatusServiceUnavailable, "task queue unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	request := r.FormValue(s.opts.RequestField)
	if strings.TrimSpace(request) == "" {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("field %q is required", s.opts.RequestField))
		return
	}
	f, hdr, err := r.FormFile(s.opts.FileField)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("field %q is required", s.opts.FileField))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "unreadable upload")
		return
	}
	if !s.extensionAllowed(hdr.Filename) {
		writeDetail(w, http.StatusBadRequest, "only "+strings.Join(s.opts.AllowedExtensions, ", ")+" files are accepted")
		return
	}

	id := s.opts.NewID()
	sub := Submission{
		TaskID:      id,
		FileName:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        len(content),
		Request:     request,
	}
	s.mu.Lock()
	s.tasks[id] = &stubTask{sub: sub, script: append([]Step(nil), s.opts.Script...)}
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()

	s.opts.Logger.WithFields(log.Fields{"task_id": id, "file": hdr.Filename, "size": len(content)}).Info("task accepted")
	writeJSON(w, http.StatusOK, api.SubmitResponse{TaskID: id, Status: api.StatusPending})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	// chi matches on RawPath when the request needed it, leaving the param escaped
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "task not found")
		return
	}
	t.inFlight++
	if t.inFlight > t.maxFlight {
		t.maxFlight = t.inFlight
	}
	idx := t.calls
	t.calls++
	delay := s.statusDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		t.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	if idx >= len(t.script) {
		idx = len(t.script) - 1
	}
	step := t.script[idx]
	sub := t.sub
	s.mu.Unlock()

	resp := api.StatusResponse{TaskID: id, Status: step.Status}
	switch step.Status {
	case api.StatusSuccess:
		result := step.Result
		if result == "" {
			result = fmt.Sprintf("Report for %s: %s", sub.FileName, sub.Request)
		}
		resp.Result = &result
	case api.StatusFailed:
		detail := step.Error
		if detail == "" {
			detail = "processing failed"
		}
		resp.Error = &detail
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) extensionAllowed(name string) bool {
	if len(s.opts.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range s.opts.AllowedExtensions {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// SetScript replaces the remaining status sequence of a task.
func (s *Server) SetScript(taskID string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.script = append([]Step(nil), steps...)
		t.calls = 0
	}
}

// AddTask registers a task as if it had been submitted.
func (s *Server) AddTask(taskID string, steps ...Step) {
	if len(steps) == 0 {
		steps = s.opts.Script
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &stubTask{sub: Submission{TaskID: taskID}, script: append([]Step(nil), steps...)}
}

// Forget drops a task so later status queries answer 404.
func (s *Server) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// SetUnavailable makes the submit endpoint answer 503.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// SetStatusDelay holds every status answer for d.
func (s *Server) SetStatusDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusDelay = d
}

// Submissions returns the accepted uploads in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// SubmitCalls counts every request to the submit endpoint, accepted or not.
func (s *Server) SubmitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

// StatusCalls counts status requests received for taskID.
func (s *Server) StatusCalls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		return t.calls
	}
	return 0
}

// MaxConcurrentStatus is the highest number of simultaneous status
// requests observed for taskID.
func (s *Server) MaxConcurrentStatus(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		return t.maxFlight
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, api.ErrorResponse{Detail: detail})
}
