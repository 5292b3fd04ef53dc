package task

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/paths"
)

// Status is the lifecycle status of a backend task.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus maps a wire status to a Status. PROCESSING is an alias of
// PENDING; anything else wraps ErrUnknownStatus.
func ParseStatus(s api.TaskStatus) (Status, error) {
	switch s {
	case api.StatusPending, api.StatusProcessing:
		return StatusPending, nil
	case api.StatusSuccess:
		return StatusSuccess, nil
	case api.StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, string(s))
	}
}

// Task is the client view of a server-tracked unit of work. Result is set
// only for SUCCESS and Error only for FAILED.
type Task struct {
	ID     string
	Status Status
	Result string
	Error  string
}

// fromWire converts a backend response, enforcing the Task invariants.
func fromWire(op string, id string, status api.TaskStatus, result, errText *string) (Task, error) {
	if err := paths.ValidateTaskID(id); err != nil {
		return Task{}, &ProtocolError{Op: op, Message: "bad task id", Err: err}
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Task{}, &ProtocolError{Op: op, Err: err}
	}
	t := Task{ID: id, Status: st}
	switch st {
	case StatusPending:
		if result != nil || errText != nil {
			return Task{}, &ProtocolError{Op: op, Message: "pending task carries result or error"}
		}
	case StatusSuccess:
		if errText != nil {
			return Task{}, &ProtocolError{Op: op, Message: "successful task carries an error"}
		}
		if result != nil {
			t.Result = *result
		}
	case StatusFailed:
		if result != nil {
			return Task{}, &ProtocolError{Op: op, Message: "failed task carries a result"}
		}
		if errText != nil {
			t.Error = *errText
		}
	}
	return t, nil
}

// FromSubmitResponse converts the submit endpoint body into a Task.
func FromSubmitResponse(r api.SubmitResponse) (Task, error) {
	return fromWire("submit", r.TaskID, r.Status, nil, nil)
}

// FromStatusResponse converts the status endpoint body into a Task.
func FromStatusResponse(r api.StatusResponse) (Task, error) {
	return fromWire("status", r.TaskID, r.Status, r.Result, r.Error)
}

// File is the document attached to a submission.
type File struct {
	Name    string `validate:"notblank"`
	Content []byte `validate:"required,min=1"`
}

// SubmissionInput is a file plus the free-text request describing what to do
// with it.
type SubmissionInput struct {
	File    File   `validate:"required"`
	Request string `validate:"notblank"`
}

func (in SubmissionInput) clone() SubmissionInput {
	in.File.Content = bytes.Clone(in.File.Content)
	return in
}

var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks in against the submission preconditions. allowedExt lists
// accepted filename extensions (case-insensitive, with leading dot); an
// empty list accepts any name.
func (in SubmissionInput) Validate(allowedExt []string) error {
	if err := inputValidator.Struct(in); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return validationErrorFor(verrs[0])
		}
		return &ValidationError{Field: "input", Message: err.Error()}
	}
	if len(allowedExt) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(in.File.Name))
	for _, a := range allowedExt {
		if ext == strings.ToLower(a) {
			return nil
		}
	}
	return &ValidationError{
		Field:   "file",
		Message: fmt.Sprintf("%q is not an accepted file type (allowed: %s)", in.File.Name, strings.Join(allowedExt, ", ")),
	}
}

func validationErrorFor(fe validator.FieldError) *ValidationError {
	switch fe.StructNamespace() {
	case "SubmissionInput.Request":
		return &ValidationError{Field: "request", Message: "request text must not be empty"}
	case "SubmissionInput.File.Name":
		return &ValidationError{Field: "file", Message: "file name must not be empty"}
	case "SubmissionInput.File.Content", "SubmissionInput.File":
		return &ValidationError{Field: "file", Message: "a non-empty file is required"}
	default:
		return &ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q", fe.Tag())}
	}
}
