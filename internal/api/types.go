package api

// TaskStatus is the status string exchanged with the backend.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailed  TaskStatus = "FAILED"

	// StatusProcessing is reported by the backend while a queued task is
	// being worked on. Clients treat it as StatusPending.
	StatusProcessing TaskStatus = "PROCESSING"
)

// Default endpoint layout of the document processing backend.
const (
	DefaultBaseURL      = "http://localhost:8000"
	DefaultSubmitPath   = "/api/process-document"
	DefaultStatusPath   = "/api/task-status"
	DefaultFileField    = "file"
	DefaultRequestField = "query"
	HealthPath          = "/"
)

// SubmitResponse is the body returned by the submit endpoint.
type SubmitResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// StatusResponse is the body returned by the status endpoint.
type StatusResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Result *string    `json:"result,omitempty"`
	Error  *string    `json:"error,omitempty"`
}

// ErrorResponse is the shape of non-2xx bodies sent by the backend.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is returned by the backend health route.
type HealthResponse struct {
	Message string `json:"message"`
}
