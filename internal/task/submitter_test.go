package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/docket/internal/api"
)

func validInput() SubmissionInput {
	return SubmissionInput{
		File:    File{Name: "report.pdf", Content: []byte("%PDF-1.7")},
		Request: "Summarize risks",
	}
}

func TestSubmit_ValidationFailsWithoutNetwork(t *testing.T) {
	cases := map[string]struct {
		mutate func(*SubmissionInput)
		field  string
	}{
		"empty request":   {func(in *SubmissionInput) { in.Request = "" }, "request"},
		"blank request":   {func(in *SubmissionInput) { in.Request = " \n\t" }, "request"},
		"no file":         {func(in *SubmissionInput) { in.File = File{} }, "file"},
		"empty content":   {func(in *SubmissionInput) { in.File.Content = []byte{} }, "file"},
		"nil content":     {func(in *SubmissionInput) { in.File.Content = nil }, "file"},
		"empty file name": {func(in *SubmissionInput) { in.File.Name = "" }, "file"},
		"wrong extension": {func(in *SubmissionInput) { in.File.Name = "report.docx" }, "file"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := &fakeBackend{}
			s := NewSubmitter(b, SubmitterConfig{AllowedExtensions: []string{".pdf"}})

			in := validInput()
			tc.mutate(&in)
			_, err := s.Submit(context.Background(), in)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Zero(t, b.Created(), "no request may be sent")
		})
	}
}

func TestSubmit_ExtensionCheckIsCaseInsensitiveAndOptional(t *testing.T) {
	b := &fakeBackend{}
	in := validInput()
	in.File.Name = "REPORT.PDF"

	_, err := NewSubmitter(b, SubmitterConfig{AllowedExtensions: []string{".pdf"}}).Submit(context.Background(), in)
	require.NoError(t, err)

	in.File.Name = "notes.txt"
	_, err = NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Created())
}

func TestSubmit_ReturnsPendingTask(t *testing.T) {
	b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) {
		return api.SubmitResponse{TaskID: "abc123", Status: api.StatusPending}, nil
	}}
	s := NewSubmitter(b, SubmitterConfig{})

	got, err := s.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, Task{ID: "abc123", Status: StatusPending}, got)
	assert.Equal(t, 1, b.Created())
}

func TestSubmit_InputIsCopied(t *testing.T) {
	var seen []byte
	b := &fakeBackend{create: func(in SubmissionInput) (api.SubmitResponse, error) {
		seen = in.File.Content
		return api.SubmitResponse{TaskID: "abc123", Status: api.StatusPending}, nil
	}}
	in := validInput()
	_, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), in)
	require.NoError(t, err)

	in.File.Content[0] = 'X'
	assert.Equal(t, byte('%'), seen[0])
}

func TestSubmit_TransportErrorIsNotRetried(t *testing.T) {
	b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) {
		return api.SubmitResponse{}, &TransportError{Op: "submit", StatusCode: 503, Message: "queue unavailable"}
	}}
	_, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), validInput())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 503, te.StatusCode)
	assert.Equal(t, 1, b.Created())
}

func TestSubmit_UnclassifiedErrorBecomesTransportError(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) {
		return api.SubmitResponse{}, boom
	}}
	_, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), validInput())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, boom)
}

func TestSubmit_MalformedResponseIsProtocolError(t *testing.T) {
	cases := map[string]api.SubmitResponse{
		"empty id":       {TaskID: "", Status: api.StatusPending},
		"unknown status": {TaskID: "abc123", Status: "QUEUED"},
		"unsafe id":      {TaskID: "../etc", Status: api.StatusPending},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) { return resp, nil }}
			got, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), validInput())

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, Task{}, got)
		})
	}
}

func TestFromStatusResponse_Invariants(t *testing.T) {
	res, detail := "report", "OCR failed"

	_, err := FromStatusResponse(api.StatusResponse{TaskID: "t", Status: api.StatusPending, Result: &res})
	assert.Error(t, err)
	_, err = FromStatusResponse(api.StatusResponse{TaskID: "t", Status: api.StatusSuccess, Error: &detail})
	assert.Error(t, err)
	_, err = FromStatusResponse(api.StatusResponse{TaskID: "t", Status: api.StatusFailed, Result: &res})
	assert.Error(t, err)

	got, err := FromStatusResponse(api.StatusResponse{TaskID: "t", Status: api.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = FromStatusResponse(api.StatusResponse{TaskID: "t", Status: "DONE"})
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestSubmit_AcceptsOpaqueServerIDs(t *testing.T) {
	for _, id := range []string{"dGFzay0x==", "job+42", "a..b", "job 7", "ülke-1", "a/b"} {
		b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) {
			return api.SubmitResponse{TaskID: id, Status: api.StatusPending}, nil
		}}

		got, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), validInput())
		require.NoError(t, err, "id %q", id)
		assert.Equal(t, Task{ID: id, Status: StatusPending}, got)
	}

	b := &fakeBackend{create: func(SubmissionInput) (api.SubmitResponse, error) {
		return api.SubmitResponse{TaskID: "bad\x00id", Status: api.StatusPending}, nil
	}}
	_, err := NewSubmitter(b, SubmitterConfig{}).Submit(context.Background(), validInput())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
