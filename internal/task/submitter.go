package task

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/docket/internal/api"
	"github.com/throw-if-null/docket/internal/telemetry"
)

// Creator sends the single creation request for a submission. Implementations
// return *TransportError or *ProtocolError on failure and must not retry.
type Creator interface {
	CreateTask(ctx context.Context, in SubmissionInput) (api.SubmitResponse, error)
}

// SubmitterConfig configures a Submitter. Zero values select defaults.
type SubmitterConfig struct {
	// AllowedExtensions restricts file names; empty accepts any.
	AllowedExtensions []string
	Logger            log.FieldLogger
	Tracer            trace.Tracer
}

// Submitter validates a submission and hands it to the backend exactly once.
type Submitter struct {
	backend    Creator
	allowedExt []string
	logger     log.FieldLogger
	tracer     trace.Tracer
}

func NewSubmitter(backend Creator, cfg SubmitterConfig) *Submitter {
	s := &Submitter{
		backend:    backend,
		allowedExt: append([]string(nil), cfg.AllowedExtensions...),
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(telemetry.TracerName)
	}
	return s
}

// Submit validates in and issues one creation request. Validation failures
// return *ValidationError without touching the network. The returned Task
// always has a non-empty id and a recognized status.
func (s *Submitter) Submit(ctx context.Context, in SubmissionInput) (Task, error) {
	if err := in.Validate(s.allowedExt); err != nil {
		s.logger.WithError(err).Debug("submission rejected")
		return Task{}, err
	}
	in = in.clone()

	ctx, span := s.tracer.Start(ctx, "docket.submit", trace.WithAttributes(
		attribute.String("file.name", in.File.Name),
		attribute.Int("file.size", len(in.File.Content)),
	))
	defer span.End()

	resp, err := s.backend.CreateTask(ctx, in)
	if err != nil {
		err = asTaxonomy("submit", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithField("file", in.File.Name).Warn("submission failed")
		return Task{}, err
	}

	t, err := FromSubmitResponse(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).Warn("submission response rejected")
		return Task{}, err
	}

	span.SetAttributes(attribute.String("task.id", t.ID), attribute.String("task.status", string(t.Status)))
	span.SetStatus(codes.Ok, "")
	s.logger.WithFields(log.Fields{"task_id": t.ID, "status": t.Status}).Info("task submitted")
	return t, nil
}

// asTaxonomy makes sure err is one of the documented error kinds. Backends
// are expected to return them already; anything else counts as a transport
// failure.
func asTaxonomy(op string, err error) error {
	var te *TransportError
	var pe *ProtocolError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
