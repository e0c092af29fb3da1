package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/casegate/casegate/internal/consent"
	jobmetrics "github.com/casegate/casegate/internal/jobs"
	"github.com/casegate/casegate/internal/shared"
)

const systemActor = "system:resync"

// Resyncer converges a subject's grants.
type Resyncer interface {
	Resync(ctx context.Context, subjectID, actor string) (consent.ResyncResult, error)
}

// ConsentResyncJob handles TaskConsentResync.
type ConsentResyncJob struct {
	Service Resyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewConsentResyncJob wires dependencies for the resync handler.
func NewConsentResyncJob(service Resyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ConsentResyncJob {
	return &ConsentResyncJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes resync tasks. Malformed payloads and invalid subjects are
// not retried; store failures and conflicts are.
func (j *ConsentResyncJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("consent resync: handler not configured")
	}
	var payload ConsentResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("consent resync: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SubjectID == "" {
		return fmt.Errorf("consent resync: %v: %w", ErrSubjectRequired, asynq.SkipRetry)
	}
	actor := payload.Actor
	if actor == "" {
		actor = systemActor
	}

	tracker := j.Metrics.Track(TaskConsentResync)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("subject_id", payload.SubjectID))
	result, err := j.Service.Resync(ctx, payload.SubjectID, actor)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidInput) || errors.Is(err, shared.ErrNotFound) {
			logger.Warn("consent resync rejected", slog.Any("error", err))
			return fmt.Errorf("consent resync: %v: %w", err, asynq.SkipRetry)
		}
		logger.Error("consent resync failed", slog.Any("error", err))
		return err
	}
	logger.Info("consent resync complete",
		slog.String("reason", payload.Reason),
		slog.Int("grants_created", result.Grants.Created),
		slog.Int("grants_revoked", result.Grants.Revoked))
	return nil
}

func (j *ConsentResyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
