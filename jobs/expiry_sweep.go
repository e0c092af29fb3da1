package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/casegate/casegate/internal/jobs"
)

const defaultSweepLimit = 500

// ExpiredSubjectLister finds subjects whose consent expired while they still
// hold managed grants.
type ExpiredSubjectLister interface {
	ExpiredSubjects(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ResyncEnqueuer submits resync tasks.
type ResyncEnqueuer interface {
	EnqueueConsentResync(ctx context.Context, payload ConsentResyncPayload) (*asynq.TaskInfo, error)
}

// ExpirySweepJob fans out one resync task per expired subject. Expiry itself is
// evaluated on read; the sweep only stops grants from lingering afterwards.
type ExpirySweepJob struct {
	Lister   ExpiredSubjectLister
	Enqueuer ResyncEnqueuer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewExpirySweepJob wires dependencies for the sweep handler.
func NewExpirySweepJob(lister ExpiredSubjectLister, enqueuer ResyncEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{
		Lister:   lister,
		Enqueuer: enqueuer,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes sweep tasks.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Lister == nil || j.Enqueuer == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload ExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("expiry sweep: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultSweepLimit
	}

	tracker := j.Metrics.Track(TaskConsentExpirySweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	subjects, err := j.Lister.ExpiredSubjects(ctx, j.now(), payload.Limit)
	if err != nil {
		logger.Error("list expired subjects", slog.Any("error", err))
		return err
	}
	enqueued, skipped := 0, 0
	defer func() {
		j.Metrics.AddEnqueued(TaskConsentExpirySweep, enqueued)
		j.Metrics.AddSkipped(TaskConsentExpirySweep, skipped)
	}()
	for _, subjectID := range subjects {
		_, err := j.Enqueuer.EnqueueConsentResync(ctx, ConsentResyncPayload{SubjectID: subjectID, Reason: "expired"})
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			skipped++
			logger.Debug("resync already queued", slog.String("subject_id", subjectID))
			continue
		}
		if err != nil {
			logger.Error("enqueue resync", slog.String("subject_id", subjectID), slog.Any("error", err))
			return err
		}
		enqueued++
	}
	logger.Info("expiry sweep complete",
		slog.Int("found", len(subjects)),
		slog.Int("enqueued", enqueued),
		slog.Int("skipped", skipped),
	)
	return nil
}

func (j *ExpirySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *ExpirySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
