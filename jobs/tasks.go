package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsentResync converges one subject's grants onto its latest consent.
	TaskConsentResync = "consent:resync"
	// TaskConsentExpirySweep finds expired consents that still hold grants.
	TaskConsentExpirySweep = "consent:expiry_sweep"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ConsentResyncPayload identifies the subject to re-sync.
type ConsentResyncPayload struct {
	SubjectID string `json:"subject_id"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrSubjectRequired rejects resync payloads without a subject.
var ErrSubjectRequired = errors.New("jobs: subject id required")

// NewConsentResyncTask constructs a resync task. The task id is derived from
// the subject so a subject is queued at most once at a time.
func NewConsentResyncTask(payload ConsentResyncPayload) (*asynq.Task, error) {
	payload.SubjectID = strings.TrimSpace(payload.SubjectID)
	if payload.SubjectID == "" {
		return nil, ErrSubjectRequired
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsentResync, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(resyncTaskID(payload.SubjectID)),
		asynq.MaxRetry(10),
	), nil
}

func resyncTaskID(subjectID string) string {
	return TaskConsentResync + ":" + strings.TrimSpace(subjectID)
}

// ExpirySweepPayload carries scheduling metadata.
type ExpirySweepPayload struct {
	Limit int `json:"limit"`
}

// NewExpirySweepTask constructs the periodic expiry sweep task.
func NewExpirySweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirySweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsentExpirySweep, body, asynq.Queue(QueueDefault), asynq.Timeout(5*time.Minute)), nil
}

// IdempotencyCleanupPayload carries the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the periodic key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.Timeout(time.Minute)), nil
}
