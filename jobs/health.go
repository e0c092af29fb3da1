package jobs

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/casegate/casegate/internal/platform/httpx"
)

// QueueInspector is the read surface of *asynq.Inspector used by Handler.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector may be nil.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Get("/archived", h.archived)
}

type queueHealth struct {
	Queue    string `json:"queue"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Retry    int    `json:"retry"`
	Archived int    `json:"archived"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := queueHealth{Queue: QueueDefault}
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, resp)
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), "")
		return
	}
	if info != nil {
		resp.Queue = info.Queue
		resp.Pending = info.Pending
		resp.Active = info.Active
		resp.Retry = info.Retry
		resp.Archived = info.Archived
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type archivedTask struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	SubjectID    string    `json:"subject_id,omitempty"`
	LastError    string    `json:"last_error"`
	LastFailedAt time.Time `json:"last_failed_at"`
	Retried      int       `json:"retried"`
}

// archived lists tasks that exhausted their retries. For resync tasks the
// subject is decoded so operators can re-run it.
func (h *Handler) archived(w http.ResponseWriter, r *http.Request) {
	out := []archivedTask{}
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, out)
		return
	}
	size := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "limit must be between 1 and 500")
			return
		}
		size = n
	}
	tasks, err := h.inspector.ListArchivedTasks(QueueDefault, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		h.logger.Warn("jobs archived", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), "")
		return
	}
	for _, t := range tasks {
		item := archivedTask{ID: t.ID, Type: t.Type, LastError: t.LastErr, LastFailedAt: t.LastFailedAt, Retried: t.Retried}
		if t.Type == TaskConsentResync {
			var payload ConsentResyncPayload
			if json.Unmarshal(t.Payload, &payload) == nil {
				item.SubjectID = payload.SubjectID
			}
		}
		out = append(out, item)
	}
	httpx.JSON(w, http.StatusOK, out)
}
