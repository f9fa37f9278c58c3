package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/platform/httpx"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

// Worker wraps the Asynq server.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("worker: no task handlers")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}
	return &Worker{server: srv, mux: mux, logger: cfg.Logger}, nil
}

// Run starts processing jobs and blocks until ctx is cancelled, then shuts the server
// down, waiting for active tasks.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return ctx.Err()
}

// Enqueuer is the part of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client submits jobs to the queue.
type Client struct {
	client      Enqueuer
	closer      func() error
	logger      *slog.Logger
	metrics     *observability.Metrics
	taskTimeout time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTaskTimeout sets the run budget and uniqueness window of refresh tasks.
func WithTaskTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.taskTimeout = d }
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt, logger *slog.Logger, metrics *observability.Metrics, opts ...ClientOption) *Client {
	client := asynq.NewClient(redisOpts)
	c := NewClientWithEnqueuer(client, logger, metrics, opts...)
	c.closer = client.Close
	return c
}

// NewClientWithEnqueuer wraps an existing Enqueuer.
func NewClientWithEnqueuer(enqueuer Enqueuer, logger *slog.Logger, metrics *observability.Metrics, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{client: enqueuer, logger: logger, metrics: metrics, taskTimeout: DefaultRefreshTaskTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnqueuePrivilegeRefresh enqueues a privilege refresh task.
func (c *Client) EnqueuePrivilegeRefresh(ctx context.Context, job usersession.RefreshJob) (*asynq.TaskInfo, error) {
	task, err := NewPrivilegeRefreshTask(job, c.taskTimeout)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// enqueueTimeout bounds the Redis round trip done on the request path.
const enqueueTimeout = 2 * time.Second

// Dispatch implements usersession.Dispatcher by enqueueing the refresh. A refresh that
// is already queued for the session counts as dispatched.
func (c *Client) Dispatch(ctx context.Context, job usersession.RefreshJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	_, err := c.EnqueuePrivilegeRefresh(ctx, job)
	switch {
	case err == nil:
		c.metrics.PrivilegeRefresh("dispatched")
	case errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask):
		c.logger.Debug("privilege refresh already queued", slog.String("session", job.SessionID))
		c.metrics.PrivilegeRefresh("deduplicated")
	default:
		c.logger.Warn("enqueue privilege refresh", slog.String("session", job.SessionID), slog.Any("error", err))
		c.metrics.PrivilegeRefresh("dropped")
	}
}

// Close releases client resources.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// QueueInspector reports queue statistics.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector may be nil when
// refreshes run in process.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Failed  int    `json:"failed"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
			return
		}
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "queue unavailable")
		return
	}
	health := queueHealth{Queue: QueueDefault}
	if info != nil {
		health.Queue = info.Queue
		health.Pending = info.Pending
		health.Active = info.Active
		health.Failed = info.Failed
	}
	httpx.JSON(w, http.StatusOK, health)
}
