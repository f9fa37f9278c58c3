package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fmdesk/fmdesk-web/internal/jobs"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPrivilegesRefresh reloads the cached privileges of one session.
	TaskPrivilegesRefresh = "privileges:refresh"
)

// DefaultRefreshTaskTimeout bounds one refresh run inside the worker when the client was
// not given a timeout.
const DefaultRefreshTaskTimeout = 2 * time.Minute

// NewPrivilegeRefreshTask constructs an Asynq task for job. The task is never retried by
// the queue: the privilege loader already retries transient failures. While a refresh
// for the same session and credential is queued or running, enqueueing another one
// reports asynq.ErrDuplicateTask. The lock is released when the task completes and
// otherwise expires together with the task timeout, so a lost or timed-out run never
// blocks later refreshes for longer than timeout.
func NewPrivilegeRefreshTask(job usersession.RefreshJob, timeout time.Duration) (*asynq.Task, error) {
	if job.SessionID == "" {
		return nil, errors.New("jobs: refresh job without session id")
	}
	if timeout < time.Second {
		timeout = DefaultRefreshTaskTimeout
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPrivilegesRefresh, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Unique(timeout),
	), nil
}

// SessionRefresher reloads the privileges of one session.
type SessionRefresher interface {
	Refresh(ctx context.Context, job usersession.RefreshJob) error
}

// PrivilegeRefreshJob processes TaskPrivilegesRefresh tasks in the worker.
type PrivilegeRefreshJob struct {
	Refresher SessionRefresher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewPrivilegeRefreshJob constructs the job handler.
func NewPrivilegeRefreshJob(refresher SessionRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *PrivilegeRefreshJob {
	return &PrivilegeRefreshJob{Refresher: refresher, Logger: logger, Metrics: metrics}
}

// Handle executes one refresh. A failed refresh is recorded in the job metrics and the
// refresher's log but still completes the task: the queue would not retry it anyway, and
// completing releases the session's uniqueness lock so the next stale request can
// schedule a new refresh. Only undecodable payloads fail the task.
func (j *PrivilegeRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("privilege refresh: dependencies not configured")
	}
	var job usersession.RefreshJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		j.log().Warn("decode privilege refresh payload", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.Metrics.Track(TaskPrivilegesRefresh)
	if err := tracker.End(j.refresh(ctx, job)); err != nil {
		j.log().Debug("privilege refresh task failed", slog.String("session", job.SessionID), slog.Any("error", err))
		return nil
	}
	j.log().Debug("privilege refresh task done", slog.String("session", job.SessionID))
	return nil
}

func (j *PrivilegeRefreshJob) refresh(ctx context.Context, job usersession.RefreshJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("privilege refresh panic: %v", rec)
		}
	}()
	return j.Refresher.Refresh(ctx, job)
}

func (j *PrivilegeRefreshJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
