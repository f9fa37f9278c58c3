package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmdesk/fmdesk-web/internal/observability"
)

type fakeEnqueuer struct {
	tasks    []*asynq.Task
	deadline bool
	err      error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	_, f.deadline = ctx.Deadline()
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func TestClientDispatch(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	metrics := observability.NewMetrics()
	client := NewClientWithEnqueuer(enqueuer, nil, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.Dispatch(ctx, refreshJob())

	require.Len(t, enqueuer.tasks, 1)
	assert.True(t, enqueuer.deadline)
	assert.Equal(t, TaskPrivilegesRefresh, enqueuer.tasks[0].Type())
	assertRefreshes(t, metrics, 1)
	assert.NoError(t, client.Close())
}

func TestClientDispatchDuplicate(t *testing.T) {
	for _, dupErr := range []error{asynq.ErrTaskIDConflict, asynq.ErrDuplicateTask} {
		metrics := observability.NewMetrics()
		client := NewClientWithEnqueuer(&fakeEnqueuer{err: dupErr}, nil, metrics)
		assert.NotPanics(t, func() { client.Dispatch(context.Background(), refreshJob()) })
		assertRefreshes(t, metrics, 1)
	}
}

func TestClientDispatchEnqueueFailure(t *testing.T) {
	metrics := observability.NewMetrics()
	client := NewClientWithEnqueuer(&fakeEnqueuer{err: errors.New("redis down")}, nil, metrics)
	client.Dispatch(context.Background(), refreshJob())
	assertRefreshes(t, metrics, 1)
}

func assertRefreshes(t *testing.T, metrics *observability.Metrics, series int) {
	t.Helper()
	n, err := testutil.GatherAndCount(metrics.Gatherer(), "fmdesk_privilege_refreshes_total")
	require.NoError(t, err)
	assert.Equal(t, series, n)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func serveHealth(t *testing.T, inspector QueueInspector) (*httptest.ResponseRecorder, queueHealth) {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	var health queueHealth
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	}
	return rec, health
}

func TestJobsHealth(t *testing.T) {
	rec, health := serveHealth(t, fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Active: 1, Failed: 2}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queueHealth{Queue: QueueDefault, Pending: 4, Active: 1, Failed: 2}, health)

	rec, health = serveHealth(t, fakeInspector{err: asynq.ErrQueueNotFound})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queueHealth{Queue: QueueDefault}, health)

	rec, health = serveHealth(t, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueDefault, health.Queue)

	rec, _ = serveHealth(t, fakeInspector{err: errors.New("redis down")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)

	var worker *Worker
	assert.Error(t, worker.Run(context.Background()))
}
