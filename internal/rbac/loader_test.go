package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/observability"
)

type scriptedSource struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	steps  []func() ([]backend.PrivilegeRecord, error)
}

func (s *scriptedSource) FetchPrivileges(_ context.Context, accessToken string) ([]backend.PrivilegeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.tokens = append(s.tokens, accessToken)
	idx := s.calls - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx]()
}

func records() []backend.PrivilegeRecord {
	return []backend.PrivilegeRecord{{
		ModuleName: "Helpdesk",
		Pages: []backend.PagePrivilegeRecord{
			{PageName: "Work Request Management", CanView: true},
		},
	}}
}

func succeed() func() ([]backend.PrivilegeRecord, error) {
	return func() ([]backend.PrivilegeRecord, error) { return records(), nil }
}

func fail(err error) func() ([]backend.PrivilegeRecord, error) {
	return func() ([]backend.PrivilegeRecord, error) { return nil, err }
}

var fastBackoff = WithBackoff([]time.Duration{time.Millisecond, time.Millisecond})

func TestLoaderSuccess(t *testing.T) {
	loadedAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){succeed()}}
	loader := NewLoader(source, nil, fastBackoff, WithClock(func() time.Time { return loadedAt }))

	store := loader.Load(context.Background(), "tok")
	require.NotNil(t, store)
	assert.True(t, store.Allows("Helpdesk", "Work Request Management", ActionView))
	assert.Equal(t, loadedAt, store.LoadedAt())
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, []string{"tok"}, source.tokens)
}

func TestLoaderGivesUpAfterThreeTransientFailures(t *testing.T) {
	transient := &backend.StatusError{Method: http.MethodGet, Path: "/privileges", StatusCode: http.StatusServiceUnavailable}
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){fail(transient)}}
	metrics := observability.NewMetrics()
	loader := NewLoader(source, nil, fastBackoff, WithMetrics(metrics))

	assert.Nil(t, loader.Load(context.Background(), "tok"))
	assert.Equal(t, 3, source.calls)
}

func TestLoaderRecoversWithinRetries(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		fail(errors.New("connection reset")),
		fail(context.DeadlineExceeded),
		succeed(),
	}}
	loader := NewLoader(source, nil, fastBackoff)

	store := loader.Load(context.Background(), "tok")
	require.NotNil(t, store)
	assert.Equal(t, 3, source.calls)
}

func TestLoaderDoesNotRetryMalformed(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		fail(fmt.Errorf("%w: /privileges: unexpected token", backend.ErrMalformed)),
		succeed(),
	}}
	loader := NewLoader(source, nil, fastBackoff)

	assert.Nil(t, loader.Load(context.Background(), "tok"))
	assert.Equal(t, 1, source.calls)
}

func TestLoaderDoesNotRetryClientErrors(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		fail(&backend.StatusError{Method: http.MethodGet, Path: "/privileges", StatusCode: http.StatusUnauthorized}),
	}}
	loader := NewLoader(source, nil, fastBackoff)

	assert.Nil(t, loader.Load(context.Background(), "tok"))
	assert.Equal(t, 1, source.calls)
}

func TestLoaderEmptyResultIsNil(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		func() ([]backend.PrivilegeRecord, error) { return nil, nil },
	}}
	loader := NewLoader(source, nil, fastBackoff)

	assert.Nil(t, loader.Load(context.Background(), "tok"))
	assert.Equal(t, 1, source.calls)
}

func TestLoaderWithoutTokenMakesNoCall(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){succeed()}}
	loader := NewLoader(source, nil, fastBackoff)

	assert.Nil(t, loader.Load(context.Background(), ""))
	assert.Zero(t, source.calls)
}

func TestLoaderStopsWaitingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		func() ([]backend.PrivilegeRecord, error) {
			cancel()
			return nil, errors.New("connection refused")
		},
	}}
	loader := NewLoader(source, nil, WithBackoff([]time.Duration{time.Hour, time.Hour}))

	done := make(chan *Store, 1)
	go func() { done <- loader.Load(ctx, "tok") }()
	select {
	case store := <-done:
		assert.Nil(t, store)
	case <-time.After(5 * time.Second):
		t.Fatal("loader did not stop after cancellation")
	}
	assert.Equal(t, 1, source.calls)
}

func TestLoaderConvertsPanics(t *testing.T) {
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){
		func() ([]backend.PrivilegeRecord, error) { panic("boom") },
	}}
	loader := NewLoader(source, nil, fastBackoff)

	assert.NotPanics(t, func() {
		assert.Nil(t, loader.Load(context.Background(), "tok"))
	})
}

func TestLoaderMetricsOutcome(t *testing.T) {
	metrics := observability.NewMetrics()
	source := &scriptedSource{steps: []func() ([]backend.PrivilegeRecord, error){succeed()}}
	loader := NewLoader(source, nil, fastBackoff, WithMetrics(metrics))

	require.NotNil(t, loader.Load(context.Background(), "tok"))
	n, err := testutil.GatherAndCount(metrics.Gatherer(), "fmdesk_privilege_loads_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRefreshBudgetCoversEverySlowAttempt(t *testing.T) {
	budget := RefreshBudget(30*time.Second, DefaultBackoff)
	assert.Equal(t, 90*time.Second+1500*time.Millisecond+refreshSlack, budget)

	loader := NewLoader(&scriptedSource{}, nil, WithBackoff([]time.Duration{time.Second}))
	assert.Equal(t, 2*time.Second+time.Second+refreshSlack, loader.Budget(time.Second))
}
