package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/observability"
)

// PrivilegeSource fetches the wire privilege records of a bearer.
type PrivilegeSource interface {
	FetchPrivileges(ctx context.Context, accessToken string) ([]backend.PrivilegeRecord, error)
}

// DefaultBackoff is the wait before each retry of a transient failure.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}

// refreshSlack covers the session write and scheduling around the backend calls.
const refreshSlack = 2 * time.Second

// RefreshBudget is the time a detached refresh needs so that every attempt of the
// schedule can run to callTimeout: one call per attempt plus the waits between them.
func RefreshBudget(callTimeout time.Duration, backoff []time.Duration) time.Duration {
	budget := time.Duration(len(backoff)+1)*callTimeout + refreshSlack
	for _, wait := range backoff {
		budget += wait
	}
	return budget
}

// Loader turns backend privilege records into a Store.
type Loader struct {
	source  PrivilegeSource
	logger  *slog.Logger
	metrics *observability.Metrics
	backoff []time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithBackoff replaces the retry schedule; its length is the number of retries.
func WithBackoff(backoff []time.Duration) LoaderOption {
	return func(l *Loader) { l.backoff = append([]time.Duration(nil), backoff...) }
}

// WithClock replaces the clock used to stamp loaded snapshots.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// WithMetrics records load outcomes.
func WithMetrics(m *observability.Metrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader constructs a Loader.
func NewLoader(source PrivilegeSource, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		source:  source,
		logger:  logger,
		backoff: DefaultBackoff,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Budget returns RefreshBudget for this loader's retry schedule.
func (l *Loader) Budget(callTimeout time.Duration) time.Duration {
	return RefreshBudget(callTimeout, l.backoff)
}

// Load fetches a fresh snapshot for accessToken. It returns nil when there is no token,
// when the backend returns no modules, or when every attempt failed. Transient failures
// are retried with the configured backoff; malformed bodies and client errors are not.
// Load never panics into its caller.
func (l *Loader) Load(ctx context.Context, accessToken string) (store *Store) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("privilege load panic", slog.Any("panic", rec))
			l.metrics.PrivilegeLoad("panic")
			store = nil
		}
	}()

	if accessToken == "" {
		l.logger.Info("privilege load skipped: no credential")
		l.metrics.PrivilegeLoad("no_token")
		return nil
	}

	attempts := 1 + len(l.backoff)
	for attempt := 1; ; attempt++ {
		records, err := l.source.FetchPrivileges(ctx, accessToken)
		if err == nil {
			if len(records) == 0 {
				l.logger.Warn("privilege load returned no modules", slog.Int("attempt", attempt))
				l.metrics.PrivilegeLoad("empty")
				return nil
			}
			l.metrics.PrivilegeLoad("ok")
			return NewStore(fromRecords(records), l.now())
		}

		if !backend.IsTransient(err) {
			outcome := "rejected"
			if errors.Is(err, backend.ErrMalformed) {
				outcome = "malformed"
			}
			l.logger.Warn("privilege load failed", slog.Int("attempt", attempt), slog.Any("error", err))
			l.metrics.PrivilegeLoad(outcome)
			return nil
		}
		if attempt >= attempts {
			l.logger.Warn("privilege load gave up", slog.Int("attempts", attempt), slog.Any("error", err))
			l.metrics.PrivilegeLoad("exhausted")
			return nil
		}

		wait := l.backoff[attempt-1]
		l.logger.Debug("privilege load retry", slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
		if err := l.sleep(ctx, wait); err != nil {
			l.logger.Warn("privilege load cancelled", slog.Any("error", err))
			l.metrics.PrivilegeLoad("cancelled")
			return nil
		}
	}
}

func fromRecords(records []backend.PrivilegeRecord) []ModulePrivilege {
	modules := make([]ModulePrivilege, 0, len(records))
	for _, rec := range records {
		pages := make([]PagePrivilege, 0, len(rec.Pages))
		for _, p := range rec.Pages {
			pages = append(pages, PagePrivilege{
				PageName:  p.PageName,
				CanView:   p.CanView,
				CanAdd:    p.CanAdd,
				CanEdit:   p.CanEdit,
				CanDelete: p.CanDelete,
			})
		}
		modules = append(modules, ModulePrivilege{ModuleName: rec.ModuleName, Pages: pages})
	}
	return modules
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rbac: wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
