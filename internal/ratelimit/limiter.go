// Package ratelimit enforces per-plan, per-window execution quotas. Each
// subscriber key tracks three independent counters (sync, async,
// api-endpoint) inside a fixed window; crossing a counter's plan limit
// denies the request until the window rolls over.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/simstudio/workflow-core/internal/observability"
)

// Plan identifies a subscription tier. An empty Plan means no active
// subscription, which always keys on userId and never unlocks the
// shared organisational pool.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// Counter names one of the three quota slots tracked per window.
type Counter string

const (
	CounterSync        Counter = "sync"
	CounterAsync       Counter = "async"
	CounterAPIEndpoint Counter = "api-endpoint"
)

// DefaultWindow is RATE_LIMIT_WINDOW_MS.
const DefaultWindow = 60 * time.Second

// ManualExecutionLimit is the effective limit applied to manually
// triggered executions, which are otherwise unconditionally allowed.
const ManualExecutionLimit = 999999

// PlanLimits holds the per-minute ceiling for each counter.
type PlanLimits struct {
	Sync        int
	Async       int
	APIEndpoint int
}

func (pl PlanLimits) forCounter(c Counter) int {
	switch c {
	case CounterAsync:
		return pl.Async
	case CounterAPIEndpoint:
		return pl.APIEndpoint
	default:
		return pl.Sync
	}
}

// DefaultPlanLimits are the documented per-plan defaults.
var DefaultPlanLimits = map[Plan]PlanLimits{
	PlanFree:       {Sync: 10, Async: 50, APIEndpoint: 10},
	PlanPro:        {Sync: 25, Async: 200, APIEndpoint: 30},
	PlanTeam:       {Sync: 75, Async: 500, APIEndpoint: 60},
	PlanEnterprise: {Sync: 150, Async: 1000, APIEndpoint: 120},
}

// SelectKey implements the (plan,referenceId,userId) -> key rule: a
// subscription-less caller and individual plans key on their own
// userId; team/enterprise callers acting on behalf of an org
// (referenceID != userID) share the organisation's pool instead.
func SelectKey(plan Plan, referenceID, userID string) string {
	if plan == "" {
		return userID
	}
	if (plan == PlanTeam || plan == PlanEnterprise) && referenceID != "" && referenceID != userID {
		return referenceID
	}
	return userID
}

// SelectCounter implements the (triggerType,isAsync) -> counter rule.
func SelectCounter(triggerType string, isAsync bool) Counter {
	if triggerType == "api-endpoint" {
		return CounterAPIEndpoint
	}
	if isAsync {
		return CounterAsync
	}
	return CounterSync
}

// Record is one key's window state.
type Record struct {
	WindowStart time.Time
	Sync        int
	Async       int
	APIEndpoint int
}

func (r Record) value(c Counter) int {
	switch c {
	case CounterAsync:
		return r.Async
	case CounterAPIEndpoint:
		return r.APIEndpoint
	default:
		return r.Sync
	}
}

// Result is the outcome of a check-and-consume or status query.
type Result struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store persists per-key window records. Increment must perform the
// read-reset-or-increment sequence atomically across concurrent callers
// sharing a key.
type Store interface {
	Increment(ctx context.Context, key string, counter Counter, window time.Duration) (Record, error)
	Status(ctx context.Context, key string, window time.Duration) (Record, error)
	Reset(ctx context.Context, key string) error
}

// Limiter evaluates rate-limit decisions against a Store using
// per-plan limits and a fixed window.
type Limiter struct {
	store  Store
	limits map[Plan]PlanLimits
	window time.Duration
	logger *observability.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPlanLimits overrides the default per-plan limits.
func WithPlanLimits(limits map[Plan]PlanLimits) Option {
	return func(l *Limiter) { l.limits = limits }
}

// WithWindow overrides DefaultWindow.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) { l.window = window }
}

// WithLogger attaches a logger used to record fail-open events.
func WithLogger(logger *observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter builds a Limiter backed by store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: DefaultPlanLimits,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check runs the atomic check-and-consume algorithm for one execution.
// Manual executions bypass storage entirely: they are unconditionally
// allowed against ManualExecutionLimit.
func (l *Limiter) Check(ctx context.Context, plan Plan, referenceID, userID, triggerType string, isAsync, isManual bool) Result {
	now := time.Now()

	if isManual {
		return Result{Allowed: true, Used: 0, Limit: ManualExecutionLimit, Remaining: ManualExecutionLimit, ResetAt: now.Add(l.window)}
	}

	key := SelectKey(plan, referenceID, userID)
	counter := SelectCounter(triggerType, isAsync)
	limit := l.limits[plan].forCounter(counter)

	record, err := l.store.Increment(ctx, key, counter, l.window)
	if err != nil {
		if l.logger != nil {
			l.logger.Error(ctx, "ratelimit: storage error, failing open", "key", key, "counter", string(counter), "error", err)
		}
		return Result{Allowed: true, Used: 0, Remaining: 0, ResetAt: now.Add(l.window)}
	}

	used := record.value(counter)
	resetAt := record.WindowStart.Add(l.window)

	if used > limit {
		return Result{Allowed: false, Used: used, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}
	return Result{Allowed: true, Used: used, Limit: limit, Remaining: limit - used, ResetAt: resetAt}
}

// Status reads a key's current usage without consuming it. A window
// that has already expired reports Used=0.
func (l *Limiter) Status(ctx context.Context, plan Plan, referenceID, userID string, counter Counter) (Result, error) {
	key := SelectKey(plan, referenceID, userID)
	limit := l.limits[plan].forCounter(counter)

	record, err := l.store.Status(ctx, key, l.window)
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	if now.Sub(record.WindowStart) >= l.window {
		return Result{Used: 0, Limit: limit, Remaining: limit, ResetAt: now.Add(l.window)}, nil
	}

	used := record.value(counter)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{Used: used, Limit: limit, Remaining: remaining, ResetAt: record.WindowStart.Add(l.window)}, nil
}

// Reset deletes the key's record, as though its window had never
// started.
func (l *Limiter) Reset(ctx context.Context, plan Plan, referenceID, userID string) error {
	key := SelectKey(plan, referenceID, userID)
	return l.store.Reset(ctx, key)
}

// CompositeKey joins parts into a colon-delimited key, for callers
// that need to namespace keys beyond plan/reference/user (e.g. by
// environment or workspace).
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// MemoryStore is an in-process Store guarded by a mutex, suitable for
// single-instance deployments and tests. Entries are pruned once the
// map grows past maxKeys, discarding the oldest-expired windows first.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	maxKeys int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), maxKeys: 10000}
}

func (s *MemoryStore) Increment(ctx context.Context, key string, counter Counter, window time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	record, ok := s.records[key]

	if !ok || now.Sub(record.WindowStart) >= window {
		if len(s.records) >= s.maxKeys {
			s.prune(window)
		}
		record = &Record{WindowStart: now}
		s.records[key] = record
	}

	switch counter {
	case CounterAsync:
		record.Async++
	case CounterAPIEndpoint:
		record.APIEndpoint++
	default:
		record.Sync++
	}

	return *record, nil
}

func (s *MemoryStore) Status(ctx context.Context, key string, window time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return Record{WindowStart: time.Now().Add(-window)}, nil
	}
	return *record, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// prune discards records whose window has already expired, called
// with the lock held.
func (s *MemoryStore) prune(window time.Duration) {
	now := time.Now()
	for key, record := range s.records {
		if now.Sub(record.WindowStart) >= window {
			delete(s.records, key)
		}
	}
}
