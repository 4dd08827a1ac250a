package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSelectKey(t *testing.T) {
	tests := []struct {
		name        string
		plan        Plan
		referenceID string
		userID      string
		want        string
	}{
		{"no subscription keys on user", "", "org-1", "user-1", "user-1"},
		{"free plan keys on user even with reference", PlanFree, "org-1", "user-1", "user-1"},
		{"team plan with distinct reference shares org pool", PlanTeam, "org-1", "user-1", "org-1"},
		{"enterprise plan with distinct reference shares org pool", PlanEnterprise, "org-1", "user-1", "org-1"},
		{"team plan acting as self keys on user", PlanTeam, "user-1", "user-1", "user-1"},
		{"team plan with empty reference keys on user", PlanTeam, "", "user-1", "user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectKey(tt.plan, tt.referenceID, tt.userID); got != tt.want {
				t.Errorf("SelectKey(%q,%q,%q) = %q, want %q", tt.plan, tt.referenceID, tt.userID, got, tt.want)
			}
		})
	}
}

func TestSelectCounter(t *testing.T) {
	tests := []struct {
		name        string
		triggerType string
		isAsync     bool
		want        Counter
	}{
		{"api endpoint always wins", "api-endpoint", true, CounterAPIEndpoint},
		{"async trigger", "webhook", true, CounterAsync},
		{"sync trigger", "webhook", false, CounterSync},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectCounter(tt.triggerType, tt.isAsync); got != tt.want {
				t.Errorf("SelectCounter(%q,%v) = %q, want %q", tt.triggerType, tt.isAsync, got, tt.want)
			}
		})
	}
}

func TestLimiter_Check_AllowsUnderLimit(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 2, Async: 2, APIEndpoint: 2},
	}))

	for i := 0; i < 2; i++ {
		result := limiter.Check(context.Background(), PlanFree, "", "user-1", "webhook", false, false)
		if !result.Allowed {
			t.Fatalf("request %d: expected allowed, got denied (used=%d limit=%d)", i, result.Used, result.Limit)
		}
	}
}

func TestLimiter_Check_DeniesOverLimit(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 1, Async: 1, APIEndpoint: 1},
	}))

	first := limiter.Check(context.Background(), PlanFree, "", "user-1", "webhook", false, false)
	if !first.Allowed {
		t.Fatalf("first request should be allowed, got denied")
	}

	second := limiter.Check(context.Background(), PlanFree, "", "user-1", "webhook", false, false)
	if second.Allowed {
		t.Fatalf("second request should be denied")
	}
	if second.Remaining != 0 {
		t.Errorf("denied result should report 0 remaining, got %d", second.Remaining)
	}
}

func TestLimiter_Check_ManualBypassesStorage(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 0, Async: 0, APIEndpoint: 0},
	}))

	result := limiter.Check(context.Background(), PlanFree, "", "user-1", "webhook", false, true)
	if !result.Allowed {
		t.Error("manual execution should always be allowed")
	}
	if result.Limit != ManualExecutionLimit {
		t.Errorf("manual execution limit = %d, want %d", result.Limit, ManualExecutionLimit)
	}
}

func TestLimiter_Check_CountersAreIndependent(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 1, Async: 1, APIEndpoint: 1},
	}))

	ctx := context.Background()
	if !limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("sync request should be allowed")
	}
	if !limiter.Check(ctx, PlanFree, "", "user-1", "webhook", true, false).Allowed {
		t.Fatal("async request should be allowed independently of sync")
	}
	if !limiter.Check(ctx, PlanFree, "", "user-1", "api-endpoint", false, false).Allowed {
		t.Fatal("api-endpoint request should be allowed independently of sync/async")
	}
}

func TestLimiter_Check_WindowResets(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(),
		WithPlanLimits(map[Plan]PlanLimits{PlanFree: {Sync: 1, Async: 1, APIEndpoint: 1}}),
		WithWindow(20*time.Millisecond),
	)

	ctx := context.Background()
	if !limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("first request should be allowed")
	}
	if limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("second request inside the window should be denied")
	}

	time.Sleep(30 * time.Millisecond)

	if !limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("request after window expiry should be allowed again")
	}
}

func TestLimiter_Status_ReportsUsageWithoutConsuming(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 5, Async: 5, APIEndpoint: 5},
	}))

	ctx := context.Background()
	limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false)
	limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false)

	status, err := limiter.Status(ctx, PlanFree, "", "user-1", CounterSync)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Used != 2 {
		t.Errorf("Used = %d, want 2", status.Used)
	}
	if status.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3", status.Remaining)
	}

	again, err := limiter.Status(ctx, PlanFree, "", "user-1", CounterSync)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if again.Used != 2 {
		t.Errorf("repeated Status call changed Used to %d", again.Used)
	}
}

func TestLimiter_Status_ExpiredWindowReportsZero(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(),
		WithPlanLimits(map[Plan]PlanLimits{PlanFree: {Sync: 5, Async: 5, APIEndpoint: 5}}),
		WithWindow(10*time.Millisecond),
	)

	ctx := context.Background()
	limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false)
	time.Sleep(20 * time.Millisecond)

	status, err := limiter.Status(ctx, PlanFree, "", "user-1", CounterSync)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Used != 0 {
		t.Errorf("Used after window expiry = %d, want 0", status.Used)
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 1, Async: 1, APIEndpoint: 1},
	}))

	ctx := context.Background()
	limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false)
	if limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("second request should be denied before reset")
	}

	if err := limiter.Reset(ctx, PlanFree, "", "user-1"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}

	if !limiter.Check(ctx, PlanFree, "", "user-1", "webhook", false, false).Allowed {
		t.Fatal("request after Reset should be allowed")
	}
}

type failingStore struct{}

func (failingStore) Increment(ctx context.Context, key string, counter Counter, window time.Duration) (Record, error) {
	return Record{}, context.DeadlineExceeded
}
func (failingStore) Status(ctx context.Context, key string, window time.Duration) (Record, error) {
	return Record{}, context.DeadlineExceeded
}
func (failingStore) Reset(ctx context.Context, key string) error { return context.DeadlineExceeded }

func TestLimiter_Check_FailsOpenOnStorageError(t *testing.T) {
	limiter := NewLimiter(failingStore{}, WithPlanLimits(map[Plan]PlanLimits{
		PlanFree: {Sync: 1, Async: 1, APIEndpoint: 1},
	}))

	result := limiter.Check(context.Background(), PlanFree, "", "user-1", "webhook", false, false)
	if !result.Allowed {
		t.Error("storage error should fail open (allowed)")
	}
	if result.Remaining != 0 {
		t.Errorf("fail-open result should report 0 remaining, got %d", result.Remaining)
	}
}

func TestLimiter_ManyKeys_Prunes(t *testing.T) {
	store := NewMemoryStore()
	store.maxKeys = 5

	limiter := NewLimiter(store,
		WithPlanLimits(map[Plan]PlanLimits{PlanFree: {Sync: 10, Async: 10, APIEndpoint: 10}}),
		WithWindow(5*time.Millisecond),
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		limiter.Check(ctx, PlanFree, "", "stale-user", "webhook", false, false)
	}
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 10; i++ {
		key := "fresh-user"
		if !limiter.Check(ctx, PlanFree, "", key, "webhook", false, false).Allowed {
			t.Fatalf("iteration %d: fresh key should be allowed", i)
		}
	}

	status, err := limiter.Status(ctx, PlanFree, "", "stale-user", CounterSync)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Used != 0 {
		t.Errorf("expired stale-user record should read as Used=0 after prune, got %d", status.Used)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("a", "b", "c"); got != "a:b:c" {
		t.Errorf("CompositeKey() = %q, want %q", got, "a:b:c")
	}
	if got := CompositeKey("only"); got != "only" {
		t.Errorf("CompositeKey() = %q, want %q", got, "only")
	}
}
