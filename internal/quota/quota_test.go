package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testPlans(limits map[string]int64) PlanProvider {
	return &StaticPlans{
		Plans: map[string]*Plan{
			"starter": {
				ID:       "starter",
				Limits:   limits,
				Features: map[string]bool{"word_export": false},
			},
		},
		Default: "starter",
	}
}

func TestReserveWithinLimit(t *testing.T) {
	gate := NewGate(testPlans(map[string]int64{MetricChatTurn: 3}), NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1)
		if err != nil {
			t.Fatalf("Reserve() #%d error = %v", i, err)
		}
		if res.Used != int64(i) {
			t.Fatalf("expected used %d, got %d", i, res.Used)
		}
	}

	_, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Used != 3 || qe.Limit != 3 {
		t.Fatalf("expected denial at 3/3, got %d/%d", qe.Used, qe.Limit)
	}
}

func TestReserveUnlimitedMetric(t *testing.T) {
	gate := NewGate(testPlans(map[string]int64{MetricChatTurn: Unlimited}), NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
	}
}

func TestReserveUnknownMetricIsUncapped(t *testing.T) {
	gate := NewGate(testPlans(map[string]int64{MetricChatTurn: 1}), NewMemoryStore())

	if _, err := gate.Reserve(context.Background(), "org-1", "embedding", 1); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const limit = 10
	const workers = 100

	gate := NewGate(testPlans(map[string]int64{MetricToolCall: limit}), NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	denied := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Reserve(ctx, "org-1", MetricToolCall, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				allowed++
			} else if IsQuotaExceeded(err) {
				denied++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, allowed)
	}
	if denied != workers-limit {
		t.Fatalf("expected %d denied, got %d", workers-limit, denied)
	}

	used, _, err := gate.Usage(ctx, "org-1", MetricToolCall)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != limit {
		t.Fatalf("expected used == %d after concurrent reservations, got %d", limit, used)
	}
}

func TestPeriodRolloverResetsCounters(t *testing.T) {
	now := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	gate := NewGate(
		testPlans(map[string]int64{MetricChatTurn: 1}),
		NewMemoryStore(),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); !IsQuotaExceeded(err) {
		t.Fatalf("expected quota denial before rollover, got %v", err)
	}

	// Month boundary: fresh counters for the new period.
	now = now.Add(2 * time.Hour)
	res, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1)
	if err != nil {
		t.Fatalf("Reserve(after rollover) error = %v", err)
	}
	if res.Period != "2026-02" {
		t.Fatalf("expected period 2026-02, got %s", res.Period)
	}
	if res.Used != 1 {
		t.Fatalf("expected fresh counter after rollover, got used = %d", res.Used)
	}
}

func TestPlanReloadedAtReservationTime(t *testing.T) {
	plans := &StaticPlans{
		Plans: map[string]*Plan{
			"free": {ID: "free", Limits: map[string]int64{MetricChatTurn: 1}},
			"pro":  {ID: "pro", Limits: map[string]int64{MetricChatTurn: 100}},
		},
		Tenants: map[string]string{"org-1": "free"},
		Default: "free",
	}
	gate := NewGate(plans, NewMemoryStore())
	ctx := context.Background()

	if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); !IsQuotaExceeded(err) {
		t.Fatalf("expected denial on free plan, got %v", err)
	}

	// Upgrade takes effect on the next reservation without restart.
	plans.Tenants["org-1"] = "pro"
	if _, err := gate.Reserve(ctx, "org-1", MetricChatTurn, 1); err != nil {
		t.Fatalf("Reserve(after upgrade) error = %v", err)
	}
}

func TestFeatureGate(t *testing.T) {
	plans := &StaticPlans{
		Plans: map[string]*Plan{
			"starter": {ID: "starter", Features: map[string]bool{"word_export": true}},
		},
		Default: "starter",
	}
	gate := NewGate(plans, NewMemoryStore())

	ok, err := gate.Feature(context.Background(), "org-1", "word_export")
	if err != nil {
		t.Fatalf("Feature() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected word_export feature enabled")
	}

	ok, err = gate.Feature(context.Background(), "org-1", "custom_domain")
	if err != nil {
		t.Fatalf("Feature() error = %v", err)
	}
	if ok {
		t.Fatalf("expected unknown feature to be disabled")
	}
}

func TestStaticPlansUnknownPlan(t *testing.T) {
	plans := &StaticPlans{Plans: map[string]*Plan{}, Default: "missing"}
	if _, err := plans.Plan(context.Background(), "org-1"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}
