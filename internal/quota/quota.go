// Package quota enforces per-tenant usage limits with atomic
// check-and-increment reservations.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Metric names tracked against plan limits.
const (
	MetricChatTurn = "chat_turn"
	MetricToolCall = "tool_call"
	MetricDocGen   = "doc_gen"
)

// Unlimited marks a metric with no cap.
const Unlimited int64 = -1

var ErrPlanNotFound = errors.New("quota: plan not found")

// Plan describes the limits and feature flags of a tenant's plan.
// Limits map metric name to maximum count per period; a missing metric
// or a limit of Unlimited imposes no cap.
type Plan struct {
	ID       string          `yaml:"id" json:"id"`
	Limits   map[string]int64 `yaml:"limits" json:"limits"`
	Features map[string]bool  `yaml:"features" json:"features"`
}

// PlanProvider resolves the current plan for a tenant. It is consulted
// on every reservation so plan upgrades take effect without restart.
type PlanProvider interface {
	Plan(ctx context.Context, tenantID string) (*Plan, error)
}

// Store persists usage counters. Increment must be atomic with respect
// to concurrent callers for the same (tenant, metric, period) key: it
// applies the increment only if used+amount <= limit (or limit is
// Unlimited) and reports the resulting count either way.
type Store interface {
	Increment(ctx context.Context, tenantID, metric, period string, amount, limit int64) (used int64, ok bool, err error)
	Used(ctx context.Context, tenantID, metric, period string) (int64, error)
}

// QuotaError is returned when a reservation would exceed the plan limit.
type QuotaError struct {
	TenantID string
	Metric   string
	Used     int64
	Limit    int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d/%d)", e.Metric, e.Used, e.Limit)
}

// IsQuotaExceeded reports whether err is a quota denial.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// Reservation records a successful charge. Usage is charged on attempt:
// downstream failures do not refund the reservation.
type Reservation struct {
	TenantID string
	Metric   string
	Period   string
	Amount   int64
	Used     int64
	Limit    int64
}

// Remaining returns the count left in the period, or Unlimited.
func (r *Reservation) Remaining() int64 {
	if r.Limit == Unlimited {
		return Unlimited
	}
	return r.Limit - r.Used
}

// Gate performs plan-gated quota reservations.
type Gate struct {
	plans   PlanProvider
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the time source, used by period rollover tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a quota gate backed by the given plan provider and
// counter store.
func NewGate(plans PlanProvider, store Store, opts ...Option) *Gate {
	g := &Gate{
		plans:   plans,
		store:   store,
		logger:  slog.Default(),
		metrics: NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve atomically charges amount against the tenant's limit for the
// metric in the current period. Exactly one of two concurrent
// reservations that would together exceed the limit succeeds. The
// reservation is charged to the period active at reservation time.
func (g *Gate) Reserve(ctx context.Context, tenantID, metric string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		amount = 1
	}
	plan, err := g.plans.Plan(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: resolve plan for %s: %w", tenantID, err)
	}

	limit := Unlimited
	if l, ok := plan.Limits[metric]; ok {
		limit = l
	}

	period := PeriodKey(g.now())
	used, ok, err := g.store.Increment(ctx, tenantID, metric, period, amount, limit)
	if err != nil {
		return nil, fmt.Errorf("quota: increment %s/%s: %w", tenantID, metric, err)
	}
	if !ok {
		g.metrics.RecordDenial(metric)
		g.logger.Info("quota reservation denied",
			"tenant_id", tenantID,
			"metric", metric,
			"used", used,
			"limit", limit,
		)
		return nil, &QuotaError{TenantID: tenantID, Metric: metric, Used: used, Limit: limit}
	}

	g.metrics.RecordReservation(metric)
	return &Reservation{
		TenantID: tenantID,
		Metric:   metric,
		Period:   period,
		Amount:   amount,
		Used:     used,
		Limit:    limit,
	}, nil
}

// Feature reports whether the tenant's plan enables a boolean feature.
func (g *Gate) Feature(ctx context.Context, tenantID, key string) (bool, error) {
	plan, err := g.plans.Plan(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("quota: resolve plan for %s: %w", tenantID, err)
	}
	return plan.Features[key], nil
}

// Usage reports the tenant's current count and limit for a metric.
func (g *Gate) Usage(ctx context.Context, tenantID, metric string) (used, limit int64, err error) {
	plan, err := g.plans.Plan(ctx, tenantID)
	if err != nil {
		return 0, 0, fmt.Errorf("quota: resolve plan for %s: %w", tenantID, err)
	}
	limit = Unlimited
	if l, ok := plan.Limits[metric]; ok {
		limit = l
	}
	used, err = g.store.Used(ctx, tenantID, metric, PeriodKey(g.now()))
	if err != nil {
		return 0, 0, err
	}
	return used, limit, nil
}

// PeriodKey returns the calendar-month period key for t in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// StaticPlans is a PlanProvider backed by a fixed tenant->plan mapping
// with a fallback default plan.
type StaticPlans struct {
	Plans   map[string]*Plan // by plan ID
	Tenants map[string]string // tenant ID -> plan ID
	Default string
}

// Plan resolves the plan for a tenant, falling back to the default.
func (s *StaticPlans) Plan(_ context.Context, tenantID string) (*Plan, error) {
	planID := s.Tenants[tenantID]
	if planID == "" {
		planID = s.Default
	}
	plan, ok := s.Plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan, nil
}
