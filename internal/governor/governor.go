// Package governor implements tenant-scoped admission control: fixed-window
// rate limiting and period-based plan quotas on top of a shared counter store.
//
// Rate limiting fails closed: a store error rejects the request. Quota checks
// fail open: a store or plan lookup error admits the request and is logged for
// later reconciliation.
package governor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"garagemsg/internal/apperr"
	"garagemsg/internal/counter"
	"garagemsg/internal/metrics"
)

// LimitsLookup returns the plan limits of a tenant keyed by resource type.
type LimitsLookup interface {
	GetLimits(ctx context.Context, tenantID string) (map[string]int64, error)
}

type Governor struct {
	Store  counter.Store
	Limits LimitsLookup
	Log    *zap.Logger
	Now    func() time.Time
}

func New(store counter.Store, limits LimitsLookup, log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{Store: store, Limits: limits, Log: log.With(zap.String("component", "governor")), Now: time.Now}
}

// Request describes one admission check. SubKey narrows the window, e.g. to
// a recipient phone number, independently of tenant-wide volume.
type Request struct {
	Tenant string
	Class  string
	SubKey string
	Limit  int64
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func windowKey(req Request, start time.Time) string {
	var b strings.Builder
	b.WriteString("rl:")
	b.WriteString(req.Tenant)
	b.WriteByte(':')
	b.WriteString(req.Class)
	if req.SubKey != "" {
		b.WriteByte(':')
		b.WriteString(req.SubKey)
	}
	fmt.Fprintf(&b, ":%d", start.UnixMilli())
	return b.String()
}

// Admit counts one request against the current fixed window. A non-positive
// limit or window disables the check.
func (g *Governor) Admit(ctx context.Context, req Request) (Decision, error) {
	if req.Limit <= 0 || req.Window <= 0 {
		return Decision{Allowed: true, Limit: req.Limit}, nil
	}
	now := g.now()
	start := now.Truncate(req.Window)
	resetAt := start.Add(req.Window)
	dec := Decision{Limit: req.Limit, ResetAt: resetAt}

	n, _, err := g.Store.Incr(ctx, windowKey(req, start), resetAt.Sub(now))
	if err != nil {
		metrics.Admissions.WithLabelValues(req.Class, "error").Inc()
		g.Log.Error("rate limit store unavailable, rejecting",
			zap.String("tenant", req.Tenant), zap.String("class", req.Class), zap.Error(err))
		return dec, apperr.Wrap(apperr.Internal, "rate limit store unavailable", err)
	}
	if rem := req.Limit - n; rem > 0 {
		dec.Remaining = rem
	}
	if n > req.Limit {
		dec.RetryAfter = resetAt.Sub(now)
		metrics.Admissions.WithLabelValues(req.Class, "rejected").Inc()
		return dec, nil
	}
	dec.Allowed = true
	metrics.Admissions.WithLabelValues(req.Class, "allowed").Inc()
	return dec, nil
}

// Err converts a rejected decision into a rate_limit_exceeded error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.Error{Code: apperr.RateLimitExceeded, Message: "too many requests", RetryAfter: d.RetryAfter}
}

// Period selects the quota counting period.
type Period int

const (
	Monthly Period = iota
)

func (p Period) bucket(now time.Time) (string, time.Duration) {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	next := first.AddDate(0, 1, 0)
	// keep the counter a day past the period end for reconciliation
	return first.Format("2006-01"), next.Sub(now) + 24*time.Hour
}

// CheckQuota consumes one unit of resourceType for the tenant's current
// period and reports whether the plan limit still allows it. The counter is
// period-based: deleting a resource never gives the unit back.
func (g *Governor) CheckQuota(ctx context.Context, tenantID, resourceType string, period Period) bool {
	log := g.Log.With(zap.String("tenant", tenantID), zap.String("resource", resourceType))
	if g.Limits == nil {
		return true
	}
	limits, err := g.Limits.GetLimits(ctx, tenantID)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues(resourceType, "fail_open").Inc()
		log.Warn("quota check failed open", zap.String("stage", "limits"), zap.Error(err))
		return true
	}
	limit, ok := limits[resourceType]
	if !ok || limit < 0 {
		return true
	}
	label, ttl := period.bucket(g.now())
	key := fmt.Sprintf("quota:%s:%s:%s", tenantID, resourceType, label)
	n, _, err := g.Store.Incr(ctx, key, ttl)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues(resourceType, "fail_open").Inc()
		log.Warn("quota check failed open", zap.String("stage", "counter"), zap.Error(err))
		return true
	}
	if n > limit {
		metrics.QuotaChecks.WithLabelValues(resourceType, "denied").Inc()
		log.Info("plan limit reached", zap.Int64("limit", limit), zap.Int64("used", n))
		return false
	}
	metrics.QuotaChecks.WithLabelValues(resourceType, "allowed").Inc()
	return true
}

// RequireQuota is CheckQuota returning a plan_limit_exceeded error on denial.
func (g *Governor) RequireQuota(ctx context.Context, tenantID, resourceType string) error {
	if g.CheckQuota(ctx, tenantID, resourceType, Monthly) {
		return nil
	}
	return apperr.New(apperr.PlanLimitExceeded, resourceType+" limit reached for the current period")
}
