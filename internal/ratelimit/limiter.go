// Package ratelimit implements fixed-window request budgets shared by all
// gateway replicas through the key/value store.
//
// Each rate class (e.g. "global", "auth", "properties") has a limit and a
// window. A request from a client in class C during the window starting at
// W increments
//
//	ratelimit:<C>:<clientKey>:<W unix ms>
//
// whose expiry is set once, by the increment that creates it. The request
// is denied when the count exceeds the limit.
//
// The limiter fails open: when the store is unavailable the request is
// permitted, a degradation counter is bumped and a warning is logged at
// most once per interval.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/metrics"
	"github.com/tbourn/lms-api-gateway/internal/store"
)

// ErrUnknownClass is returned by Allow for a class that was never configured.
var ErrUnknownClass = errors.New("ratelimit: unknown class")

// Decision is the outcome of one class evaluation.
type Decision struct {
	Permitted bool
	Class     string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Degraded  bool // store unavailable; permitted without counting
}

// RetryAfter is the whole number of seconds until the window resets, never
// less than one.
func (d Decision) RetryAfter(now time.Time) int {
	s := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if s < 1 {
		return 1
	}
	return s
}

// Limiter evaluates rate classes against a shared store.
type Limiter struct {
	store   store.Store
	classes map[string]domain.RateClass
	now     func() time.Time
	warn    *rate.Sometimes
}

// New returns a Limiter for the given classes. Classes with a non-positive
// limit or window are ignored.
func New(s store.Store, classes []domain.RateClass) *Limiter {
	m := make(map[string]domain.RateClass, len(classes))
	for _, c := range classes {
		if c.Limit > 0 && c.Window > 0 {
			m[c.Name] = c
		}
	}
	return &Limiter{
		store:   s,
		classes: m,
		now:     time.Now,
		warn:    &rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Key returns the counter key for clientKey in class during the window that
// starts at windowStart.
func Key(class, clientKey string, windowStart time.Time) string {
	return "ratelimit:" + class + ":" + clientKey + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// WindowStart aligns now to the start of its fixed window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		return now
	}
	return time.UnixMilli(ms - ms%w)
}

// Allow counts one request for clientKey against class. On a store error
// the returned Decision is permitted and marked Degraded, and the error is
// returned alongside it.
func (l *Limiter) Allow(ctx context.Context, clientKey, class string) (Decision, error) {
	rc, ok := l.classes[class]
	if !ok {
		return Decision{Permitted: true, Class: class}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	start := WindowStart(l.now(), rc.Window)
	d := Decision{
		Class:   class,
		Limit:   rc.Limit,
		ResetAt: start.Add(rc.Window),
	}

	count, _, err := l.store.IncrWindow(ctx, Key(class, clientKey, start), rc.Window)
	if err != nil {
		d.Permitted = true
		d.Remaining = rc.Limit
		d.Degraded = true
		return d, err
	}

	d.Permitted = count <= int64(rc.Limit)
	if rem := int64(rc.Limit) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	return d, nil
}

// Check evaluates routeClass and then the global class. The first denial
// is returned immediately. When everything passes, the decision with the
// fewest remaining requests is returned. Store failures fail open.
func (l *Limiter) Check(ctx context.Context, clientKey, routeClass string) Decision {
	order := []string{domain.GlobalRateClass}
	if routeClass != "" && routeClass != domain.GlobalRateClass {
		order = []string{routeClass, domain.GlobalRateClass}
	}

	var (
		tightest Decision
		have     bool
	)
	for _, class := range order {
		if _, ok := l.classes[class]; !ok {
			continue
		}
		d, err := l.Allow(ctx, clientKey, class)
		if err != nil {
			metrics.RateLimitDegraded.WithLabelValues(class).Inc()
			l.warn.Do(func() {
				log.Warn().Err(err).Str("class", class).Msg("rate limiter store unavailable; failing open")
			})
		}
		if !d.Permitted {
			metrics.RateLimitHits.WithLabelValues(class).Inc()
			return d
		}
		if !have || (!d.Degraded && (tightest.Degraded || d.Remaining < tightest.Remaining)) {
			tightest, have = d, true
		}
	}
	if !have {
		return Decision{Permitted: true, Class: routeClass}
	}
	return tightest
}

// Class returns the configured class by name.
func (l *Limiter) Class(name string) (domain.RateClass, bool) {
	c, ok := l.classes[name]
	return c, ok
}
