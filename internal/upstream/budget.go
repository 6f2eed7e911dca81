package upstream

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default cushions kept in reserve under the upstream's published limits.
const (
	DefaultCushionShort = 10
	DefaultCushionDaily = 10
)

// Budget caps how many upstream calls a run may spend and spaces them out
// through a token-bucket limiter with burst 1.
//
// Three limits apply, any of which ends the budget:
//   - maxCalls: a hard per-run cap (0 means unlimited)
//   - the short-window (15 minute) allowance reported by the upstream,
//     minus cushionShort
//   - the daily allowance reported by the upstream, minus cushionDaily
//
// Window allowances are learned from X-RateLimit-Limit / X-RateLimit-Usage
// response headers via Observe; until a response is seen they are unknown
// and do not restrict.
//
// Thread-safety: Budget is safe for concurrent use.
type Budget struct {
	mu sync.Mutex

	maxCalls     int
	cushionShort int
	cushionDaily int

	limiter *rate.Limiter
	calls   int

	known      bool
	limitShort int
	limitDaily int
	usageShort int
	usageDaily int
}

// BudgetOption configures a Budget.
type BudgetOption func(*Budget)

// WithMaxCalls sets the hard per-run cap. 0 means unlimited.
func WithMaxCalls(n int) BudgetOption {
	return func(b *Budget) {
		b.maxCalls = n
	}
}

// WithMinSpacing sets the minimum delay between consecutive calls.
// Zero or negative disables spacing.
func WithMinSpacing(d time.Duration) BudgetOption {
	return func(b *Budget) {
		b.limiter = spacingLimiter(d)
	}
}

// WithLimiter replaces the spacing limiter.
func WithLimiter(l *rate.Limiter) BudgetOption {
	return func(b *Budget) {
		b.limiter = l
	}
}

// WithCushions sets how many calls to keep in reserve in each window.
func WithCushions(short, daily int) BudgetOption {
	return func(b *Budget) {
		b.cushionShort = short
		b.cushionDaily = daily
	}
}

// NewBudget creates a budget with default cushions and no spacing.
func NewBudget(opts ...BudgetOption) *Budget {
	b := &Budget{
		cushionShort: DefaultCushionShort,
		cushionDaily: DefaultCushionDaily,
		limiter:      spacingLimiter(0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire reserves one call. It waits on the limiter for the minimum
// spacing since the previous call and returns ErrBudgetExhausted if any
// limit is reached. A wait that cannot finish before ctx's deadline fails
// without spending the call.
func (b *Budget) Acquire(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.allowedLocked() {
		return ErrBudgetExhausted
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	b.calls++
	if b.known {
		// Count the call locally so back-to-back calls without fresh
		// headers still converge on the cushion.
		b.usageShort++
		b.usageDaily++
	}
	return nil
}

func (b *Budget) allowedLocked() bool {
	if b.maxCalls > 0 && b.calls >= b.maxCalls {
		return false
	}
	if !b.known {
		return true
	}
	return b.limitShort-b.usageShort > b.cushionShort &&
		b.limitDaily-b.usageDaily > b.cushionDaily
}

// Observe records the upstream's rate-limit headers. Both headers carry
// "short,daily" pairs. Malformed headers are ignored.
func (b *Budget) Observe(h http.Header) {
	limShort, limDaily, ok1 := parsePair(h.Get("X-RateLimit-Limit"))
	useShort, useDaily, ok2 := parsePair(h.Get("X-RateLimit-Usage"))
	if !ok1 || !ok2 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.known = true
	b.limitShort, b.limitDaily = limShort, limDaily
	b.usageShort, b.usageDaily = useShort, useDaily
}

// Calls returns how many calls have been acquired.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Exhausted reports whether the next Acquire would fail.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.allowedLocked()
}

// Remaining returns the calls left in each upstream window after cushions.
// known is false until rate-limit headers have been observed.
func (b *Budget) Remaining() (short, daily int, known bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known {
		return 0, 0, false
	}
	return b.limitShort - b.usageShort - b.cushionShort,
		b.limitDaily - b.usageDaily - b.cushionDaily,
		true
}

func parsePair(s string) (int, int, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	c, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return a, c, true
}

func spacingLimiter(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}
