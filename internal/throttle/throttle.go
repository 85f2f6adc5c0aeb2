// Package throttle keeps the bandwidth limiters shared by every piece
// download: one global limiter plus one per logged-in user.
package throttle

import (
	"context"
	"io"
	"sync"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"golang.org/x/time/rate"
)

// minBurst keeps small limits from starving reads that are larger than one
// second's worth of data.
const minBurst = 32 * 1024

// Global is the user id that addresses the global limiter in ConfigChanged.
const Global purchase.UserID = 0

// Map hands out per-user throttlers chained to a shared global limiter.
type Map struct {
	mu         sync.RWMutex
	global     *rate.Limiter
	globalRate int64
	users      map[purchase.UserID]*rate.Limiter
	userRates  map[purchase.UserID]int64
}

// NewMap creates a Map whose global limiter allows bytesPerSecond (0 means
// unlimited).
func NewMap(bytesPerSecond int64) *Map {
	return &Map{
		global:     newLimiter(bytesPerSecond),
		globalRate: bytesPerSecond,
		users:      make(map[purchase.UserID]*rate.Limiter),
		userRates:  make(map[purchase.UserID]int64),
	}
}

// Throttler returns the user's throttler, creating the user's limiter on
// first use.
func (m *Map) Throttler(userID purchase.UserID) *Throttler {
	m.mu.RLock()
	l, ok := m.users[userID]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if l, ok = m.users[userID]; !ok {
			l = newLimiter(m.userRates[userID])
			m.users[userID] = l
		}
		m.mu.Unlock()
	}

	return &Throttler{limiters: []*rate.Limiter{m.global, l}}
}

// ConfigChanged applies a new rate limit. Global targets the shared limiter;
// any other id targets that user's limiter, now or when it is created.
func (m *Map) ConfigChanged(userID purchase.UserID, bytesPerSecond int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID == Global {
		m.globalRate = bytesPerSecond
		setRate(m.global, bytesPerSecond)

		return
	}

	m.userRates[userID] = bytesPerSecond
	if l, ok := m.users[userID]; ok {
		setRate(l, bytesPerSecond)
	}
}

// Logout discards the user's limiter and configured rate.
func (m *Map) Logout(userID purchase.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, userID)
	delete(m.userRates, userID)
}

// RateLimit returns the tightest limit that applies to the user in bytes per
// second, or 0 when downloads are unlimited.
func (m *Map) RateLimit(userID purchase.UserID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := m.globalRate
	if r := m.userRates[userID]; r > 0 && (limit == 0 || r < limit) {
		limit = r
	}

	return limit
}

// Throttler waits on a chain of limiters.
type Throttler struct {
	limiters []*rate.Limiter
}

// WaitN blocks until n bytes may pass every limiter in the chain.
func (t *Throttler) WaitN(ctx context.Context, n int) error {
	for _, l := range t.limiters {
		if err := waitChunked(ctx, l, n); err != nil {
			return err
		}
	}

	return nil
}

// Reader wraps r so that every read is paid for before it is returned.
func (t *Throttler) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &reader{ctx: ctx, r: r, t: t}
}

type reader struct {
	ctx context.Context
	r   io.Reader
	t   *Throttler
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.t.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}

func waitChunked(ctx context.Context, l *rate.Limiter, n int) error {
	if l.Limit() == rate.Inf {
		return ctx.Err()
	}

	burst := l.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, minBurst)
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), burstFor(bytesPerSecond))
}

func setRate(l *rate.Limiter, bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.SetLimit(rate.Inf)
		return
	}

	l.SetBurst(burstFor(bytesPerSecond))
	l.SetLimit(rate.Limit(bytesPerSecond))
}

func burstFor(bytesPerSecond int64) int {
	return int(max(bytesPerSecond, minBurst))
}
