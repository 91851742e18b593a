package ratelimit

import (
	"context"
	"sync"
	"time"
)

// visitorTTL is how long an idle key's state is kept before the sweeper
// drops it. A key whose arrival time is this far in the past has fully
// recovered, so forgetting it is indistinguishable from keeping it.
const visitorTTL = 10 * time.Minute

// ClientLimiter enforces a per-key request rate in process memory using
// virtual scheduling (GCRA). Rather than counting tokens, it stores one
// timestamp per key: the theoretical arrival time of the next conforming
// request. A request is allowed while that time stays within the burst
// window of wall-clock now; each allowed request pushes it forward by one
// emission interval.
//
// It backs the per-IP limit on the workflow trigger route. State lives in
// this process only, so replicas each enforce their own share of the rate.
type ClientLimiter struct {
	interval time.Duration // time credited per request, 1/rate
	window   time.Duration // burst tolerance, interval * burst

	mu       sync.Mutex
	visitors map[string]*visitor

	stopOnce sync.Once
	done     chan struct{}
}

// visitor is the per-key state: a single theoretical arrival time.
type visitor struct {
	tat time.Time
}

// NewClientLimiter creates a limiter allowing a sustained rps per key with
// the given burst headroom. A background sweeper drops keys idle longer
// than visitorTTL; call Close to stop it.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	interval := time.Duration(float64(time.Second) / rps)
	l := &ClientLimiter{
		interval: interval,
		window:   interval * time.Duration(burst),
		visitors: make(map[string]*visitor),
		done:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request for key conforms to the configured rate.
func (l *ClientLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{tat: now}
		l.visitors[key] = v
	}

	// An arrival time in the past means the key has spare capacity; it
	// never banks more than the burst window because the schedule is
	// clamped to now before advancing.
	tat := v.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(l.interval)
	if next.Sub(now) > l.window {
		return false, nil
	}
	v.tat = next
	return true, nil
}

// Close stops the background sweeper. Safe to call more than once.
func (l *ClientLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *ClientLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := time.Now().Add(-visitorTTL)
	for key, v := range l.visitors {
		if v.tat.Before(horizon) {
			delete(l.visitors, key)
		}
	}
}
