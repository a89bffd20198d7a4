// Package ratelimit provides a reasoning.Service middleware that applies an
// AIMD-style adaptive token bucket in front of a provider adapter. It
// estimates the token cost of each request, blocks callers until capacity is
// available, and backs off its tokens-per-minute budget in response to
// provider rate-limit errors, probing back up on success.
package ratelimit

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

// clusterMap is the subset of rmap.Map used to coordinate a shared budget
// across processes.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct{ m *rmap.Map }

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }
func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}
func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}
func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

// Limiter applies an adaptive tokens-per-minute budget in front of a
// reasoning.Service. It is process-local unless constructed with a Pulse
// replicated map, in which case it starts from the budget stored in the map
// and applies later changes to that entry; its own backoff and probe
// adjustments are not written back to the map.
type Limiter struct {
	mu sync.Mutex

	next    reasoning.Service
	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// New wraps next with an adaptive tokens-per-minute limiter. When m and key
// are set, the starting budget is read from (or first stored in) a Pulse
// replicated map and later changes to that entry are applied; otherwise the
// limiter is process-local.
func New(ctx context.Context, next reasoning.Service, m *rmap.Map, key string, initialTPM, maxTPM float64) *Limiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterLimiter(ctx, next, cm, key, initialTPM, maxTPM)
}

func newLimiter(next reasoning.Service, initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		next:         next,
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Chat blocks until enough budget is available for the estimated request
// cost, then delegates to the wrapped service, adjusting the budget in
// response to success/failure.
func (l *Limiter) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	if err := l.wait(ctx, req); err != nil {
		return reasoning.Response{}, err
	}
	resp, err := l.next.Chat(ctx, agentID, req, token)
	l.observe(err)
	return resp, err
}

// Abort delegates to the wrapped service.
func (l *Limiter) Abort(agentID string) { l.next.Abort(agentID) }

func (l *Limiter) wait(ctx context.Context, req reasoning.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if isRateLimited(err) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM != l.currentTPM {
		l.currentTPM = newTPM
		l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
		l.limiter.SetBurst(int(newTPM))
	}
	l.mu.Unlock()
}

func (l *Limiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM != l.currentTPM {
		l.currentTPM = newTPM
		l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
		l.limiter.SetBurst(int(newTPM))
	}
	l.mu.Unlock()
}

func (l *Limiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm != l.currentTPM {
		l.currentTPM = tpm
		l.limiter.SetLimit(rate.Limit(tpm / 60.0))
		l.limiter.SetBurst(int(tpm))
	}
	l.mu.Unlock()
}

// estimateTokens computes a cheap heuristic for the token cost of a request:
// total transcript characters divided by a fixed chars-per-token ratio, plus
// a fixed buffer for system prompt and provider framing overhead.
func estimateTokens(req reasoning.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// isRateLimited reports whether err (or something it wraps) implements a
// RateLimited() bool method, without introducing a dependency from this
// package on any specific provider adapter's error types.
func isRateLimited(err error) bool {
	type rateLimited interface{ RateLimited() bool }
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if rl, ok := err.(rateLimited); ok {
			return rl.RateLimited()
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newClusterLimiter(ctx context.Context, next reasoning.Service, m clusterMap, key string, initialTPM, maxTPM float64) *Limiter {
	if key == "" || m == nil {
		return newLimiter(next, initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newLimiter(next, initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newLimiter(next, sharedTPM, maxTPM)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}
