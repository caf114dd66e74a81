// Package middleware provides remote.Client middlewares such as adaptive rate
// limiting.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
	"goa.design/coderelay/runtime/tokens"
	"goa.design/pulse/rmap"
)

// DefaultTPM is the tokens-per-minute budget used when none is configured.
const DefaultTPM = 60000

// TPMGauge is the gauge reporting the effective tokens-per-minute budget.
const TPMGauge = "relay.ratelimit.tpm"

// requestOverhead approximates the tokens added to every run by system
// instructions and tool framing.
const requestOverhead = 500

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket to run
	// submissions. It estimates the token cost of each run from its input
	// text, blocks callers until capacity is available and halves its
	// effective budget whenever the backend reports rate limiting. Successful
	// submissions recover the budget linearly up to the configured maximum.
	//
	// Polling, file retrieval and the optional capabilities are not throttled:
	// they do not consume model tokens.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		metrics telemetry.Metrics

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedClient struct {
		next    remote.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set the budget is shared by
// every relay process joined to the same Pulse replicated map; otherwise the
// limiter is process-local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = m
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter constructs a process-local limiter. When maxTPM is
// zero or less than initialTPM, it is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = DefaultTPM
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
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
		metrics:      telemetry.NewNoopMetrics(),
	}
}

// WithMetrics reports the effective budget to m under TPMGauge every time it
// changes and returns l.
func (l *AdaptiveRateLimiter) WithMetrics(m telemetry.Metrics) *AdaptiveRateLimiter {
	if m == nil {
		return l
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
	m.RecordGauge(TPMGauge, l.currentTPM)
	return l
}

// Wrap returns a client enforcing the limiter on CreateRun. The returned
// client unwraps to next so optional capabilities remain discoverable with
// remote.As.
func (l *AdaptiveRateLimiter) Wrap(next remote.Client) remote.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// CreateRun waits for capacity before delegating to the wrapped client.
func (c *limitedClient) CreateRun(ctx context.Context, req remote.CreateRunRequest) (*remote.Run, error) {
	if err := c.limiter.wait(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	run, err := c.next.CreateRun(ctx, req)
	c.limiter.observe(err)
	return run, err
}

func (c *limitedClient) GetRun(ctx context.Context, runID string) (*remote.Run, error) {
	return c.next.GetRun(ctx, runID)
}

func (c *limitedClient) GetContainerFile(ctx context.Context, containerID, fileID string) (*remote.FileMetadata, error) {
	return c.next.GetContainerFile(ctx, containerID, fileID)
}

func (c *limitedClient) GetContainerFileContent(ctx context.Context, containerID, fileID string) (*remote.FileContent, error) {
	return c.next.GetContainerFileContent(ctx, containerID, fileID)
}

// Unwrap returns the wrapped client.
func (c *limitedClient) Unwrap() remote.Client {
	return c.next
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, n int) error {
	l.mu.Lock()
	if burst := l.limiter.Burst(); n > burst {
		n = burst
	}
	l.mu.Unlock()
	return l.limiter.WaitN(ctx, n)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, remote.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setTPMLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM updates the effective budget to tpm clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm != l.currentTPM {
		l.setTPMLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.metrics.RecordGauge(TPMGauge, tpm)
}

// estimateTokens sums the text of every input part and adds a fixed
// overhead.
func estimateTokens(req remote.CreateRunRequest) int {
	n := requestOverhead
	for _, block := range req.Input {
		for _, part := range block.Content {
			n += tokens.EstimateText(part.Text)
		}
	}
	return n
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Seed the shared budget; a concurrent writer may win, the value is
	// re-read below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.mu.Lock()
	l.onBackoff = func(float64) { go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) }) }
	l.onProbe = func(float64) { go updateShared(m, key, func(cur float64) float64 { return min(cur+step, ceiling) }) }
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()

	return l
}

// updateShared applies next to the shared budget with compare-and-swap,
// giving up after a few contended attempts.
func updateShared(m clusterMap, key string, next func(cur float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextStr := strconv.Itoa(int(next(cur)))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
