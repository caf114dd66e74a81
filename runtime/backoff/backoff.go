// Package backoff retries remote calls that fail because the remote service is
// rate limiting. Other failures are returned immediately.
//
// The policy is a value: callers pass it to Do or Call on every invocation and
// no state is shared between calls.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

// Class is the outcome of classifying a failed attempt.
type Class int

const (
	// Fatal failures are returned to the caller without retrying.
	Fatal Class = iota
	// Retryable failures are retried after a delay.
	Retryable
)

const maxJitterFraction = 0.1

type (
	// Classifier decides whether a failure may be retried.
	Classifier func(err error) Class

	// Sleeper waits for d or until ctx is done.
	Sleeper func(ctx context.Context, d time.Duration) error

	// Policy configures retries.
	Policy struct {
		// MaxRetries is the number of retries after the initial attempt.
		MaxRetries int
		// InitialDelay is the delay before the first retry.
		InitialDelay time.Duration
		// Multiplier scales the delay after each retry.
		Multiplier float64
		// Jitter adds a random extra delay of up to 10% to each retry.
		Jitter bool
		// Classifier classifies failures. Defaults to RateLimitClassifier.
		Classifier Classifier
		// Sleep waits between attempts. Defaults to a timer honoring ctx.
		Sleep Sleeper
		// Logger receives a warning per retry. Optional.
		Logger telemetry.Logger
		// Metrics counts retries under relay.backoff.retries. Optional.
		Metrics telemetry.Metrics
	}
)

// DefaultPolicy returns 3 retries starting at 1s and doubling, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error or exhausts
// the policy retries. On exhaustion the last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call is the value returning form of Do. Successive delays never decrease,
// even when a retry hint raised an earlier one.
func Call[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var prev time.Duration
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || p.Classifier(err) != Retryable {
			return v, err
		}
		delay := max(p.Delay(attempt, err), prev)
		prev = delay
		if p.Logger != nil {
			p.Logger.Warn(ctx, "rate limited, retrying",
				"delay", delay.String(),
				"attempt", attempt+1,
				"max_retries", p.MaxRetries,
				"err", err)
		}
		if p.Metrics != nil {
			p.Metrics.IncCounter("relay.backoff.retries", 1)
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}

// Delay returns the wait before retry attempt (0-based) after err.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p = p.withDefaults()
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.Jitter {
		d += d * maxJitterFraction * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	}
	delay := time.Duration(d)
	if hint, ok := RetryAfterHint(err); ok && hint > delay {
		delay = hint
	}
	return delay
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Classifier == nil {
		p.Classifier = RateLimitClassifier
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	return p
}

// RateLimitClassifier retries errors signaling rate limiting. A remote.Error
// is classified by its kind, HTTP status and code only. Other errors are
// retried when they wrap remote.ErrRateLimited or their text contains "429" or
// "rate_limit_exceeded".
func RateLimitClassifier(err error) Class {
	if err == nil {
		return Fatal
	}
	if re, ok := remote.AsError(err); ok {
		if re.Kind() == remote.ErrorKindRateLimited ||
			re.HTTPStatus() == http.StatusTooManyRequests ||
			remote.IsRateLimitCode(re.Code()) {
			return Retryable
		}
		return Fatal
	}
	if errors.Is(err, remote.ErrRateLimited) {
		return Retryable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate_limit_exceeded") || strings.Contains(msg, "429") {
		return Retryable
	}
	return Fatal
}

var hintPattern = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(ms|s)\b`)

// RetryAfterHint extracts a "try again in 20ms" or "try again in 1.5s" hint
// from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := hintPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil {
		return 0, false
	}
	unit := time.Second
	if strings.EqualFold(m[2], "ms") {
		unit = time.Millisecond
	}
	return time.Duration(n * float64(unit)), true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
