package backoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/coderelay/runtime/remote"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func testPolicy(s *recordingSleeper) Policy {
	p := DefaultPolicy()
	p.Sleep = s.sleep
	return p
}

func TestDoSucceedsWithoutSleeping(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0
	err := Do(context.Background(), testPolicy(s), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, s.delays)
}

func TestDoReturnsLastErrorAfterRetries(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0
	var last error
	err := Do(context.Background(), testPolicy(s), func(context.Context) error {
		calls++
		last = fmt.Errorf("Error code: 429 - attempt %d", calls)
		return last
	})
	require.Same(t, last, err)
	require.Equal(t, 4, calls)
	require.Len(t, s.delays, 3)
	for i := 1; i < len(s.delays); i++ {
		require.GreaterOrEqual(t, s.delays[i], s.delays[i-1])
	}
	require.GreaterOrEqual(t, s.delays[0], time.Second)
	require.LessOrEqual(t, s.delays[0], 1100*time.Millisecond)
}

func TestDoRecoversAfterRateLimit(t *testing.T) {
	s := &recordingSleeper{}
	v, err := Call(context.Background(), testPolicy(s), func() func(context.Context) (string, error) {
		calls := 0
		return func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", remote.NewError("openai", "responses.create", http.StatusTooManyRequests,
					remote.ErrorKindRateLimited, "", "slow down", "", nil)
			}
			return "ok", nil
		}
	}())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Len(t, s.delays, 2)
}

func TestDoDoesNotRetryFatalErrors(t *testing.T) {
	s := &recordingSleeper{}
	boom := errors.New("invalid file id")
	calls := 0
	err := Do(context.Background(), testPolicy(s), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
	require.Empty(t, s.delays)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := DefaultPolicy()
	err := Do(ctx, p, func(context.Context) error {
		return errors.New("rate_limit_exceeded")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryHintRaisesDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2}
	err := errors.New("Rate limit reached. Please try again in 2500ms.")
	require.Equal(t, 2500*time.Millisecond, p.Delay(0, err))
	require.Equal(t, 4*time.Second, p.Delay(2, err))

	short := errors.New("Rate limit reached. Please try again in 20ms.")
	require.Equal(t, time.Second, p.Delay(0, short))
}

func TestHintedDelayIsNotFollowedByShorterOne(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0
	p := Policy{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, Multiplier: 2, Sleep: s.sleep}
	_ = Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("429: please try again in 3s")
		}
		return errors.New("429")
	})
	require.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, s.delays)
}

func TestRetryAfterHint(t *testing.T) {
	cases := map[string]time.Duration{
		"please try again in 20ms":     20 * time.Millisecond,
		"Please try again in 1.5s.":    1500 * time.Millisecond,
		"Please Try Again In 3s":       3 * time.Second,
		"please try again in a moment": 0,
	}
	for msg, want := range cases {
		got, ok := RetryAfterHint(errors.New(msg))
		require.Equal(t, want != 0, ok, msg)
		require.Equal(t, want, got, msg)
	}
	_, ok := RetryAfterHint(nil)
	require.False(t, ok)
}

func TestRateLimitClassifier(t *testing.T) {
	require.Equal(t, Retryable, RateLimitClassifier(fmt.Errorf("wrapped: %w", remote.ErrRateLimited)))
	require.Equal(t, Retryable, RateLimitClassifier(errors.New("Error code: 429")))
	require.Equal(t, Retryable, RateLimitClassifier(errors.New("RATE_LIMIT_EXCEEDED")))
	require.Equal(t, Retryable, RateLimitClassifier(remote.NewError("openai", "", http.StatusTooManyRequests,
		remote.ErrorKindUnknown, "", "", "", nil)))
	require.Equal(t, Retryable, RateLimitClassifier(remote.NewError("openai", "", 0,
		remote.ErrorKindUnknown, "rate_limit_exceeded", "", "", nil)))
	require.Equal(t, Fatal, RateLimitClassifier(errors.New("server_error")))
	require.Equal(t, Fatal, RateLimitClassifier(nil))
}

func TestRateLimitClassifierIgnoresRemoteErrorText(t *testing.T) {
	notFound := remote.NewError("openai", "containers.files.get", http.StatusNotFound,
		remote.ErrorKindNotFound, "", "No file found with id cfile_68a4291b", "", nil)
	badRequest := remote.NewError("openai", "responses.create", http.StatusBadRequest,
		remote.ErrorKindInvalidRequest, "", "max_output_tokens must be <= 4290", "", nil)
	unavailable := remote.NewError("openai", "responses.get", 0,
		remote.ErrorKindUnavailable, "", "dial tcp: rate_limit_exceeded", "", errors.New("429"))
	for _, err := range []error{notFound, badRequest, unavailable, fmt.Errorf("fetch: %w", notFound)} {
		require.Equal(t, Fatal, RateLimitClassifier(err), err.Error())
	}

	s := &recordingSleeper{}
	calls := 0
	err := Do(context.Background(), testPolicy(s), func(context.Context) error {
		calls++
		return notFound
	})
	require.Same(t, notFound, err)
	require.Equal(t, 1, calls)
	require.Empty(t, s.delays)
}

func TestBackoffDelaysProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rate limited calls sleep max_retries times with non-decreasing delays", prop.ForAll(
		func(retries int, initialMS int, jitter bool) bool {
			s := &recordingSleeper{}
			p := Policy{
				MaxRetries:   retries,
				InitialDelay: time.Duration(initialMS) * time.Millisecond,
				Multiplier:   2,
				Jitter:       jitter,
				Sleep:        s.sleep,
			}
			final := errors.New("429 too many requests")
			err := Do(context.Background(), p, func(context.Context) error { return final })
			if err != final || len(s.delays) != retries { //nolint:errorlint // identity check
				return false
			}
			for i, d := range s.delays {
				floor := time.Duration(float64(p.InitialDelay) * float64(int(1)<<i))
				if d < floor {
					return false
				}
				if i > 0 && d < s.delays[i-1] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.IntRange(1, 2000),
		gen.Bool(),
	))

	properties.Property("delays never decrease whatever the multiplier", prop.ForAll(
		func(multiplier float64, jitter bool) bool {
			s := &recordingSleeper{}
			p := Policy{
				MaxRetries:   5,
				InitialDelay: 100 * time.Millisecond,
				Multiplier:   multiplier,
				Jitter:       jitter,
				Sleep:        s.sleep,
			}
			_ = Do(context.Background(), p, func(context.Context) error { return remote.ErrRateLimited })
			if len(s.delays) != 5 || s.delays[0] < p.InitialDelay {
				return false
			}
			for i := 1; i < len(s.delays); i++ {
				if s.delays[i] < s.delays[i-1] {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1, 1.5),
		gen.Bool(),
	))

	properties.Property("non rate limit errors never sleep", prop.ForAll(
		func(msg string) bool {
			s := &recordingSleeper{}
			calls := 0
			_ = Do(context.Background(), testPolicy(s), func(context.Context) error {
				calls++
				return errors.New(msg)
			})
			return calls == 1 && len(s.delays) == 0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
