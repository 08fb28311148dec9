package sftpx

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrorMatcher decides whether an error is eligible for another attempt.
type ErrorMatcher func(error) bool

// MatchType matches any error in the chain whose dynamic type is T.
func MatchType[T error]() ErrorMatcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// MatchError matches a specific error value anywhere in the chain.
func MatchError(target error) ErrorMatcher {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// MatchTransient matches network-level failures that tend to clear up on
// their own. See IsRetryableError.
func MatchTransient() ErrorMatcher {
	return IsRetryableError
}

// RetryPolicy configures retry behavior for remote operations.
type RetryPolicy struct {
	// Matchers select the errors that trigger a retry. With no matchers
	// nothing is retried.
	Matchers []ErrorMatcher

	// Tries is the total number of attempts. Zero or less disables retry.
	Tries int

	// Delay is the wait before the second attempt.
	Delay time.Duration

	// Backoff multiplies the delay after every failed attempt (e.g. 2.0
	// doubles it). Values below 1 are treated as 1.
	Backoff float64

	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter adds randomness to the delay (0.25 = ±25%).
	Jitter float64

	// Silent suppresses all retry logging.
	Silent bool

	// Logger receives retry messages. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultRetryPolicy returns a policy retrying transient network errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Matchers: []ErrorMatcher{MatchTransient()},
		Tries:    4,
		Delay:    1 * time.Second,
		Backoff:  2.0,
		MaxDelay: 30 * time.Second,
	}
}

// NoRetry returns a policy with retries disabled.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Enabled reports whether the policy performs more than a single attempt.
func (p RetryPolicy) Enabled() bool {
	return p.Tries > 0
}

// WithLogger returns a copy of p logging to l when p has no logger of its own.
func (p RetryPolicy) WithLogger(l logrus.FieldLogger) RetryPolicy {
	if p.Logger == nil {
		p.Logger = l
	}
	return p
}

func (p RetryPolicy) logger() logrus.FieldLogger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}

func (p RetryPolicy) matches(err error) bool {
	for _, m := range p.Matchers {
		if m != nil && m(err) {
			return true
		}
	}
	return false
}

// Wrap returns fn decorated with the policy. When the policy is disabled fn is
// returned as is. The final error is never wrapped, so callers see the same
// error fn produced.
func (p RetryPolicy) Wrap(ctx context.Context, operation string, fn func() error) func() error {
	if !p.Enabled() {
		if !p.Silent {
			p.logger().WithField("operation", operation).Debug("Retry: [DISABLED]")
		}
		return fn
	}

	return func() error {
		var lastErr error

		for attempt := 1; attempt <= p.Tries; attempt++ {
			lastErr = fn()
			if lastErr == nil {
				return nil
			}

			if attempt == p.Tries || !p.matches(lastErr) {
				break
			}

			delay := p.delay(attempt)

			if !p.Silent {
				p.logger().WithFields(logrus.Fields{
					"operation": operation,
					"attempt":   attempt,
					"tries":     p.Tries,
					"delay":     delay,
				}).Warnf("Retry (%d/%d):\n%v\nRetrying in %v...", attempt, p.Tries, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		return lastErr
	}
}

// Do runs fn under the policy.
func (p RetryPolicy) Do(ctx context.Context, operation string, fn func() error) error {
	return p.Wrap(ctx, operation, fn)()
}

// Retry runs fn under policy and returns its value.
func Retry[T any](ctx context.Context, policy RetryPolicy, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := policy.Do(ctx, operation, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// delay returns the wait following the given failed attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	backoff := p.Backoff
	if backoff < 1 {
		backoff = 1
	}

	delay := float64(p.Delay)
	for i := 1; i < attempt; i++ {
		delay *= backoff
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			break
		}
	}

	if p.Jitter > 0 {
		jitter := delay * p.Jitter
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

// IsRetryableError checks if an error is transient and worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}

	return false
}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"connection lost",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"operation timed out",
	"ssh: disconnect",
	"temporary failure",
	"too many open files",
	"unexpected eof",
}
