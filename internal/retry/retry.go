// Package retry retries idempotent broker reads on transient failures.
// Order submission is never routed through here.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig keeps a monitor tick well inside its interval.
var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Timeout:        10 * time.Second,
}

func (c Config) sanitized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempts
// or timeout run out.
func Do[T any](ctx context.Context, cfg Config, logger logrus.FieldLogger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.sanitized()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
			return zero, fmt.Errorf("%s: %w", op, err)
		}

		v, err := fn(opCtx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": fmt.Sprintf("%d/%d", attempt+1, cfg.MaxRetries+1),
			"backoff": backoff.String(),
		}).WithError(err).Debug("Transient error, retrying")

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s: canceled during backoff: %w", op, opCtx.Err())
		}
	}
	return zero, fmt.Errorf("%s failed: %w", op, lastErr)
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(j.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient reports whether err is worth retrying: 429 and 5xx API errors,
// network errors, per-call deadlines and the usual transport messages.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
