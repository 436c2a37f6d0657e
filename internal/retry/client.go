// Package retry re-runs venue calls according to the class of error they return.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration // first wait after a transient error
	MaxBackoff     time.Duration
	RateLimitWait  time.Duration
	Timeout        time.Duration
	// NoTransientRetry returns transient errors at once; used where a retry could duplicate a side effect.
	NoTransientRetry bool
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 5 * time.Second,
	MaxBackoff:     30 * time.Second,
	RateLimitWait:  60 * time.Second,
	Timeout:        3 * time.Minute,
}

// ReauthFunc refreshes the session after an auth failure.
type ReauthFunc func(ctx context.Context) error

type Client struct {
	reauth ReauthFunc
	logger *log.Logger
	config Config
}

func NewClient(reauth ReauthFunc, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = DefaultConfig.RateLimitWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[RETRY] ", log.LstdFlags)
	}

	return &Client{
		reauth: reauth,
		logger: logger,
		config: cfg,
	}
}

// Do runs fn until it succeeds, the error is not retryable, or attempts run out.
// Auth errors trigger one re-login per attempt; rejected and unknown errors return at once.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, lastErr)
		}

		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("%s succeeded on attempt %d", op, attempt+1)
			}
			return nil
		}
		lastErr = err

		class := broker.Classify(err)
		if attempt == c.config.MaxRetries {
			break
		}

		var wait time.Duration
		switch class {
		case broker.ClassAuth:
			if c.reauth == nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			c.logger.Printf("%s attempt %d: auth error, re-authenticating: %v", op, attempt+1, err)
			if rerr := c.reauth(opCtx); rerr != nil {
				return fmt.Errorf("%s: re-authentication failed: %v: %w", op, rerr, err)
			}
			continue
		case broker.ClassRateLimit:
			wait = c.config.RateLimitWait
			c.logger.Printf("%s attempt %d: rate limited, waiting %v", op, attempt+1, wait)
		case broker.ClassTransient:
			if c.config.NoTransientRetry {
				return fmt.Errorf("%s: %w", op, err)
			}
			wait = backoff
			backoff = c.calculateNextBackoff(backoff)
			c.logger.Printf("%s attempt %d: transient error, retrying in %v: %v", op, attempt+1, wait, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}

		select {
		case <-time.After(wait):
		case <-opCtx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, lastErr)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}
