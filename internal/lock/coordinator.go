// Package lock serializes every operation that changes venue positions or the session.
package lock

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

var (
	// ErrBusy is returned by TryRun when another operation holds the section.
	ErrBusy = errors.New("critical section busy")
	// ErrReauthInProgress is returned instead of blocking behind a login.
	ErrReauthInProgress = errors.New("re-authentication in progress")
)

// OpLogin names the login operation; callers defer rather than wait behind it.
const OpLogin = "login"

type heldKey struct{}

// Coordinator is a single-holder critical section.
// The context passed to the guarded function carries a marker so nested calls run inline.
type Coordinator struct {
	since  time.Time
	sem    chan struct{}
	logger *log.Logger
	holder string
	mu     sync.Mutex
}

// New creates a coordinator.
func New(logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "lock: ", log.LstdFlags)
	}
	return &Coordinator{
		sem:    make(chan struct{}, 1),
		logger: logger,
	}
}

// Held reports whether ctx was issued inside this coordinator's section.
func (c *Coordinator) Held(ctx context.Context) bool {
	owner, _ := ctx.Value(heldKey{}).(*Coordinator)
	return owner == c
}

// Holder returns the current operation and how long it has held the section.
func (c *Coordinator) Holder() (string, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder == "" {
		return "", 0, false
	}
	return c.holder, time.Since(c.since), true
}

// Run waits for the section and runs fn inside it.
// It returns ErrReauthInProgress without waiting while a login holds the section.
func (c *Coordinator) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.Held(ctx) {
		return fn(ctx)
	}
	if holder, _, ok := c.Holder(); ok && holder == OpLogin {
		return ErrReauthInProgress
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.run(ctx, op, fn)
}

// TryRun runs fn only if the section is free.
func (c *Coordinator) TryRun(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.Held(ctx) {
		return fn(ctx)
	}
	select {
	case c.sem <- struct{}{}:
	default:
		if holder, _, ok := c.Holder(); ok && holder == OpLogin {
			return ErrReauthInProgress
		}
		return ErrBusy
	}
	return c.run(ctx, op, fn)
}

func (c *Coordinator) run(ctx context.Context, op string, fn func(context.Context) error) error {
	c.mu.Lock()
	c.holder = op
	c.since = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		held := time.Since(c.since)
		c.holder = ""
		c.mu.Unlock()
		<-c.sem
		if held > 30*time.Second {
			c.logger.Printf("critical section %q held for %v", op, held.Round(time.Millisecond))
		}
	}()

	return fn(context.WithValue(ctx, heldKey{}, c))
}
