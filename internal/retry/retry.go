package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// DefaultJitter is the fraction by which a delay may deviate either way
const DefaultJitter = 0.2

// Config holds backoff configuration
type Config struct {
	// MaxAttempts is the maximum number of retry attempts for Retrier.Do (0 = no retry)
	MaxAttempts int
	// InitialDelay is the delay after the first failure
	InitialDelay time.Duration
	// MaxDelay caps the delay before jitter is applied
	MaxDelay time.Duration
	// Multiplier is the backoff multiplier (e.g., 2 for exponential backoff)
	Multiplier float64
	// Jitter is the relative spread applied to each delay, 0.2 means ±20%
	Jitter float64
	// RetryableFunc determines if an error is retryable
	RetryableFunc func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      2 * time.Minute,
		Multiplier:    2.0,
		Jitter:        DefaultJitter,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// DefaultRetryableFunc is the default function to determine if an error is retryable
func DefaultRetryableFunc(err error) bool {
	// Don't retry context errors
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}

	return true
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	if c.RetryableFunc == nil {
		c.RetryableFunc = DefaultRetryableFunc
	}
	return c
}

// Backoff tracks consecutive failures and computes the next wait.
// It is not safe for concurrent use; each poller owns its own.
type Backoff struct {
	config  Config
	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff with the given configuration
func NewBackoff(config Config) *Backoff {
	return &Backoff{
		config: config.withDefaults(),
		rand:   rand.Float64,
	}
}

// Next records a failure and returns how long to wait before trying again
func (b *Backoff) Next() time.Duration {
	d := b.delay(b.attempt)
	b.attempt++
	return d
}

// Reset clears the failure count after a successful attempt
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of consecutive failures recorded
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Bounds returns the smallest and largest delay Next can return for the given attempt
func (b *Backoff) Bounds(attempt int) (time.Duration, time.Duration) {
	base := b.base(attempt)
	spread := base * b.config.Jitter
	return time.Duration(base - spread), time.Duration(base + spread)
}

func (b *Backoff) base(attempt int) float64 {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt))
	if delay > float64(b.config.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(b.config.MaxDelay)
	}
	return delay
}

func (b *Backoff) delay(attempt int) time.Duration {
	delay := b.base(attempt)
	if b.config.Jitter > 0 {
		delay += (b.rand()*2 - 1) * (delay * b.config.Jitter)
	}
	return time.Duration(delay)
}

// Retrier retries a function with exponential backoff
type Retrier struct {
	config Config
}

// New creates a new retrier with the given configuration
func New(config Config) *Retrier {
	return &Retrier{
		config: config.withDefaults(),
	}
}

// Do executes the given function with retry logic
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	backoff := NewBackoff(r.config)
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= r.config.MaxAttempts {
			break
		}
		if !r.config.RetryableFunc(err) {
			return err
		}

		if err := Sleep(ctx, backoff.Next()); err != nil {
			return err
		}
	}

	return &Error{
		Err:      lastErr,
		Attempts: r.config.MaxAttempts + 1,
	}
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Error represents a retry error with additional information
type Error struct {
	Err      error
	Attempts int
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NonRetryableError wraps an error to indicate it should not be retried
type NonRetryableError struct {
	err error
}

// NewNonRetryableError creates a new non-retryable error
func NewNonRetryableError(err error) error {
	return &NonRetryableError{err: err}
}

// Error implements the error interface
func (e *NonRetryableError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error
func (e *NonRetryableError) Unwrap() error {
	return e.err
}
