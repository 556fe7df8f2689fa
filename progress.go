package openmcp

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Progress defaults: coalescing rate and the retry band applied when the
// final flush hits a transient transport failure.
const (
	defaultProgressEmitHz     = 8.0
	defaultProgressRetryMin   = 50 * time.Millisecond
	defaultProgressRetryMax   = 250 * time.Millisecond
	defaultProgressMaxRetries = 3
)

// ProgressConfig tunes a ProgressTracker.
type ProgressConfig struct {
	// EmitHz caps the notification rate; bursts collapse to at most one
	// send per tick. Zero means the default of 8 Hz.
	EmitHz float64

	// RetryMin and RetryMax bound the jittered backoff between retries of
	// the final flush.
	RetryMin time.Duration
	RetryMax time.Duration

	// MaxRetries bounds flush retries before the value is dropped.
	MaxRetries int
}

func (c ProgressConfig) withDefaults() ProgressConfig {
	if c.EmitHz <= 0 {
		c.EmitHz = defaultProgressEmitHz
	}
	if c.RetryMin <= 0 {
		c.RetryMin = defaultProgressRetryMin
	}
	if c.RetryMax <= c.RetryMin {
		c.RetryMax = c.RetryMin + (defaultProgressRetryMax - defaultProgressRetryMin)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultProgressMaxRetries
	}
	return c
}

// ProgressTelemetry carries optional lifecycle hooks for external observers.
type ProgressTelemetry struct {
	OnStart    func(token MustString)
	OnEmit     func(params ProgressParams)
	OnThrottle func(params ProgressParams)
	OnClose    func(final ProgressParams)
}

type progressSender func(ctx context.Context, params ProgressParams) error

// ProgressTracker emits coalesced notifications/progress for one progress
// token. Values must be strictly increasing; the last value set before Close
// is guaranteed a delivery attempt with jittered retries.
type ProgressTracker struct {
	token MustString
	total float64
	send  progressSender
	cfg   ProgressConfig
	tel   ProgressTelemetry
	now   func() time.Time

	mu       sync.Mutex
	current  float64
	message  string
	started  bool
	dirty    bool
	lastEmit time.Time
	closed   bool
}

func newProgressTracker(token MustString, total float64, send progressSender, cfg ProgressConfig, tel ProgressTelemetry) *ProgressTracker {
	t := &ProgressTracker{
		token: token,
		total: total,
		send:  send,
		cfg:   cfg.withDefaults(),
		tel:   tel,
		now:   time.Now,
	}
	if t.tel.OnStart != nil {
		t.tel.OnStart(token)
	}
	return t
}

// Set records a new progress value. Regressions are an error. The update is
// sent immediately when the coalescing window has elapsed, otherwise it is
// held until the next Set or Close.
func (t *ProgressTracker) Set(ctx context.Context, value float64, message string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("progress tracker is closed")
	}
	if t.started && value <= t.current {
		t.mu.Unlock()
		return fmt.Errorf("progress must be strictly increasing: %v <= %v", value, t.current)
	}
	t.started = true
	t.current = value
	t.message = message
	t.dirty = true

	period := time.Duration(float64(time.Second) / t.cfg.EmitHz)
	if t.now().Sub(t.lastEmit) < period {
		params := t.params()
		t.mu.Unlock()
		if t.tel.OnThrottle != nil {
			t.tel.OnThrottle(params)
		}
		return nil
	}

	t.lastEmit = t.now()
	t.dirty = false
	params := t.params()
	t.mu.Unlock()

	return t.emit(ctx, params)
}

// Advance increases the progress value by delta.
func (t *ProgressTracker) Advance(ctx context.Context, delta float64, message string) error {
	t.mu.Lock()
	next := t.current + delta
	t.mu.Unlock()
	return t.Set(ctx, next, message)
}

// Close flushes any coalesced value so the final progress is delivered at
// least once, retrying transient failures with jittered backoff before
// giving up. Close is idempotent.
func (t *ProgressTracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dirty := t.dirty
	t.dirty = false
	params := t.params()
	started := t.started
	t.mu.Unlock()

	var err error
	if dirty {
		err = t.flush(ctx, params)
	}
	if t.tel.OnClose != nil && started {
		t.tel.OnClose(params)
	}
	return err
}

func (t *ProgressTracker) params() ProgressParams {
	return ProgressParams{
		ProgressToken: t.token,
		Progress:      t.current,
		Total:         t.total,
		Message:       t.message,
	}
}

func (t *ProgressTracker) emit(ctx context.Context, params ProgressParams) error {
	if err := t.send(ctx, params); err != nil {
		return err
	}
	if t.tel.OnEmit != nil {
		t.tel.OnEmit(params)
	}
	return nil
}

func (t *ProgressTracker) flush(ctx context.Context, params ProgressParams) error {
	var err error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitterDuration(t.cfg.RetryMin, t.cfg.RetryMax)):
			}
		}
		if err = t.emit(ctx, params); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to flush final progress: %w", err)
}

// jitterDuration draws a uniform duration in [min, max) from a
// cryptographic-quality source.
func jitterDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}
