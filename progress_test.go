package openmcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type progressRecorder struct {
	mu   sync.Mutex
	sent []ProgressParams
	fail int
}

func (r *progressRecorder) send(ctx context.Context, params ProgressParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail > 0 {
		r.fail--
		return errors.New("transient send failure")
	}
	r.sent = append(r.sent, params)
	return nil
}

func (r *progressRecorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]float64, len(r.sent))
	for i, p := range r.sent {
		out[i] = p.Progress
	}
	return out
}

func newTestTracker(rec *progressRecorder, cfg ProgressConfig, tel ProgressTelemetry) *ProgressTracker {
	return newProgressTracker("tok", 10, rec.send, cfg, tel)
}

func TestProgressMonotonicityEnforced(t *testing.T) {
	rec := &progressRecorder{}
	tracker := newTestTracker(rec, ProgressConfig{EmitHz: 1000}, ProgressTelemetry{})
	ctx := context.Background()

	if err := tracker.Set(ctx, 2, ""); err != nil {
		t.Fatalf("first set failed: %v", err)
	}
	if err := tracker.Set(ctx, 1, ""); err == nil {
		t.Fatalf("regression should be rejected")
	}
	if err := tracker.Set(ctx, 2, ""); err == nil {
		t.Fatalf("equal value should be rejected")
	}
	if err := tracker.Set(ctx, 3, ""); err != nil {
		t.Fatalf("increase failed: %v", err)
	}
}

func TestProgressValuesStrictlyIncreasingOnWire(t *testing.T) {
	rec := &progressRecorder{}
	tracker := newTestTracker(rec, ProgressConfig{EmitHz: 1000}, ProgressTelemetry{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := tracker.Advance(ctx, 1, ""); err != nil {
			t.Fatalf("advance %d failed: %v", i, err)
		}
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	values := rec.values()
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			t.Fatalf("values not strictly increasing: %v", values)
		}
	}
}

func TestProgressCoalescesBursts(t *testing.T) {
	rec := &progressRecorder{}
	throttled := 0
	tracker := newTestTracker(rec, ProgressConfig{EmitHz: 2}, ProgressTelemetry{
		OnThrottle: func(ProgressParams) { throttled++ },
	})
	ctx := context.Background()

	// A burst far faster than 2 Hz collapses to the first send plus the
	// final flush.
	for i := 1; i <= 50; i++ {
		if err := tracker.Set(ctx, float64(i), ""); err != nil {
			t.Fatalf("set %d failed: %v", i, err)
		}
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if got := len(rec.values()); got > 2 {
		t.Errorf("burst should coalesce to at most 2 sends, got %d", got)
	}
	if throttled == 0 {
		t.Errorf("expected throttle telemetry during the burst")
	}

	// The final value always survives the coalescing.
	values := rec.values()
	if values[len(values)-1] != 50 {
		t.Errorf("final value = %v, want 50", values[len(values)-1])
	}
}

func TestProgressFinalValueFlushedWithRetry(t *testing.T) {
	rec := &progressRecorder{}
	tracker := newTestTracker(rec, ProgressConfig{
		EmitHz:   0.001, // force everything into the Close flush
		RetryMin: time.Millisecond,
		RetryMax: 2 * time.Millisecond,
	}, ProgressTelemetry{})
	ctx := context.Background()

	// The first Set emits immediately (no prior emission); burn it, then
	// coalesce a final value.
	if err := tracker.Set(ctx, 1, ""); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := tracker.Set(ctx, 9, "almost"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	rec.mu.Lock()
	rec.fail = 2
	rec.mu.Unlock()

	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close should retry past transient failures: %v", err)
	}

	values := rec.values()
	if len(values) == 0 || values[len(values)-1] != 9 {
		t.Errorf("final value not delivered: %v", values)
	}
}

func TestProgressCloseIsIdempotent(t *testing.T) {
	rec := &progressRecorder{}
	closes := 0
	tracker := newTestTracker(rec, ProgressConfig{}, ProgressTelemetry{
		OnClose: func(ProgressParams) { closes++ },
	})
	ctx := context.Background()

	if err := tracker.Set(ctx, 1, ""); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if closes != 1 {
		t.Errorf("OnClose fired %d times, want 1", closes)
	}

	if err := tracker.Set(ctx, 2, ""); err == nil {
		t.Errorf("set after close should fail")
	}
}

func TestProgressTelemetryHooks(t *testing.T) {
	rec := &progressRecorder{}
	var started, emitted, closed bool
	tracker := newTestTracker(rec, ProgressConfig{EmitHz: 1000}, ProgressTelemetry{
		OnStart: func(token MustString) { started = token == "tok" },
		OnEmit:  func(ProgressParams) { emitted = true },
		OnClose: func(ProgressParams) { closed = true },
	})
	ctx := context.Background()

	if !started {
		t.Errorf("OnStart should fire at construction")
	}
	if err := tracker.Set(ctx, 1, "one"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !emitted {
		t.Errorf("OnEmit should fire on send")
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !closed {
		t.Errorf("OnClose should fire on close")
	}
}

func TestJitterDurationStaysInBand(t *testing.T) {
	min, max := 50*time.Millisecond, 250*time.Millisecond
	for i := 0; i < 100; i++ {
		d := jitterDuration(min, max)
		if d < min || d > max {
			t.Fatalf("jitter %v outside [%v, %v]", d, min, max)
		}
	}
}
