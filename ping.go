package openmcp

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Heartbeat defaults.
const (
	defaultPingInterval  = 5 * time.Second
	defaultPingJitter    = 0.2
	defaultPingTimeout   = 2 * time.Second
	defaultPingRingSize  = 32
	defaultPingAlpha     = 0.2
	defaultPhiThreshold  = 3.0
	defaultFailureBudget = 3
)

type pingState struct {
	peer sessionPeer
	sem  chan struct{}

	mu          sync.Mutex
	intervals   []float64 // seconds between successful probes, ring-bounded
	ewmaRTT     time.Duration
	haveRTT     bool
	lastSuccess time.Time
	failures    int
}

// PingService schedules heartbeat probes across active sessions and scores
// each session's health with a phi-accrual failure detector over observed
// inter-arrival intervals, alongside an EWMA of round-trip times.
type PingService struct {
	mu     sync.Mutex
	states map[string]*pingState

	interval      time.Duration
	jitter        float64
	timeout       time.Duration
	ringSize      int
	alpha         float64
	phiThreshold  float64
	failureBudget int

	// OnSuspect is invoked when a session's phi exceeds the threshold.
	OnSuspect func(sessionID string, phi float64)
	// OnDown is invoked when a session exhausts the failure budget; the
	// session is discarded from the heartbeat set afterwards.
	OnDown func(sessionID string)

	now    func() time.Time
	logger *slog.Logger
}

func newPingService(logger *slog.Logger) *PingService {
	return &PingService{
		states:        make(map[string]*pingState),
		interval:      defaultPingInterval,
		jitter:        defaultPingJitter,
		timeout:       defaultPingTimeout,
		ringSize:      defaultPingRingSize,
		alpha:         defaultPingAlpha,
		phiThreshold:  defaultPhiThreshold,
		failureBudget: defaultFailureBudget,
		now:           time.Now,
		logger:        logger,
	}
}

// Register adds a session to the heartbeat set. Registering an already
// tracked session is a no-op.
func (s *PingService) Register(sess *ServerSession) {
	s.register(sess)
}

func (s *PingService) register(peer sessionPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[peer.ID()]; ok {
		return
	}
	// lastSuccess stays zero until the first successful probe so the first
	// inter-arrival interval is measured between two real successes.
	s.states[peer.ID()] = &pingState{
		peer: peer,
		sem:  make(chan struct{}, 1),
	}
}

// Remove discards a session from the heartbeat set.
func (s *PingService) Remove(sessID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, sessID)
}

// Active returns the IDs of currently tracked sessions.
func (s *PingService) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids
}

// Touch resets the session's suspicion clock without sending a ping. Call it
// when ordinary traffic proves the session is alive.
func (s *PingService) Touch(sessID string) {
	state := s.state(sessID)
	if state == nil {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastSuccess = s.now()
}

// Ping probes one session and records the outcome. It returns false on
// timeout or transport failure.
func (s *PingService) Ping(ctx context.Context, sessID string) bool {
	state := s.state(sessID)
	if state == nil {
		return false
	}
	return s.probe(ctx, state)
}

func (s *PingService) probe(ctx context.Context, state *pingState) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	_, err := state.peer.request(reqCtx, MethodPing, nil)
	if err != nil {
		state.mu.Lock()
		state.failures++
		state.mu.Unlock()
		return false
	}

	now := s.now()
	rtt := now.Sub(start)

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.lastSuccess.IsZero() {
		observed := now.Sub(state.lastSuccess).Seconds()
		state.intervals = append(state.intervals, observed)
		if len(state.intervals) > s.ringSize {
			state.intervals = state.intervals[len(state.intervals)-s.ringSize:]
		}
	}
	if state.haveRTT {
		state.ewmaRTT = time.Duration(s.alpha*float64(rtt) + (1-s.alpha)*float64(state.ewmaRTT))
	} else {
		state.ewmaRTT = rtt
		state.haveRTT = true
	}
	state.lastSuccess = now
	state.failures = 0
	return true
}

// RoundTripTime returns the session's smoothed round-trip time. The second
// return value is false until at least one probe succeeded.
func (s *PingService) RoundTripTime(sessID string) (time.Duration, bool) {
	state := s.state(sessID)
	if state == nil {
		return 0, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.ewmaRTT, state.haveRTT
}

// Suspicion returns the session's current phi score. Inter-arrival intervals
// are modeled as exponential with rate 1/mean, giving
// phi = -log10(1 - (1 - exp(-t/mean))) for t seconds since the last success.
func (s *PingService) Suspicion(sessID string) float64 {
	state := s.state(sessID)
	if state == nil {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return s.phi(state)
}

func (s *PingService) phi(state *pingState) float64 {
	if len(state.intervals) == 0 || state.lastSuccess.IsZero() {
		return 0
	}

	var sum float64
	for _, v := range state.intervals {
		sum += v
	}
	mean := sum / float64(len(state.intervals))
	if mean <= 0 {
		return 0
	}

	t := s.now().Sub(state.lastSuccess).Seconds()
	if t <= 0 {
		return 0
	}

	survival := math.Exp(-t / mean)
	if survival <= 0 {
		return math.Inf(1)
	}
	return -math.Log10(survival)
}

// IsAlive reports whether the session is at or below both the phi threshold
// and the failure budget.
func (s *PingService) IsAlive(sessID string) bool {
	state := s.state(sessID)
	if state == nil {
		return false
	}

	state.mu.Lock()
	failures := state.failures
	phi := s.phi(state)
	state.mu.Unlock()

	return phi <= s.phiThreshold && failures <= s.failureBudget
}

// StartHeartbeat launches the probe loop. It returns immediately; the loop
// stops when ctx is cancelled. Each pass probes every tracked session with a
// per-session semaphore so a slow peer is never probed twice concurrently,
// then classifies it: suspect when phi exceeds the threshold, down when the
// failure budget is exhausted.
func (s *PingService) StartHeartbeat(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.jitteredInterval()):
			}
			s.sweep(ctx)
		}
	}()
}

func (s *PingService) jitteredInterval() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	spread := 1 + s.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(s.interval) * spread)
}

func (s *PingService) sweep(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*pingState, 0, len(s.states))
	for _, state := range s.states {
		snapshot = append(snapshot, state)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, state := range snapshot {
		select {
		case state.sem <- struct{}{}:
		default:
			// A previous probe for this session is still in flight.
			continue
		}

		wg.Add(1)
		go func(state *pingState) {
			defer wg.Done()
			defer func() { <-state.sem }()

			s.probe(ctx, state)
			s.classify(state)
		}(state)
	}
	wg.Wait()
}

func (s *PingService) classify(state *pingState) {
	state.mu.Lock()
	failures := state.failures
	phi := s.phi(state)
	state.mu.Unlock()

	sessID := state.peer.ID()

	if failures > s.failureBudget {
		s.logger.Warn("session heartbeat exhausted failure budget",
			slog.String("sessionID", sessID),
			slog.Int("failures", failures))
		s.Remove(sessID)
		if s.OnDown != nil {
			s.OnDown(sessID)
		}
		return
	}

	if phi > s.phiThreshold {
		s.logger.Info("session heartbeat suspect",
			slog.String("sessionID", sessID),
			slog.Float64("phi", phi))
		if s.OnSuspect != nil {
			s.OnSuspect(sessID, phi)
		}
	}
}

func (s *PingService) state(sessID string) *pingState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[sessID]
}
