package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sampling defaults. The breaker knobs are configurable through
// ServerOptions so deployments can tune them from observed telemetry.
const (
	defaultSamplingConcurrency = 4
	defaultSamplingFailures    = 3
	defaultSamplingCooldown    = 30 * time.Second
	defaultSamplingTimeout     = 60 * time.Second
)

// sessionPeer is the surface the server→client proxy services need from a
// session: fire a request and read the peer's advertised capabilities.
type sessionPeer interface {
	sessionHandle
	request(ctx context.Context, method string, params any) (json.RawMessage, error)
	peerCapabilities() ClientCapabilities
}

type samplingState struct {
	sem chan struct{}

	mu          sync.Mutex
	failures    int
	openedUntil time.Time
}

// SamplingService proxies sampling/createMessage requests to the client,
// guarding each session with a concurrency semaphore, a consecutive-failure
// circuit breaker, and a request-scoped timeout.
type SamplingService struct {
	mu     sync.Mutex
	states map[string]*samplingState

	concurrency int
	threshold   int
	cooldown    time.Duration
	timeout     time.Duration

	now func() time.Time
}

func newSamplingService() *SamplingService {
	return &SamplingService{
		states:      make(map[string]*samplingState),
		concurrency: defaultSamplingConcurrency,
		threshold:   defaultSamplingFailures,
		cooldown:    defaultSamplingCooldown,
		timeout:     defaultSamplingTimeout,
		now:         time.Now,
	}
}

// CreateMessage asks the session's client to invoke its language model and
// returns the result unchanged.
func (s *SamplingService) CreateMessage(ctx context.Context, sess *ServerSession, params SamplingParams) (SamplingResult, error) {
	return s.createMessage(ctx, sess, params)
}

func (s *SamplingService) createMessage(ctx context.Context, peer sessionPeer, params SamplingParams) (SamplingResult, error) {
	if peer.peerCapabilities().Sampling == nil {
		return SamplingResult{}, errMethodNotFound(MethodSamplingCreateMessage)
	}

	state := s.state(peer.ID())

	if err := state.checkBreaker(s.now()); err != nil {
		return SamplingResult{}, err
	}

	select {
	case state.sem <- struct{}{}:
	case <-ctx.Done():
		return SamplingResult{}, ctx.Err()
	}
	defer func() { <-state.sem }()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := peer.request(reqCtx, MethodSamplingCreateMessage, params)
	if err != nil {
		state.recordFailure(s.now(), s.threshold, s.cooldown)
		if errors.Is(err, context.DeadlineExceeded) {
			return SamplingResult{}, JSONRPCError{
				Code:    CodeServiceUnavailable,
				Message: "sampling request timed out",
			}
		}
		return SamplingResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}

	var result SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		state.recordFailure(s.now(), s.threshold, s.cooldown)
		return SamplingResult{}, fmt.Errorf("failed to decode sampling result: %w", err)
	}

	state.recordSuccess()
	return result, nil
}

func (s *SamplingService) state(sessID string) *samplingState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[sessID]
	if !ok {
		state = &samplingState{sem: make(chan struct{}, s.concurrency)}
		s.states[sessID] = state
	}
	return state
}

func (s *SamplingService) removeSession(sessID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, sessID)
}

// checkBreaker fails fast while the breaker is open. The first call after the
// cooldown elapses is allowed through as the half-open probe.
func (st *samplingState) checkBreaker(now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.openedUntil.IsZero() && now.Before(st.openedUntil) {
		return JSONRPCError{
			Code:    CodeServiceUnavailable,
			Message: "sampling circuit breaker is open",
			Data:    map[string]any{"retryAfter": st.openedUntil.Sub(now).Seconds()},
		}
	}
	return nil
}

// recordFailure counts a consecutive failure and opens the breaker when the
// threshold is reached.
func (st *samplingState) recordFailure(now time.Time, threshold int, cooldown time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures++
	if st.failures >= threshold {
		st.openedUntil = now.Add(cooldown)
	}
}

// recordSuccess closes the breaker and resets the failure counter.
func (st *samplingState) recordSuccess() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures = 0
	st.openedUntil = time.Time{}
}
