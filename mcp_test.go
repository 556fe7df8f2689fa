package openmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakePeer implements sessionHandle and sessionPeer for service-level tests.
type fakePeer struct {
	id   string
	caps ClientCapabilities

	mu            sync.Mutex
	notifications []fakeNotification
	failSend      bool

	requestFn func(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type fakeNotification struct {
	method string
	params any
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (f *fakePeer) ID() string { return f.id }

func (f *fakePeer) sendNotification(_ context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSend {
		return fmt.Errorf("send failed")
	}
	f.notifications = append(f.notifications, fakeNotification{method: method, params: params})
	return nil
}

func (f *fakePeer) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.requestFn == nil {
		return nil, fmt.Errorf("no request handler configured")
	}
	return f.requestFn(ctx, method, params)
}

func (f *fakePeer) peerCapabilities() ClientCapabilities { return f.caps }

func (f *fakePeer) sent() []fakeNotification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]fakeNotification, len(f.notifications))
	copy(out, f.notifications)
	return out
}

func (f *fakePeer) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	methods := make([]string, 0, len(f.notifications))
	for _, n := range f.notifications {
		methods = append(methods, n.method)
	}
	return methods
}
