package openmcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionHandle is the surface registries and capability services need from a
// live session. Sessions unregister themselves from every registry on close;
// registries never outlive the handles they hold.
type sessionHandle interface {
	ID() string
	sendNotification(ctx context.Context, method string, params any) error
}

// subscriptionRegistry is a bidirectional index between resource URIs and the
// sessions subscribed to them. Both directions are updated atomically under a
// single mutex; notification sends always happen outside the critical section
// so the registry can never deadlock against a transport.
type subscriptionRegistry struct {
	mu        sync.Mutex
	byURI     map[string]map[string]sessionHandle
	bySession map[string]map[string]struct{}

	sendTimeout time.Duration
	logger      *slog.Logger
}

func newSubscriptionRegistry(sendTimeout time.Duration, logger *slog.Logger) *subscriptionRegistry {
	return &subscriptionRegistry{
		byURI:       make(map[string]map[string]sessionHandle),
		bySession:   make(map[string]map[string]struct{}),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// subscribe records interest of sess in uri. Subscribing twice is a no-op.
func (r *subscriptionRegistry) subscribe(sess sessionHandle, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byURI[uri] == nil {
		r.byURI[uri] = make(map[string]sessionHandle)
	}
	r.byURI[uri][sess.ID()] = sess

	if r.bySession[sess.ID()] == nil {
		r.bySession[sess.ID()] = make(map[string]struct{})
	}
	r.bySession[sess.ID()][uri] = struct{}{}
}

// unsubscribe removes interest of sess in uri and prunes empty entries.
// Unsubscribing twice is a no-op.
func (r *subscriptionRegistry) unsubscribe(sess sessionHandle, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions := r.byURI[uri]; sessions != nil {
		delete(sessions, sess.ID())
		if len(sessions) == 0 {
			delete(r.byURI, uri)
		}
	}
	if uris := r.bySession[sess.ID()]; uris != nil {
		delete(uris, uri)
		if len(uris) == 0 {
			delete(r.bySession, sess.ID())
		}
	}
}

// notifyUpdated fans out notifications/resources/updated to every subscriber
// of uri. The subscriber set is snapshotted first; sessions whose delivery
// fails are pruned from every URI afterwards.
func (r *subscriptionRegistry) notifyUpdated(uri string) {
	r.mu.Lock()
	snapshot := make([]sessionHandle, 0, len(r.byURI[uri]))
	for _, sess := range r.byURI[uri] {
		snapshot = append(snapshot, sess)
	}
	r.mu.Unlock()

	var stale []sessionHandle
	for _, sess := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		err := sess.sendNotification(ctx, methodNotificationsResourcesUpdated, resourcesUpdatedParams{URI: uri})
		cancel()
		if err != nil {
			r.logger.Warn("failed to deliver resource update, pruning session",
				slog.String("uri", uri),
				slog.String("sessionID", sess.ID()),
				slog.String("err", err.Error()))
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		r.pruneSession(sess)
	}
}

// pruneSession removes the session from every URI it subscribed to in one
// critical section.
func (r *subscriptionRegistry) pruneSession(sess sessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uri := range r.bySession[sess.ID()] {
		if sessions := r.byURI[uri]; sessions != nil {
			delete(sessions, sess.ID())
			if len(sessions) == 0 {
				delete(r.byURI, uri)
			}
		}
	}
	delete(r.bySession, sess.ID())
}

// subscribed reports whether sess currently subscribes to uri.
func (r *subscriptionRegistry) subscribed(sess sessionHandle, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.bySession[sess.ID()][uri]
	return ok
}

func (r *subscriptionRegistry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byURI) == 0 && len(r.bySession) == 0
}

// observerRegistry tracks the sessions interested in list-changed fan-out for
// one capability. A session is (re-)added whenever it performs a list call on
// a capability that advertises list_changed.
type observerRegistry struct {
	mu       sync.Mutex
	sessions map[string]sessionHandle

	method      string
	sendTimeout time.Duration
	logger      *slog.Logger
}

func newObserverRegistry(method string, sendTimeout time.Duration, logger *slog.Logger) *observerRegistry {
	return &observerRegistry{
		sessions:    make(map[string]sessionHandle),
		method:      method,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

func (r *observerRegistry) observe(sess sessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.ID()] = sess
}

func (r *observerRegistry) remove(sess sessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sess.ID())
}

// broadcast sends the registry's list-changed notification to a snapshot of
// observers. Failed sessions are collected and discarded after the broadcast.
func (r *observerRegistry) broadcast() {
	r.mu.Lock()
	snapshot := make([]sessionHandle, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.Unlock()

	var stale []string
	for _, sess := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		err := sess.sendNotification(ctx, r.method, nil)
		cancel()
		if err != nil {
			r.logger.Warn("failed to deliver list-changed notification, discarding observer",
				slog.String("method", r.method),
				slog.String("sessionID", sess.ID()),
				slog.String("err", err.Error()))
			stale = append(stale, sess.ID())
		}
	}

	if len(stale) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range stale {
		delete(r.sessions, id)
	}
}
