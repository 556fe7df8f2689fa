package openmcp

import (
	"context"
	"fmt"
)

type requestContextKey struct{}

// RequestContext exposes the per-request surface to handlers: the session the
// request arrived on, client-facing logging, progress reporting, and the
// server→client proxy services. Handlers retrieve it with RequestFrom.
type RequestContext struct {
	srv           *Server
	sess          *ServerSession
	requestID     MustString
	progressToken MustString
}

// RequestFrom returns the RequestContext carried by a handler's context. The
// second return value is false outside of a request handler.
func RequestFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// Session returns the session the request arrived on.
func (rc *RequestContext) Session() *ServerSession {
	return rc.sess
}

// RequestID returns the request identifier assigned by the client.
func (rc *RequestContext) RequestID() string {
	return string(rc.requestID)
}

// ProgressToken returns the progress token supplied by the client, if any.
func (rc *RequestContext) ProgressToken() (string, bool) {
	return string(rc.progressToken), rc.progressToken != ""
}

// Log sends a log record to the requesting session, subject to its
// logging/setLevel threshold.
func (rc *RequestContext) Log(ctx context.Context, level LogLevel, data any) error {
	if rc.srv.logging.threshold(rc.sess.ID()).Severity() > level.Severity() {
		return nil
	}
	return rc.sess.sendNotification(ctx, methodNotificationsMessage, LogParams{
		Level:  level,
		Logger: rc.srv.info.Name,
		Data:   data,
	})
}

// Debug sends a debug-level log message to the requesting session.
func (rc *RequestContext) Debug(ctx context.Context, message string) error {
	return rc.Log(ctx, LogLevelDebug, map[string]any{"msg": message})
}

// Info sends an info-level log message to the requesting session.
func (rc *RequestContext) Info(ctx context.Context, message string) error {
	return rc.Log(ctx, LogLevelInfo, map[string]any{"msg": message})
}

// Warning sends a warning-level log message to the requesting session.
func (rc *RequestContext) Warning(ctx context.Context, message string) error {
	return rc.Log(ctx, LogLevelWarning, map[string]any{"msg": message})
}

// Error sends an error-level log message to the requesting session.
func (rc *RequestContext) Error(ctx context.Context, message string) error {
	return rc.Log(ctx, LogLevelError, map[string]any{"msg": message})
}

// ReportProgress emits a single, uncoalesced progress notification. It is a
// no-op when the client supplied no progress token.
func (rc *RequestContext) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if rc.progressToken == "" {
		return nil
	}
	return rc.sess.sendNotification(ctx, methodNotificationsProgress, ProgressParams{
		ProgressToken: rc.progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// Progress returns a coalescing tracker bound to the request's progress
// token. It fails when the client supplied no token.
func (rc *RequestContext) Progress(total float64, cfg ProgressConfig, tel ProgressTelemetry) (*ProgressTracker, error) {
	if rc.progressToken == "" {
		return nil, fmt.Errorf("client supplied no progress token")
	}
	sess := rc.sess
	send := func(ctx context.Context, params ProgressParams) error {
		return sess.sendNotification(ctx, methodNotificationsProgress, params)
	}
	return newProgressTracker(rc.progressToken, total, send, cfg, tel), nil
}

// Sampling proxies a sampling/createMessage request to the requesting
// session's client.
func (rc *RequestContext) Sampling(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	return rc.srv.sampling.createMessage(ctx, rc.sess, params)
}

// Elicit proxies an elicitation/create request to the requesting session's
// client.
func (rc *RequestContext) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	return rc.srv.elicitation.create(ctx, rc.sess, params)
}

// RootsGuard returns the reference monitor for the requesting session's
// current roots snapshot.
func (rc *RequestContext) RootsGuard() RootGuard {
	return rc.srv.roots.guardFor(rc.sess.ID())
}
