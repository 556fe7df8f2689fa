package openmcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSendTimeout = 30 * time.Second

// NotificationFlags selects which list-changed notifications the server
// advertises during initialization.
type NotificationFlags struct {
	PromptsChanged   bool
	ResourcesChanged bool
	ToolsChanged     bool
}

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server is a Model Context Protocol server. Capability services are always
// present; registering specs against them determines which capabilities are
// advertised during the initialize handshake.
type Server struct {
	info         Info
	instructions string
	logger       *slog.Logger

	pageSize      int
	sendTimeout   time.Duration
	rootsDebounce time.Duration
	flags         NotificationFlags
	dynamic       bool
	heartbeat     bool

	tools       *ToolsService
	resources   *ResourcesService
	prompts     *PromptsService
	completions *CompletionService
	logging     *LoggingService
	sampling    *SamplingService
	elicitation *ElicitationService
	roots       *RootsService
	ping        *PingService

	onClientConnected    func(sessionID string, info Info)
	onClientDisconnected func(sessionID string)

	started atomic.Bool
	done    chan struct{}

	sessionsMu sync.Mutex
	active     map[string]*ServerSession
	sessionsWG sync.WaitGroup
}

// NewServer creates a Model Context Protocol server with the given identity.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:          info,
		logger:        slog.Default(),
		pageSize:      defaultPageSize,
		sendTimeout:   defaultSendTimeout,
		rootsDebounce: defaultRootsDebounce,
		done:          make(chan struct{}),
		active:        make(map[string]*ServerSession),
	}

	s.sampling = newSamplingService()
	s.elicitation = newElicitationService()
	s.ping = newPingService(s.logger)

	for _, opt := range options {
		opt(s)
	}

	s.tools = newToolsService(s)
	s.resources = newResourcesService(s)
	s.prompts = newPromptsService(s)
	s.completions = newCompletionService()
	s.logging = newLoggingService(s.sendTimeout, s.logger)
	s.roots = newRootsService(s.rootsDebounce, s.pageSize, s.logger)
	s.ping.logger = s.logger

	return s
}

// WithInstructions returns a ServerOption that sets the instructions echoed
// in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "openmcp"),
			slog.String("component", "server"),
		)
	}
}

// WithPageSize sets the page length for all list operations.
func WithPageSize(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithSendTimeout sets the timeout applied to every outbound send.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.sendTimeout = timeout
		}
	}
}

// WithNotificationFlags selects the list-changed notifications advertised
// during initialization.
func WithNotificationFlags(flags NotificationFlags) ServerOption {
	return func(s *Server) {
		s.flags = flags
	}
}

// WithDynamicCapabilities allows registry mutation after the server has
// started serving. Every mutation then broadcasts the matching list-changed
// notification.
func WithDynamicCapabilities() ServerOption {
	return func(s *Server) {
		s.dynamic = true
	}
}

// WithRootsDebounce sets the quiet period applied to bursts of
// notifications/roots/list_changed before the snapshot is re-fetched.
func WithRootsDebounce(delay time.Duration) ServerOption {
	return func(s *Server) {
		if delay > 0 {
			s.rootsDebounce = delay
		}
	}
}

// WithSamplingConcurrency bounds concurrent sampling requests per session.
func WithSamplingConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.sampling.concurrency = n
		}
	}
}

// WithSamplingBreaker tunes the sampling circuit breaker: the number of
// consecutive failures that opens it, and how long it stays open.
func WithSamplingBreaker(failures int, cooldown time.Duration) ServerOption {
	return func(s *Server) {
		if failures > 0 {
			s.sampling.threshold = failures
		}
		if cooldown > 0 {
			s.sampling.cooldown = cooldown
		}
	}
}

// WithSamplingTimeout sets the per-request sampling timeout.
func WithSamplingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.sampling.timeout = timeout
		}
	}
}

// WithElicitationTimeout sets the per-request elicitation timeout.
func WithElicitationTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.elicitation.timeout = timeout
		}
	}
}

// WithHeartbeat enables the background ping heartbeat while serving.
func WithHeartbeat() ServerOption {
	return func(s *Server) {
		s.heartbeat = true
	}
}

// WithPingInterval sets the heartbeat probe interval.
func WithPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		if interval > 0 {
			s.ping.interval = interval
		}
	}
}

// WithPingTimeout sets the per-probe heartbeat timeout.
func WithPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.ping.timeout = timeout
		}
	}
}

// WithPhiThreshold sets the phi score above which a session is suspect.
func WithPhiThreshold(phi float64) ServerOption {
	return func(s *Server) {
		if phi > 0 {
			s.ping.phiThreshold = phi
		}
	}
}

// WithFailureBudget sets the consecutive heartbeat failures tolerated before
// a session is declared down.
func WithFailureBudget(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.ping.failureBudget = n
		}
	}
}

// WithServerOnClientConnected sets the callback for when a client completes
// the initialize request. The parameters are the session ID and client info.
func WithServerOnClientConnected(fn func(sessionID string, info Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = fn
	}
}

// WithServerOnClientDisconnected sets the callback for when a session closes.
func WithServerOnClientDisconnected(fn func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = fn
	}
}

// Tools returns the server's tool registry.
func (s *Server) Tools() *ToolsService { return s.tools }

// Resources returns the server's resource registry.
func (s *Server) Resources() *ResourcesService { return s.resources }

// Prompts returns the server's prompt registry.
func (s *Server) Prompts() *PromptsService { return s.prompts }

// Completions returns the server's completion providers.
func (s *Server) Completions() *CompletionService { return s.completions }

// Logging returns the server's logging service.
func (s *Server) Logging() *LoggingService { return s.logging }

// Sampling returns the server→client sampling proxy.
func (s *Server) Sampling() *SamplingService { return s.sampling }

// Elicitation returns the server→client elicitation proxy.
func (s *Server) Elicitation() *ElicitationService { return s.elicitation }

// Roots returns the per-session roots cache.
func (s *Server) Roots() *RootsService { return s.roots }

// Ping returns the heartbeat service.
func (s *Server) Ping() *PingService { return s.ping }

// Log emits a structured log record to every session whose logging threshold
// admits it.
func (s *Server) Log(level LogLevel, logger string, data any) {
	s.logging.Emit(level, logger, data)
}

// NotifyResourceUpdated broadcasts notifications/resources/updated for uri to
// every subscribed session.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.resources.NotifyUpdated(uri)
}

// Sessions returns a snapshot of the currently connected sessions.
func (s *Server) Sessions() []*ServerSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sessions := make([]*ServerSession, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Session returns the connected session with the given ID, or nil.
func (s *Server) Session(id string) *ServerSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	return s.active[id]
}

// RequireWithinRoots wraps a tool handler so the named string argument must
// resolve within the requesting session's advertised roots. Violations are
// reported as invalid-params errors.
func (s *Server) RequireWithinRoots(argument string, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		candidate, ok := args[argument].(string)
		if !ok {
			return nil, errInvalidParams("argument %q is required for roots validation", argument)
		}

		rc, ok := RequestFrom(ctx)
		if !ok {
			return nil, fmt.Errorf("roots guard requires an active request context")
		}
		if !rc.RootsGuard().Within(candidate) {
			return nil, JSONRPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("path %q is outside the client's declared roots", candidate),
				Data:    map[string]any{"property": argument, "constraint": "within roots"},
			}
		}
		return handler(ctx, args)
	}
}

// Serve validates the configuration, then accepts and serves sessions from
// the transport until it is shut down. Serve blocks.
func (s *Server) Serve(transport ServerTransport) error {
	if err := s.validate(); err != nil {
		return err
	}
	s.started.Store(true)

	if s.heartbeat {
		hbCtx, hbCancel := context.WithCancel(context.Background())
		defer hbCancel()
		go func() {
			<-s.done
			hbCancel()
		}()
		s.ping.StartHeartbeat(hbCtx)
	}

	for sess := range transport.Sessions() {
		ss := newServerSession(s, sess)

		s.sessionsMu.Lock()
		s.active[ss.ID()] = ss
		s.sessionsMu.Unlock()

		s.sessionsWG.Add(1)
		go func() {
			defer s.sessionsWG.Done()
			ss.serve(s.done)
		}()
	}
	return nil
}

// Shutdown gracefully terminates every session and the transport. It returns
// an error when the context expires before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context, transport ServerTransport) error {
	close(s.done)
	s.sessionsWG.Wait()

	if err := transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

// validate refuses configurations that advertise notifications a registry
// cannot back.
func (s *Server) validate() error {
	if s.flags.ToolsChanged && !s.dynamic && s.tools.count() == 0 {
		return fmt.Errorf("tools list_changed advertised but no tools registered and dynamic capabilities disabled")
	}
	if s.flags.ResourcesChanged && !s.dynamic && s.resources.count() == 0 {
		return fmt.Errorf("resources list_changed advertised but no resources registered and dynamic capabilities disabled")
	}
	if s.flags.PromptsChanged && !s.dynamic && s.prompts.count() == 0 {
		return fmt.Errorf("prompts list_changed advertised but no prompts registered and dynamic capabilities disabled")
	}
	return nil
}

func (s *Server) serving() bool {
	return s.started.Load()
}

// registryMutable gates registry mutation: always allowed before serving,
// allowed while serving only with dynamic capabilities enabled.
func (s *Server) registryMutable(registry string) error {
	if !s.started.Load() || s.dynamic {
		return nil
	}
	return fmt.Errorf("%s registry is frozen after serving starts; enable dynamic capabilities to permit runtime changes", registry)
}

// capabilities derives the advertisement from the populated registries.
func (s *Server) capabilities() ServerCapabilities {
	caps := ServerCapabilities{
		Logging: &LoggingCapability{},
	}

	if s.tools.count() > 0 || s.dynamic {
		caps.Tools = &ToolsCapability{ListChanged: s.flags.ToolsChanged}
	}
	if s.resources.count() > 0 || s.dynamic {
		caps.Resources = &ResourcesCapability{
			Subscribe:   true,
			ListChanged: s.flags.ResourcesChanged,
		}
	}
	if s.prompts.count() > 0 || s.dynamic {
		caps.Prompts = &PromptsCapability{ListChanged: s.flags.PromptsChanged}
	}
	if s.completions.count() > 0 {
		caps.Completions = &CompletionsCapability{}
	}
	return caps
}

func (s *Server) removeSession(sess *ServerSession) {
	s.sessionsMu.Lock()
	delete(s.active, sess.ID())
	s.sessionsMu.Unlock()

	s.tools.removeSession(sess)
	s.resources.removeSession(sess)
	s.prompts.removeSession(sess)
	s.logging.remove(sess)
	s.sampling.removeSession(sess.ID())
	s.roots.removeSession(sess.ID())
	s.ping.Remove(sess.ID())

	if s.onClientDisconnected != nil {
		s.onClientDisconnected(sess.ID())
	}
}
