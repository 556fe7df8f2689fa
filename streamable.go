package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Streamable HTTP headers defined by the protocol.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

const (
	// streamBufferSize bounds the per-stream SSE queue. A session that
	// cannot drain it is declared stale.
	streamBufferSize = 32
	// backlogSize bounds the messages held for a session with no open SSE
	// stream.
	backlogSize = 64
)

// StreamableHTTP is the server side of the streamable HTTP transport: one
// endpoint where POST delivers client messages (answered with a single JSON
// response, or 202 for notifications) and an optional GET opens a long-lived
// SSE stream for server-initiated traffic. Session binding uses the
// Mcp-Session-Id header; DELETE terminates a session.
//
// StreamableHTTP implements ServerTransport; mount Handler() into any HTTP
// server. Create instances with NewStreamableHTTP.
type StreamableHTTP struct {
	logger    *slog.Logger
	security  SecurityPolicy
	auth      *Authorization
	stateless bool

	sessions chan Session

	mu     sync.Mutex
	active map[string]*streamableSession

	done   chan struct{}
	closed chan struct{}
}

// StreamableHTTPOption represents the options for the StreamableHTTP transport.
type StreamableHTTPOption func(*StreamableHTTP)

// WithSecurityPolicy replaces the transport's DNS-rebinding guard. The
// default admits loopback hosts only.
func WithSecurityPolicy(policy SecurityPolicy) StreamableHTTPOption {
	return func(s *StreamableHTTP) {
		s.security = policy
	}
}

// WithStatelessMode makes every POST a complete initialize-operation-shutdown
// round with no session table.
func WithStatelessMode() StreamableHTTPOption {
	return func(s *StreamableHTTP) {
		s.stateless = true
	}
}

// WithAuthorization protects the endpoint with bearer-token enforcement and
// serves the protected-resource metadata.
func WithAuthorization(auth *Authorization) StreamableHTTPOption {
	return func(s *StreamableHTTP) {
		s.auth = auth
	}
}

// WithStreamableHTTPLogger sets the logger for the transport.
func WithStreamableHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(s *StreamableHTTP) {
		s.logger = logger.With(
			slog.String("package", "openmcp"),
			slog.String("component", "streamable-http"),
		)
	}
}

// NewStreamableHTTP creates the transport. The returned value must be closed
// through Server.Shutdown (or Shutdown directly) when no longer needed.
func NewStreamableHTTP(options ...StreamableHTTPOption) *StreamableHTTP {
	s := &StreamableHTTP{
		logger:   slog.Default(),
		security: DefaultSecurityPolicy(),
		sessions: make(chan Session, 5),
		active:   make(map[string]*streamableSession),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sessions implements ServerTransport by yielding sessions as clients
// initialize them.
func (s *StreamableHTTP) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements ServerTransport.
func (s *StreamableHTTP) Shutdown(ctx context.Context) error {
	close(s.done)
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable HTTP transport: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Handler returns the http.Handler for the MCP endpoint with the rebinding
// guard and, when configured, bearer authorization applied. Mount it at a
// single path, conventionally /mcp.
func (s *StreamableHTTP) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.serveHTTP)
	if s.auth != nil {
		handler = s.auth.RequireBearer(handler)
	}
	return s.security.Middleware(handler)
}

// MetadataHandler returns the RFC 9728 protected-resource metadata handler,
// or nil when authorization is not configured. Mount it at the metadata path,
// conventionally /.well-known/oauth-protected-resource.
func (s *StreamableHTTP) MetadataHandler() http.Handler {
	if s.auth == nil {
		return nil
	}
	return s.auth.MetadataHandler()
}

func (s *StreamableHTTP) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.servePOST(w, r)
	case http.MethodGet:
		s.serveGET(w, r)
	case http.MethodDelete:
		s.serveDELETE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (s *StreamableHTTP) servePOST(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.respondJSON(w, "", JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Error:   &JSONRPCError{Code: CodeParseError, Message: "failed to parse message"},
		})
		return
	}

	if s.stateless {
		s.serveStateless(w, r, msg)
		return
	}

	sessID := r.Header.Get(headerSessionID)
	var sess *streamableSession

	if sessID == "" {
		if msg.Method != MethodInitialize {
			http.Error(w, "missing "+headerSessionID+" header", http.StatusBadRequest)
			return
		}
		sess = s.register(uuid.New().String())
		if sess == nil {
			http.Error(w, "transport is shut down", http.StatusGone)
			return
		}
	} else {
		sess = s.lookup(sessID)
		if sess == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if version := r.Header.Get(headerProtocolVersion); version != "" && !versionSupported(version) {
			http.Error(w, fmt.Sprintf("unsupported protocol version %q", version), http.StatusBadRequest)
			return
		}
	}

	s.dispatch(w, r, sess, msg)
}

// serveStateless runs a complete session round for one POST: an implicit
// initialize handshake when the posted message is not itself an initialize,
// then the operation, then teardown.
func (s *StreamableHTTP) serveStateless(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	sess := s.register(uuid.New().String())
	if sess == nil {
		http.Error(w, "transport is shut down", http.StatusGone)
		return
	}
	defer func() {
		s.unregister(sess.id)
		sess.Stop()
	}()

	if msg.Method != MethodInitialize {
		initParams, _ := json.Marshal(initializeParams{ProtocolVersion: protocolVersion})
		initID := MustString("init-" + sess.id)
		sess.awaitResponse(initID)
		sess.deliver(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: initID, Method: MethodInitialize, Params: initParams})
		if _, ok := sess.waitResponse(r.Context(), initID); !ok {
			http.Error(w, "failed to initialize stateless session", http.StatusInternalServerError)
			return
		}
		sess.deliver(JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: methodNotificationsInitialized})
	}

	s.dispatch(w, r, sess, msg)
}

// dispatch feeds the message into the session and, for requests, waits for
// the matching response to answer the POST with a single JSON body.
func (s *StreamableHTTP) dispatch(w http.ResponseWriter, r *http.Request, sess *streamableSession, msg JSONRPCMessage) {
	isRequest := msg.Method != "" && msg.ID != ""

	if isRequest {
		sess.awaitResponse(msg.ID)
	}
	if !sess.deliver(msg) {
		http.Error(w, "session terminated", http.StatusGone)
		return
	}

	if !isRequest {
		w.Header().Set(headerSessionID, sess.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res, ok := sess.waitResponse(r.Context(), msg.ID)
	if !ok {
		w.Header().Set(headerSessionID, sess.id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, sess.id, res)
}

func (s *StreamableHTTP) respondJSON(w http.ResponseWriter, sessID string, msg JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	if sessID != "" {
		w.Header().Set(headerSessionID, sessID)
	}
	w.Header().Set(headerProtocolVersion, protocolVersion)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// serveGET opens the long-lived SSE stream for server-initiated traffic.
func (s *StreamableHTTP) serveGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
		return
	}

	sessID := r.Header.Get(headerSessionID)
	if sessID == "" {
		http.Error(w, "missing "+headerSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := s.lookup(sessID)
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	stream := &sseStream{msgs: make(chan []byte, streamBufferSize)}
	if !sess.attachStream(stream) {
		http.Error(w, "stream already open for session", http.StatusConflict)
		return
	}
	defer sess.detachStream(stream)

	w.Header().Set(headerSessionID, sess.id)
	w.Header().Set(headerProtocolVersion, protocolVersion)

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case <-s.done:
			return
		case data := <-stream.msgs:
			event := &sse.Message{Type: sse.Type("message")}
			event.AppendData(string(data))
			if err := upgraded.Send(event); err != nil {
				s.logger.Warn("failed to send SSE message", slog.String("err", err.Error()))
				return
			}
			if err := upgraded.Flush(); err != nil {
				s.logger.Warn("failed to flush SSE message", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// serveDELETE terminates a session explicitly.
func (s *StreamableHTTP) serveDELETE(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(headerSessionID)
	if sessID == "" {
		http.Error(w, "DELETE requires an "+headerSessionID+" header", http.StatusBadRequest)
		return
	}
	sess := s.lookup(sessID)
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.unregister(sessID)
	sess.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *StreamableHTTP) register(id string) *streamableSession {
	sess := &streamableSession{
		id:       id,
		incoming: make(chan JSONRPCMessage, 10),
		waiters:  make(map[MustString]chan JSONRPCMessage),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.active[id] = sess
	s.mu.Unlock()

	select {
	case s.sessions <- sess:
		return sess
	case <-s.done:
		s.unregister(id)
		return nil
	}
}

func (s *StreamableHTTP) lookup(id string) *streamableSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *StreamableHTTP) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func versionSupported(version string) bool {
	for _, v := range supportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

func acceptsEventStream(r *http.Request) bool {
	accept := strings.Split(strings.Join(r.Header.Values("Accept"), ","), ",")
	for _, part := range accept {
		media := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if media == "text/event-stream" || media == "*/*" {
			return true
		}
	}
	return false
}

type sseStream struct {
	msgs chan []byte
}

// streamableSession is one logical session of the streamable HTTP transport.
// Responses to in-flight POSTs are routed back to the waiting handler;
// everything else rides the GET SSE stream, with a bounded backlog while no
// stream is open.
type streamableSession struct {
	id       string
	incoming chan JSONRPCMessage

	mu       sync.Mutex
	waiters  map[MustString]chan JSONRPCMessage
	stream   *sseStream
	backlog  [][]byte
	stopOnce sync.Once
	done     chan struct{}
}

func (s *streamableSession) ID() string { return s.id }

func (s *streamableSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// A response whose ID matches a waiting POST answers that POST directly.
	if msg.Method == "" && msg.ID != "" {
		s.mu.Lock()
		waiter, ok := s.waiters[msg.ID]
		if ok {
			delete(s.waiters, msg.ID)
		}
		s.mu.Unlock()
		if ok {
			waiter <- msg
			return nil
		}
	}

	s.mu.Lock()
	stream := s.stream
	if stream == nil {
		if len(s.backlog) >= backlogSize {
			s.mu.Unlock()
			return fmt.Errorf("session %s backlog overflow", s.id)
		}
		s.backlog = append(s.backlog, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case stream.msgs <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	default:
		// The stream buffer is full; the session cannot keep up.
		return fmt.Errorf("session %s stream buffer overflow", s.id)
	}
}

func (s *streamableSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamableSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *streamableSession) deliver(msg JSONRPCMessage) bool {
	select {
	case s.incoming <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *streamableSession) awaitResponse(id MustString) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[id] = make(chan JSONRPCMessage, 1)
}

func (s *streamableSession) waitResponse(ctx context.Context, id MustString) (JSONRPCMessage, bool) {
	s.mu.Lock()
	waiter := s.waiters[id]
	s.mu.Unlock()
	if waiter == nil {
		return JSONRPCMessage{}, false
	}

	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	select {
	case msg := <-waiter:
		return msg, true
	case <-ctx.Done():
		return JSONRPCMessage{}, false
	case <-s.done:
		return JSONRPCMessage{}, false
	}
}

// attachStream claims the session's single SSE stream slot and flushes any
// backlog into it.
func (s *streamableSession) attachStream(stream *sseStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return false
	}
	s.stream = stream
	for _, data := range s.backlog {
		select {
		case stream.msgs <- data:
		default:
		}
	}
	s.backlog = nil
	return true
}

func (s *streamableSession) detachStream(stream *sseStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == stream {
		s.stream = nil
	}
}

// StreamableHTTPClient is the client side of the streamable HTTP transport.
// It POSTs outbound frames to the endpoint and listens on a GET SSE stream
// for server-initiated traffic. Create instances with
// NewStreamableHTTPClient.
type StreamableHTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// StreamableHTTPClientOption represents the options for the client transport.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

// WithStreamableHTTPClientLogger sets the logger for the client transport.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.logger = logger.With(
			slog.String("package", "openmcp"),
			slog.String("component", "streamable-http-client"),
		)
	}
}

// NewStreamableHTTPClient creates a client transport for the endpoint at url.
// A nil httpClient uses http.DefaultClient.
func NewStreamableHTTPClient(url string, httpClient *http.Client, options ...StreamableHTTPClientOption) *StreamableHTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableHTTPClient{
		url:        url,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StartSession implements ClientTransport.
func (c *StreamableHTTPClient) StartSession(ctx context.Context) (Session, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &streamableClientSession{
		url:        c.url,
		httpClient: c.httpClient,
		logger:     c.logger,
		incoming:   make(chan JSONRPCMessage, 10),
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	return sess, nil
}

type streamableClientSession struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	incoming   chan JSONRPCMessage

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessionID  string
	protocol   string
	sseStarted bool

	stopOnce sync.Once
	done     chan struct{}
}

func (s *streamableClientSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		return "unbound"
	}
	return s.sessionID
}

func (s *streamableClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	s.mu.Lock()
	if s.sessionID != "" {
		req.Header.Set(headerSessionID, s.sessionID)
	}
	if s.protocol != "" {
		req.Header.Set(headerProtocolVersion, s.protocol)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if id := resp.Header.Get(headerSessionID); id != "" {
		s.mu.Lock()
		s.sessionID = id
		s.mu.Unlock()
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		var res JSONRPCMessage
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		s.recordProtocol(res)
		select {
		case s.incoming <- res:
		case <-s.done:
		}
	}

	s.ensureStream()
	return nil
}

// recordProtocol sniffs the negotiated version out of an initialize result so
// subsequent requests can echo the protocol version header.
func (s *streamableClientSession) recordProtocol(msg JSONRPCMessage) {
	if len(msg.Result) == 0 {
		return
	}
	var probe struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(msg.Result, &probe); err != nil || probe.ProtocolVersion == "" {
		return
	}
	s.mu.Lock()
	s.protocol = probe.ProtocolVersion
	s.mu.Unlock()
}

// ensureStream opens the GET SSE listener once a session ID is known.
func (s *streamableClientSession) ensureStream() {
	s.mu.Lock()
	if s.sseStarted || s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	s.sseStarted = true
	s.mu.Unlock()

	go s.listen()
}

func (s *streamableClientSession) listen() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.readStream(); err != nil {
			s.logger.Debug("SSE stream ended", slog.String("err", err.Error()))
		}

		select {
		case <-s.done:
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *streamableClientSession) readStream() error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	s.mu.Lock()
	req.Header.Set(headerSessionID, s.sessionID)
	if s.protocol != "" {
		req.Header.Set(headerProtocolVersion, s.protocol)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return err
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Error("failed to unmarshal SSE message", slog.String("err", err.Error()))
			continue
		}
		select {
		case s.incoming <- msg:
		case <-s.done:
			return nil
		}
	}
	return nil
}

func (s *streamableClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamableClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()
		if sessionID == "" {
			return
		}

		// Terminate the logical session on the server.
		req, err := http.NewRequest(http.MethodDelete, s.url, nil)
		if err != nil {
			return
		}
		req.Header.Set(headerSessionID, sessionID)
		if resp, err := s.httpClient.Do(req); err == nil {
			resp.Body.Close()
		}
	})
}
