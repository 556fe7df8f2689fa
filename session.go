package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ServerSession is the server-side view of one live client connection. It
// owns the session's request-ID space, request/response correlation,
// cancellation scopes, and initialization state.
type ServerSession struct {
	srv    *Server
	sess   Session
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	initialized bool
	protocol    string
	clientCaps  ClientCapabilities
	clientInfo  Info
	pending     map[MustString]chan JSONRPCMessage
	inflight    map[MustString]*inflightRequest
	closed      bool
}

type inflightRequest struct {
	cancel          context.CancelFunc
	cancelledByPeer bool
}

func newServerSession(srv *Server, sess Session) *ServerSession {
	return &ServerSession{
		srv:      srv,
		sess:     sess,
		logger:   srv.logger.With(slog.String("sessionID", sess.ID())),
		done:     make(chan struct{}),
		pending:  make(map[MustString]chan JSONRPCMessage),
		inflight: make(map[MustString]*inflightRequest),
	}
}

// ID returns the transport-assigned session identifier.
func (s *ServerSession) ID() string { return s.sess.ID() }

// ClientInfo returns the identifying information the client sent during
// initialization.
func (s *ServerSession) ClientInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities the client advertised during
// initialization.
func (s *ServerSession) ClientCapabilities() ClientCapabilities {
	return s.peerCapabilities()
}

func (s *ServerSession) peerCapabilities() ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ProtocolVersion returns the negotiated protocol revision.
func (s *ServerSession) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// Initialized reports whether notifications/initialized has been received.
func (s *ServerSession) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *ServerSession) sendNotification(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session %s is closed", s.ID())
	}

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal notification params: %w", err)
		}
		msg.Params = data
	}
	return s.sess.Send(ctx, msg)
}

// request issues a server→client request and waits for the matching
// response. An error reply from the client is returned as a JSONRPCError.
func (s *ServerSession) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msgID := MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.ID())
	}
	s.pending[msgID] = results
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msgID)
		s.mu.Unlock()
	}()

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msgID, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request params: %w", err)
		}
		msg.Params = data
	}
	if err := s.sess.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("session %s closed while awaiting %s response", s.ID(), method)
	case res := <-results:
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	}
}

func (s *ServerSession) respondResult(id MustString, result any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.sendTimeout)
	defer cancel()

	data, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, errInternal(fmt.Errorf("failed to marshal result: %w", err)))
		return
	}
	if err := s.sess.Send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: data}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s *ServerSession) respondError(id MustString, jerr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.sendTimeout)
	defer cancel()

	if err := s.sess.Send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: &jerr}); err != nil {
		s.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

// serve pumps the session's inbound messages until the transport closes or
// the server shuts down.
func (s *ServerSession) serve(shutdown <-chan struct{}) {
	go func() {
		select {
		case <-shutdown:
			s.stop()
		case <-s.done:
		}
	}()

	for msg := range s.sess.Messages() {
		s.handle(msg)
	}
	s.close()
}

func (s *ServerSession) stop() {
	s.stopOnce.Do(s.sess.Stop)
}

func (s *ServerSession) handle(msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		if msg.ID != "" && msg.Method != "" {
			s.respondError(msg.ID, JSONRPCError{Code: CodeInvalidRequest, Message: "invalid jsonrpc version"})
		} else {
			s.logger.Info("dropping frame with invalid jsonrpc version")
		}
		return
	}

	switch {
	case msg.Method == "":
		s.handleResponse(msg)
	case msg.ID == "":
		s.handleNotification(msg)
	default:
		s.handleRequest(msg)
	}
}

func (s *ServerSession) handleResponse(msg JSONRPCMessage) {
	// Any traffic from the peer proves liveness.
	s.srv.ping.Touch(s.ID())

	s.mu.Lock()
	results, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		// Possibly a response raced with a cancelled or timed-out request.
		s.logger.Debug("dropping response with unknown ID", slog.String("id", string(msg.ID)))
		return
	}
	results <- msg
}

func (s *ServerSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()

		s.srv.logging.register(s)
		s.srv.ping.Register(s)
		if s.peerCapabilities().Roots != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.srv.sendTimeout)
				defer cancel()
				if err := s.srv.roots.onSessionOpen(ctx, s); err != nil {
					s.logger.Warn("failed to fetch initial roots", slog.String("err", err.Error()))
				}
			}()
		}
	case methodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Info("failed to unmarshal cancellation params", slog.String("err", err.Error()))
			return
		}
		s.cancelInflight(params.RequestID, params.Reason)
	case methodNotificationsRootsListChanged:
		if !s.Initialized() {
			return
		}
		s.srv.roots.onListChanged(s)
	case methodNotificationsProgress:
		// Progress for server-initiated requests; nothing to correlate yet.
		s.logger.Debug("received progress notification", slog.String("params", string(msg.Params)))
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *ServerSession) cancelInflight(requestID MustString, reason string) {
	s.mu.Lock()
	entry, ok := s.inflight[requestID]
	if ok {
		entry.cancelledByPeer = true
	}
	s.mu.Unlock()

	if !ok {
		// The request may have already completed; the race is tolerated.
		return
	}
	s.logger.Info("cancelled request",
		slog.String("requestID", string(requestID)),
		slog.String("reason", reason))
	entry.cancel()
}

func (s *ServerSession) handleRequest(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodInitialize:
		// initialize is never registered for cancellation.
		s.handleInitialize(msg)
		return
	case MethodPing:
		s.respondResult(msg.ID, struct{}{})
		return
	}

	if !s.Initialized() {
		s.respondError(msg.ID, JSONRPCError{
			Code:    CodeResourceNotFound,
			Message: "server not initialized",
		})
		return
	}

	switch msg.Method {
	case MethodRootsList, MethodSamplingCreateMessage, MethodElicitationCreate:
		// Client-owned methods must not travel client→server.
		s.respondError(msg.ID, errMethodNotFound(msg.Method))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &inflightRequest{cancel: cancel}

	s.mu.Lock()
	s.inflight[msg.ID] = entry
	s.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, msg.ID)
			s.mu.Unlock()
		}()

		rc := &RequestContext{
			srv:           s.srv,
			sess:          s,
			requestID:     msg.ID,
			progressToken: progressTokenOf(msg.Params),
		}

		result, jerr := s.route(withRequestContext(ctx, rc), msg)

		s.mu.Lock()
		suppress := entry.cancelledByPeer
		s.mu.Unlock()
		if suppress {
			// The peer cancelled this request; it expects no response.
			return
		}

		if jerr != nil {
			s.respondError(msg.ID, *jerr)
			return
		}
		s.respondResult(msg.ID, result)
	}()
}

// route maps a request to its capability service. It returns either a result
// or a protocol error, never both.
func (s *ServerSession) route(ctx context.Context, msg JSONRPCMessage) (any, *JSONRPCError) {
	fail := func(err error) (any, *JSONRPCError) {
		jerr := asJSONRPCError(err)
		return nil, &jerr
	}
	badParams := func(err error) (any, *JSONRPCError) {
		jerr := errInvalidParams("failed to unmarshal params: %s", err.Error())
		return nil, &jerr
	}

	switch msg.Method {
	case MethodToolsList:
		var params ListToolsParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return badParams(err)
			}
		}
		result, err := s.srv.tools.list(ctx, s, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		result, err := s.srv.tools.call(ctx, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodResourcesList:
		var params ListResourcesParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return badParams(err)
			}
		}
		result, err := s.srv.resources.list(s, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodResourcesRead:
		var params ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		result, err := s.srv.resources.read(ctx, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodResourcesTemplatesList:
		var params ListResourceTemplatesParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return badParams(err)
			}
		}
		result, err := s.srv.resources.listTemplates(params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodResourcesSubscribe:
		var params SubscribeResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		s.srv.resources.subscribe(s, params.URI)
		return struct{}{}, nil

	case MethodResourcesUnsubscribe:
		var params UnsubscribeResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		s.srv.resources.unsubscribe(s, params.URI)
		return struct{}{}, nil

	case MethodPromptsList:
		var params ListPromptsParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return badParams(err)
			}
		}
		result, err := s.srv.prompts.list(s, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodPromptsGet:
		var params GetPromptParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		result, err := s.srv.prompts.get(ctx, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodCompletionComplete:
		var params CompleteParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		result, err := s.srv.completions.complete(ctx, params)
		if err != nil {
			return fail(err)
		}
		return result, nil

	case MethodLoggingSetLevel:
		var params SetLogLevelParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return badParams(err)
		}
		if err := s.srv.logging.setLevel(s, params.Level); err != nil {
			return fail(err)
		}
		return struct{}{}, nil

	default:
		jerr := errMethodNotFound(msg.Method)
		return nil, &jerr
	}
}

func (s *ServerSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.respondError(msg.ID, errInvalidParams("failed to unmarshal params: %s", err.Error()))
		return
	}

	version := protocolVersion
	for _, supported := range supportedProtocolVersions {
		if params.ProtocolVersion == supported {
			version = supported
			break
		}
	}

	s.mu.Lock()
	s.protocol = version
	s.clientCaps = params.Capabilities
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()

	if s.srv.onClientConnected != nil {
		s.srv.onClientConnected(s.ID(), params.ClientInfo)
	}

	s.respondResult(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.srv.capabilities(),
		ServerInfo:      s.srv.info,
		Instructions:    s.srv.instructions,
	})
}

// close tears the session down: cancel every in-flight request, unblock
// outbound waiters, and unregister from every service registry so nothing
// keeps a reference to the session afterwards.
func (s *ServerSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inflight := make([]*inflightRequest, 0, len(s.inflight))
	for _, entry := range s.inflight {
		inflight = append(inflight, entry)
	}
	s.inflight = make(map[MustString]*inflightRequest)
	s.mu.Unlock()

	close(s.done)
	for _, entry := range inflight {
		entry.cancel()
	}

	s.srv.removeSession(s)
}

// progressTokenOf extracts the progress token from a request's _meta field.
func progressTokenOf(params json.RawMessage) MustString {
	if len(params) == 0 {
		return ""
	}
	var meta struct {
		Meta ParamsMeta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &meta); err != nil {
		return ""
	}
	return meta.Meta.ProgressToken
}

// asJSONRPCError coerces service errors into protocol errors, defaulting to
// an internal error for anything unrecognized.
func asJSONRPCError(err error) JSONRPCError {
	var jerr JSONRPCError
	if errors.As(err, &jerr) {
		return jerr
	}
	return errInternal(err)
}
