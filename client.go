package openmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SamplingHandler services sampling/createMessage requests arriving from the
// server by invoking the client's language model.
type SamplingHandler interface {
	CreateSampledMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ElicitationHandler services elicitation/create requests arriving from the
// server by collecting user input matching the requested schema.
type ElicitationHandler interface {
	Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error)
}

// Client is a Model Context Protocol client. It drives the initialize
// handshake, exposes the server's request surface, and services the
// server→client capabilities it was configured with (roots, sampling,
// elicitation).
type Client struct {
	info        Info
	transport   ClientTransport
	logger      *slog.Logger
	sendTimeout time.Duration
	pageSize    int

	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler

	onProgress         func(ProgressParams)
	onLog              func(LogParams)
	onToolsChanged     func()
	onResourcesChanged func()
	onPromptsChanged   func()
	onResourceUpdated  func(uri string)

	sess Session
	done chan struct{}

	mu           sync.Mutex
	roots        []Root
	rootsEnabled bool
	pending      map[MustString]chan JSONRPCMessage
	inbound      map[MustString]context.CancelFunc
	serverInfo   Info
	serverCaps   ServerCapabilities
	instructions string
	protocol     string
	connected    bool
}

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "openmcp"),
			slog.String("component", "client"),
		)
	}
}

// WithClientSendTimeout sets the timeout applied to every outbound send.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.sendTimeout = timeout
		}
	}
}

// WithSamplingHandler enables the sampling capability, serviced by handler.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler enables the elicitation capability, serviced by
// handler.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithRoots enables the roots capability and advertises the given roots.
func WithRoots(roots []Root) ClientOption {
	return func(c *Client) {
		c.roots = roots
		c.rootsEnabled = true
	}
}

// WithProgressListener registers a callback for notifications/progress.
func WithProgressListener(fn func(ProgressParams)) ClientOption {
	return func(c *Client) {
		c.onProgress = fn
	}
}

// WithLogReceiver registers a callback for notifications/message.
func WithLogReceiver(fn func(LogParams)) ClientOption {
	return func(c *Client) {
		c.onLog = fn
	}
}

// WithToolListChangedWatcher registers a callback for
// notifications/tools/list_changed.
func WithToolListChangedWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.onToolsChanged = fn
	}
}

// WithResourceListChangedWatcher registers a callback for
// notifications/resources/list_changed.
func WithResourceListChangedWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.onResourcesChanged = fn
	}
}

// WithPromptListChangedWatcher registers a callback for
// notifications/prompts/list_changed.
func WithPromptListChangedWatcher(fn func()) ClientOption {
	return func(c *Client) {
		c.onPromptsChanged = fn
	}
}

// WithResourceUpdatedWatcher registers a callback for
// notifications/resources/updated.
func WithResourceUpdatedWatcher(fn func(uri string)) ClientOption {
	return func(c *Client) {
		c.onResourceUpdated = fn
	}
}

// NewClient creates a Model Context Protocol client with the given identity.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:        info,
		transport:   transport,
		logger:      slog.Default(),
		sendTimeout: defaultSendTimeout,
		pageSize:    defaultPageSize,
		done:        make(chan struct{}),
		pending:     make(map[MustString]chan JSONRPCMessage),
		inbound:     make(map[MustString]context.CancelFunc),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect starts the transport session and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sess = sess

	go c.listen()

	caps := ClientCapabilities{}
	if c.rootsEnabled {
		caps.Roots = &RootsCapability{ListChanged: true}
	}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}
	if c.elicitationHandler != nil {
		caps.Elicitation = &ElicitationCapability{}
	}

	raw, err := c.request(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}
	if !versionSupported(result.ProtocolVersion) {
		return fmt.Errorf("server proposed unsupported protocol version %q", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.instructions = result.Instructions
	c.protocol = result.ProtocolVersion
	c.connected = true
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// Disconnect stops the transport session.
func (c *Client) Disconnect() {
	select {
	case <-c.done:
	default:
		close(c.done)
		c.sess.Stop()
	}
}

// ServerInfo returns the server identity received during initialization.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves a page of the server's tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	return requestTyped[ListToolsResult](c, ctx, MethodToolsList, params)
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	return requestTyped[CallToolResult](c, ctx, MethodToolsCall, params)
}

// ListResources retrieves a page of the server's resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	return requestTyped[ListResourcesResult](c, ctx, MethodResourcesList, params)
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	return requestTyped[ReadResourceResult](c, ctx, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves a page of the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
	return requestTyped[ListResourceTemplatesResult](c, ctx, MethodResourcesTemplatesList, params)
}

// SubscribeResource registers interest in updates for a resource URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	_, err := c.request(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri})
	return err
}

// UnsubscribeResource removes interest in updates for a resource URI.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := c.request(ctx, MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: uri})
	return err
}

// ListPrompts retrieves a page of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	return requestTyped[ListPromptsResult](c, ctx, MethodPromptsList, params)
}

// GetPrompt renders a prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	return requestTyped[GetPromptResult](c, ctx, MethodPromptsGet, params)
}

// Complete requests completion suggestions for a prompt or resource template
// argument.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	return requestTyped[CompleteResult](c, ctx, MethodCompletionComplete, params)
}

// SetLogLevel sets this session's minimum severity for notifications/message.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	_, err := c.request(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// SetRoots replaces the advertised roots and notifies the server.
func (c *Client) SetRoots(ctx context.Context, roots []Root) error {
	c.mu.Lock()
	c.roots = roots
	c.rootsEnabled = true
	c.mu.Unlock()

	return c.notify(ctx, methodNotificationsRootsListChanged, nil)
}

func requestTyped[T any](c *Client, ctx context.Context, method string, params any) (T, error) {
	var result T
	raw, err := c.request(ctx, method, params)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return result, nil
}

// request sends a request and waits for its response. When ctx is cancelled
// mid-flight, a notifications/cancelled is sent for the abandoned request ID;
// initialize is exempt from cancellation.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msgID := MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[msgID] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msgID, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := c.sess.Send(sendCtx, msg); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if method != MethodInitialize {
			c.cancelRequest(msgID, ctx.Err().Error())
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client disconnected while awaiting %s response", method)
	case res := <-results:
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	}
}

// cancelRequest tells the server to stop work for an abandoned request. The
// request ID is never reused afterwards.
func (c *Client) cancelRequest(msgID MustString, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if err := c.notify(ctx, methodNotificationsCancelled, cancelledParams{
		RequestID: msgID,
		Reason:    reason,
	}); err != nil {
		c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}
	return c.sess.Send(ctx, msg)
}

func (c *Client) respond(id MustString, result any, jerr *JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id}
	if jerr != nil {
		msg.Error = jerr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			e := errInternal(err)
			msg.Error = &e
		} else {
			msg.Result = data
		}
	}
	if err := c.sess.Send(ctx, msg); err != nil {
		c.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (c *Client) listen() {
	for msg := range c.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Info("dropping frame with invalid jsonrpc version")
			continue
		}

		switch {
		case msg.Method == "":
			c.mu.Lock()
			results, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				results <- msg
			}
		case msg.ID == "":
			c.handleNotification(msg)
		default:
			c.handleRequest(msg)
		}
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsProgress:
		if c.onProgress == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Info("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.onProgress(params)
	case methodNotificationsMessage:
		if c.onLog == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Info("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		c.onLog(params)
	case methodNotificationsToolsListChanged:
		if c.onToolsChanged != nil {
			c.onToolsChanged()
		}
	case methodNotificationsResourcesListChanged:
		if c.onResourcesChanged != nil {
			c.onResourcesChanged()
		}
	case methodNotificationsPromptsListChanged:
		if c.onPromptsChanged != nil {
			c.onPromptsChanged()
		}
	case methodNotificationsResourcesUpdated:
		if c.onResourceUpdated == nil {
			return
		}
		var params resourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Info("failed to unmarshal resource updated params", slog.String("err", err.Error()))
			return
		}
		c.onResourceUpdated(params.URI)
	case methodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		c.mu.Lock()
		cancel, ok := c.inbound[params.RequestID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) handleRequest(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodPing:
		c.respond(msg.ID, struct{}{}, nil)
	case MethodRootsList:
		c.handleRootsList(msg)
	case MethodSamplingCreateMessage:
		c.handleServerRequest(msg, func(ctx context.Context) (any, error) {
			if c.samplingHandler == nil {
				return nil, errMethodNotFound(msg.Method)
			}
			var params SamplingParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, errInvalidParams("failed to unmarshal params: %s", err.Error())
			}
			return c.samplingHandler.CreateSampledMessage(ctx, params)
		})
	case MethodElicitationCreate:
		c.handleServerRequest(msg, func(ctx context.Context) (any, error) {
			if c.elicitationHandler == nil {
				return nil, errMethodNotFound(msg.Method)
			}
			var params ElicitParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, errInvalidParams("failed to unmarshal params: %s", err.Error())
			}
			return c.elicitationHandler.Elicit(ctx, params)
		})
	default:
		jerr := errMethodNotFound(msg.Method)
		c.respond(msg.ID, nil, &jerr)
	}
}

// handleRootsList serves a page of the advertised roots.
func (c *Client) handleRootsList(msg JSONRPCMessage) {
	var params ListRootsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			jerr := errInvalidParams("failed to unmarshal params: %s", err.Error())
			c.respond(msg.ID, nil, &jerr)
			return
		}
	}

	c.mu.Lock()
	roots := make([]Root, len(c.roots))
	copy(roots, c.roots)
	c.mu.Unlock()

	page, next, err := paginate(roots, params.Cursor, c.pageSize)
	if err != nil {
		jerr := asJSONRPCError(err)
		c.respond(msg.ID, nil, &jerr)
		return
	}
	c.respond(msg.ID, ListRootsResult{Roots: page, NextCursor: next}, nil)
}

// handleServerRequest runs a server→client request handler in its own
// goroutine with a cancellation scope keyed by the request ID.
func (c *Client) handleServerRequest(msg JSONRPCMessage, fn func(ctx context.Context) (any, error)) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.inbound[msg.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.inbound, msg.ID)
			c.mu.Unlock()
		}()

		result, err := fn(ctx)
		if err != nil {
			jerr := asJSONRPCError(err)
			c.respond(msg.ID, nil, &jerr)
			return
		}
		c.respond(msg.ID, result, nil)
	}()
}
