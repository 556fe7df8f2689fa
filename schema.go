package openmcp

import (
	"encoding/json"
	"fmt"

	"github.com/qri-io/jsonschema"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capabilities a server advertises during initialization.
type ServerCapabilities struct {
	Prompts     *PromptsCapability     `json:"prompts,omitempty"`
	Resources   *ResourcesCapability   `json:"resources,omitempty"`
	Tools       *ToolsCapability       `json:"tools,omitempty"`
	Completions *CompletionsCapability `json:"completions,omitempty"`
	Logging     *LoggingCapability     `json:"logging,omitempty"`

	Experimental map[string]map[string]any `json:"experimental,omitempty"`
}

// ClientCapabilities represents the capabilities a client advertises during initialization.
type ClientCapabilities struct {
	Roots       *RootsCapability       `json:"roots,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`

	Experimental map[string]map[string]any `json:"experimental,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// CompletionsCapability represents completion-specific capabilities.
type CompletionsCapability struct{}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ElicitationCapability represents elicitation-specific capabilities.
type ElicitationCapability struct{}

// ParamsMeta carries the optional request metadata defined by the protocol's
// `_meta` field, most notably the progress token used to address
// notifications/progress back to the caller.
type ParamsMeta struct {
	ProgressToken MustString `json:"progressToken,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ContentType values supported by the protocol.
const (
	ContentTypeText         ContentType = "text"
	ContentTypeImage        ContentType = "image"
	ContentTypeAudio        ContentType = "audio"
	ContentTypeResource     ContentType = "resource"
	ContentTypeResourceLink ContentType = "resource_link"
)

// Content represents a single content block in prompt messages and tool results.
// The populated fields depend on Type: Text for text blocks, Data and MimeType
// for image and audio blocks, Resource for embedded resources, and URI plus
// Name for resource links.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	Resource *ResourceContents `json:"resource,omitempty"`

	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Tool describes a callable tool, including the JSON schema its arguments are
// validated against before the handler runs.
type Tool struct {
	Name         string             `json:"name"`
	Title        string             `json:"title,omitempty"`
	Description  string             `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema `json:"inputSchema"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations   `json:"annotations,omitempty"`
}

// ToolAnnotations carries optional display metadata about a tool's behavior.
// The hints are advisory and never enforced by the framework.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from a previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
// IsError reports application-level failures; the details are carried in
// Content. StructuredContent mirrors the result as JSON when the handler's
// return value was JSON-shaped.
type CallToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Resource describes a content resource addressable by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is the payload returned by a resource read. Exactly one of
// Text or Blob is populated; Blob carries base64-encoded bytes.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceTemplate defines a parameterized family of resources via an
// RFC 6570 URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	// Cursor is a pagination cursor from a previous ListResources call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents a paginated list of resources returned by ListResources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing available resource templates.
type ListResourceTemplatesParams struct {
	// Cursor is a pagination cursor from a previous ListResourceTemplates call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult represents the result of a list resource templates request.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// SubscribeResourceParams contains parameters for subscribing to a resource.
type SubscribeResourceParams struct {
	// URI is the unique identifier of the resource to subscribe to.
	// Must match the URI used in ReadResource calls.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a resource.
type UnsubscribeResourceParams struct {
	// URI is the unique identifier of the resource to unsubscribe from.
	URI string `json:"uri"`
}

type resourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptRole represents the role in a conversation (user or assistant).
type PromptRole string

// PromptRole values.
const (
	PromptRoleUser      PromptRole = "user"
	PromptRoleAssistant PromptRole = "assistant"
)

// PromptMessage represents a single message produced by a prompt renderer.
type PromptMessage struct {
	Role    PromptRole `json:"role"`
	Content Content    `json:"content"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from a previous ListPrompts call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptsResult represents a paginated list of prompts returned by ListPrompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs.
	// Must satisfy the required arguments defined in the prompt's Arguments field.
	Arguments map[string]string `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// CompletionReference identifies the prompt or resource template a completion
// request is scoped to. Type is either CompletionRefPrompt (Name set) or
// CompletionRefResource (URI set).
type CompletionReference struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument is the argument under completion, with the partial value
// typed so far.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompletionContext carries previously resolved argument values so providers
// can offer context-sensitive completions for multi-argument prompts.
type CompletionContext struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// CompleteParams contains parameters for a completion/complete request.
type CompleteParams struct {
	Ref      CompletionReference `json:"ref"`
	Argument CompletionArgument  `json:"argument"`
	Context  *CompletionContext  `json:"context,omitempty"`
}

// CompleteResult contains the response data for a completion request, including
// possible completion values and whether more completions are available.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Completion is the inner payload of a CompleteResult.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// LogLevel represents the severity level of log messages, ordered per RFC 5424.
type LogLevel string

// LogLevel values from least to most severe.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logLevelSeverity = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// Severity returns the numeric rank of the level, higher meaning more severe.
// Unknown levels rank below debug so they are always filtered out.
func (l LogLevel) Severity() int {
	sev, ok := logLevelSeverity[l]
	if !ok {
		return -1
	}
	return sev
}

// SetLogLevelParams contains parameters for a logging/setLevel request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogParams represents the parameters of a notifications/message notification.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data any `json:"data"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    PromptRole `json:"role"`
	Content Content    `json:"content"`
}

// SamplingModelHint names a suggested model family.
type SamplingModelHint struct {
	Name string `json:"name"`
}

// SamplingModelPreferences defines preferences for model selection and behavior.
// Priorities are normalized weights in [0, 1].
type SamplingModelPreferences struct {
	Hints                []SamplingModelHint `json:"hints,omitempty"`
	CostPriority         float64             `json:"costPriority,omitempty"`
	SpeedPriority        float64             `json:"speedPriority,omitempty"`
	IntelligencePriority float64             `json:"intelligencePriority,omitempty"`
}

// SamplingParams defines the parameters for a sampling/createMessage request
// proxied from the server to the client's language model.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences *SamplingModelPreferences `json:"modelPreferences,omitempty"`

	// SystemPrompt provides system-level instructions to guide the model's behavior
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// Temperature adjusts the sampling temperature when non-nil
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens specifies the maximum number of tokens allowed in the generated response
	MaxTokens int `json:"maxTokens"`

	// StopSequences lists strings that stop generation when produced
	StopSequences []string `json:"stopSequences,omitempty"`

	// Metadata is passed through to the client's model provider untouched
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       PromptRole `json:"role"`
	Content    Content    `json:"content"`
	Model      string     `json:"model"`
	StopReason string     `json:"stopReason,omitempty"`
}

// ElicitAction is the client's disposition of an elicitation request.
type ElicitAction string

// ElicitAction values.
const (
	ElicitActionAccept  ElicitAction = "accept"
	ElicitActionDecline ElicitAction = "decline"
	ElicitActionCancel  ElicitAction = "cancel"
)

// ElicitProperty describes one property of an elicitation schema. Only flat
// primitive types are allowed; see ElicitSchema.
type ElicitProperty struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// ElicitSchema is the restricted JSON schema accepted by elicitation/create.
// The root type must be "object", properties must be non-empty, and every
// property must be a primitive (string, number, integer, or boolean).
type ElicitSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]ElicitProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// ElicitParams contains parameters for an elicitation/create request.
type ElicitParams struct {
	Message         string       `json:"message"`
	RequestedSchema ElicitSchema `json:"requestedSchema"`
}

// ElicitResult is the client's answer to an elicitation request. Content is
// populated only when Action is "accept".
type ElicitResult struct {
	Action  ElicitAction   `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// Root represents a filesystem entry point advertised by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsParams contains parameters for a roots/list request.
type ListRootsParams struct {
	// Cursor is a pagination cursor from a previous ListRoots call.
	Cursor string `json:"cursor,omitempty"`
}

// ListRootsResult represents a page of the client's roots.
type ListRootsResult struct {
	Roots      []Root `json:"roots"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken identifies the operation this progress update relates to
	ProgressToken MustString `json:"progressToken"`
	// Progress is the current progress value; strictly increasing per token
	Progress float64 `json:"progress"`
	// Total is the expected final value when known
	Total float64 `json:"total,omitempty"`
	// Message optionally describes the current step
	Message string `json:"message,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type cancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// Method names for requests that may carry a response.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"
	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodCompletionComplete is the method name for requesting completion suggestions.
	MethodCompletionComplete = "completion/complete"
	// MethodLoggingSetLevel is the method name for setting the minimum severity for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodRootsList is the method name for retrieving the client's root list.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for requesting a model completion from the client.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodElicitationCreate is the method name for requesting structured user input from the client.
	MethodElicitationCreate = "elicitation/create"
)

// CompletionReference types.
const (
	// CompletionRefPrompt identifies a prompt-scoped completion reference.
	CompletionRefPrompt = "ref/prompt"
	// CompletionRefResource identifies a resource-template-scoped completion reference.
	CompletionRefResource = "ref/resource"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	protocolVersion = "2025-06-18"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsCancelled            = "notifications/cancelled"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsMessage              = "notifications/message"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsRootsListChanged     = "notifications/roots/list_changed"
)

// supportedProtocolVersions lists the revisions this implementation can speak,
// newest first. A client proposing any of them has its version echoed;
// anything else is answered with the newest.
var supportedProtocolVersions = []string{protocolVersion, "2025-03-26", "2024-11-05"}

// JSON-RPC error codes used by the protocol.
const (
	// CodeParseError signals malformed JSON on the wire.
	CodeParseError = -32700
	// CodeInvalidRequest signals a structurally invalid JSON-RPC envelope.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound signals an unknown method or an unadvertised capability.
	CodeMethodNotFound = -32601
	// CodeInvalidParams signals missing or invalid request parameters,
	// including malformed and stale pagination cursors.
	CodeInvalidParams = -32602
	// CodeInternalError signals a handler crash or normalization failure.
	CodeInternalError = -32603
	// CodeResourceNotFound signals an unknown resource URI. It is also used
	// for requests arriving before the initialized notification.
	CodeResourceNotFound = -32002
	// CodeServiceUnavailable signals an open circuit breaker or exhausted service.
	CodeServiceUnavailable = -32000
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

func errInvalidParams(format string, args ...any) JSONRPCError {
	return JSONRPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func errInternal(err error) JSONRPCError {
	return JSONRPCError{Code: CodeInternalError, Message: err.Error()}
}

func errMethodNotFound(method string) JSONRPCError {
	return JSONRPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not supported", method)}
}
