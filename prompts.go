package openmcp

import (
	"context"
	"fmt"
	"sync"
)

// PromptHandler renders a prompt with the supplied arguments. The returned
// value is coerced into a GetPromptResult; see coercePromptResult for the
// accepted shapes.
type PromptHandler func(ctx context.Context, args map[string]string) (any, error)

// PromptSpec describes a prompt registered with a PromptsService.
type PromptSpec struct {
	Name        string
	Title       string
	Description string

	// Arguments declares the prompt's typed arguments. Arguments marked
	// Required must be present in prompts/get calls.
	Arguments []PromptArgument

	Handler PromptHandler
}

// PromptsService owns the server's prompt registry and the coercion of
// renderer output into protocol messages.
type PromptsService struct {
	srv *Server

	mu    sync.Mutex
	specs map[string]PromptSpec
	order []string

	observers *observerRegistry
}

func newPromptsService(srv *Server) *PromptsService {
	return &PromptsService{
		srv:       srv,
		specs:     make(map[string]PromptSpec),
		observers: newObserverRegistry(methodNotificationsPromptsListChanged, srv.sendTimeout, srv.logger),
	}
}

// Register adds or replaces a prompt. Registering a duplicate name replaces
// the prior entry.
func (s *PromptsService) Register(spec PromptSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("prompt name must be non-empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("prompt %q requires a handler", spec.Name)
	}
	if err := s.srv.registryMutable("prompts"); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.specs[spec.Name]; !exists {
		s.order = append(s.order, spec.Name)
	}
	s.specs[spec.Name] = spec
	s.mu.Unlock()

	if s.srv.serving() {
		go s.observers.broadcast()
	}
	return nil
}

// Names returns the registered prompt names in registration order.
func (s *PromptsService) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

func (s *PromptsService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.specs)
}

func (s *PromptsService) list(sess *ServerSession, params ListPromptsParams) (ListPromptsResult, error) {
	if s.srv.flags.PromptsChanged {
		s.observers.observe(sess)
	}

	s.mu.Lock()
	prompts := make([]Prompt, 0, len(s.order))
	for _, name := range s.order {
		spec := s.specs[name]
		prompts = append(prompts, Prompt{
			Name:        spec.Name,
			Title:       spec.Title,
			Description: spec.Description,
			Arguments:   spec.Arguments,
		})
	}
	s.mu.Unlock()

	page, next, err := paginate(prompts, params.Cursor, s.srv.pageSize)
	if err != nil {
		return ListPromptsResult{}, err
	}
	return ListPromptsResult{Prompts: page, NextCursor: next}, nil
}

func (s *PromptsService) get(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	s.mu.Lock()
	spec, ok := s.specs[params.Name]
	s.mu.Unlock()

	if !ok {
		return GetPromptResult{}, errInvalidParams("unknown prompt: %s", params.Name)
	}

	for _, arg := range spec.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := params.Arguments[arg.Name]; !present {
			return GetPromptResult{}, JSONRPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("missing required argument %q for prompt %s", arg.Name, params.Name),
				Data:    map[string]any{"property": arg.Name, "constraint": "required"},
			}
		}
	}

	args := params.Arguments
	if args == nil {
		args = map[string]string{}
	}
	rendered, err := spec.Handler(ctx, args)
	if err != nil {
		return GetPromptResult{}, errInternal(fmt.Errorf("failed to render prompt %s: %w", params.Name, err))
	}

	result, err := coercePromptResult(rendered)
	if err != nil {
		return GetPromptResult{}, JSONRPCError{Code: CodeInternalError, Message: err.Error()}
	}
	if result.Description == "" {
		result.Description = spec.Description
	}
	return result, nil
}

// coercePromptResult accepts the shapes a prompt renderer may return:
// a GetPromptResult, a PromptMessage, an ordered slice of PromptMessage,
// a bare string (a single user text message), or a slice mixing messages and
// strings. Anything else is an internal error with a descriptive message.
func coercePromptResult(v any) (GetPromptResult, error) {
	switch val := v.(type) {
	case GetPromptResult:
		return val, nil
	case *GetPromptResult:
		if val == nil {
			return GetPromptResult{}, fmt.Errorf("prompt renderer returned a nil result")
		}
		return *val, nil
	case PromptMessage:
		return GetPromptResult{Messages: []PromptMessage{val}}, nil
	case []PromptMessage:
		return GetPromptResult{Messages: val}, nil
	case string:
		return GetPromptResult{Messages: []PromptMessage{{
			Role:    PromptRoleUser,
			Content: Content{Type: ContentTypeText, Text: val},
		}}}, nil
	case []any:
		messages := make([]PromptMessage, 0, len(val))
		for _, item := range val {
			switch m := item.(type) {
			case PromptMessage:
				messages = append(messages, m)
			case string:
				messages = append(messages, PromptMessage{
					Role:    PromptRoleUser,
					Content: Content{Type: ContentTypeText, Text: m},
				})
			default:
				return GetPromptResult{}, fmt.Errorf("unsupported prompt message type %T", item)
			}
		}
		return GetPromptResult{Messages: messages}, nil
	default:
		return GetPromptResult{}, fmt.Errorf("unsupported prompt result type %T", v)
	}
}

// NotifyListChanged broadcasts notifications/prompts/list_changed to every
// observing session.
func (s *PromptsService) NotifyListChanged() {
	s.observers.broadcast()
}

func (s *PromptsService) removeSession(sess *ServerSession) {
	s.observers.remove(sess)
}
