package openmcp

import (
	"context"
	"fmt"
	"sync"
)

// maxCompletionValues caps the number of values returned by a completion
// provider; longer lists are truncated and hasMore is set.
const maxCompletionValues = 100

// CompletionProvider computes completion candidates for one argument. The
// prev map carries previously resolved argument values for multi-argument
// completion.
type CompletionProvider func(ctx context.Context, arg CompletionArgument, prev map[string]string) ([]string, error)

// CompletionService resolves completion/complete requests against providers
// bound to a prompt name or a resource template URI.
type CompletionService struct {
	mu        sync.Mutex
	prompts   map[string]CompletionProvider
	templates map[string]CompletionProvider
}

func newCompletionService() *CompletionService {
	return &CompletionService{
		prompts:   make(map[string]CompletionProvider),
		templates: make(map[string]CompletionProvider),
	}
}

// RegisterPrompt binds a provider to a prompt name.
func (s *CompletionService) RegisterPrompt(name string, provider CompletionProvider) error {
	if name == "" {
		return fmt.Errorf("completion prompt name must be non-empty")
	}
	if provider == nil {
		return fmt.Errorf("completion provider for prompt %q must be non-nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[name] = provider
	return nil
}

// RegisterTemplate binds a provider to a resource template URI.
func (s *CompletionService) RegisterTemplate(uriTemplate string, provider CompletionProvider) error {
	if uriTemplate == "" {
		return fmt.Errorf("completion template URI must be non-empty")
	}
	if provider == nil {
		return fmt.Errorf("completion provider for template %q must be non-nil", uriTemplate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[uriTemplate] = provider
	return nil
}

func (s *CompletionService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.prompts) + len(s.templates)
}

// complete resolves the provider for the reference and truncates its values.
// A missing provider yields an empty result rather than an error.
func (s *CompletionService) complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	var provider CompletionProvider

	s.mu.Lock()
	switch params.Ref.Type {
	case CompletionRefPrompt:
		provider = s.prompts[params.Ref.Name]
	case CompletionRefResource:
		provider = s.templates[params.Ref.URI]
	default:
		s.mu.Unlock()
		return CompleteResult{}, errInvalidParams("unknown completion reference type: %s", params.Ref.Type)
	}
	s.mu.Unlock()

	if provider == nil {
		return CompleteResult{Completion: Completion{Values: []string{}}}, nil
	}

	var prev map[string]string
	if params.Context != nil {
		prev = params.Context.Arguments
	}

	values, err := provider(ctx, params.Argument, prev)
	if err != nil {
		return CompleteResult{}, errInternal(fmt.Errorf("failed to complete %s: %w", params.Argument.Name, err))
	}

	total := len(values)
	hasMore := false
	if len(values) > maxCompletionValues {
		values = values[:maxCompletionValues]
		hasMore = true
	}
	if values == nil {
		values = []string{}
	}

	return CompleteResult{Completion: Completion{
		Values:  values,
		Total:   total,
		HasMore: hasMore,
	}}, nil
}
