package openmcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/yosida95/uritemplate/v3"
)

// ResourceHandler produces the payload of a static resource. The returned
// value is normalized with NormalizeResourcePayload.
type ResourceHandler func(ctx context.Context) (any, error)

// TemplateHandler produces the payload of a templated resource. The args map
// holds the variables extracted from the matched URI.
type TemplateHandler func(ctx context.Context, args map[string]string) (any, error)

// ResourceSpec describes a static resource registered with a ResourcesService.
type ResourceSpec struct {
	URI         string
	Name        string
	Title       string
	Description string

	// MimeType overrides the defaults applied during payload normalization.
	MimeType string

	Handler ResourceHandler
}

// ResourceTemplateSpec describes a templated resource family addressed by an
// RFC 6570 URI template.
type ResourceTemplateSpec struct {
	URITemplate string
	Name        string
	Title       string
	Description string
	MimeType    string

	Handler TemplateHandler
}

type compiledTemplate struct {
	spec ResourceTemplateSpec
	tmpl *uritemplate.Template
}

// ResourcesService owns static and templated resources, resource reads, and
// the subscribe/unsubscribe surface backed by the subscription registry.
type ResourcesService struct {
	srv *Server

	mu        sync.Mutex
	specs     map[string]ResourceSpec
	order     []string
	templates []compiledTemplate

	subscriptions *subscriptionRegistry
	observers     *observerRegistry
}

func newResourcesService(srv *Server) *ResourcesService {
	return &ResourcesService{
		srv:           srv,
		specs:         make(map[string]ResourceSpec),
		subscriptions: newSubscriptionRegistry(srv.sendTimeout, srv.logger),
		observers:     newObserverRegistry(methodNotificationsResourcesListChanged, srv.sendTimeout, srv.logger),
	}
}

// Register adds or replaces a static resource. Registering a duplicate URI
// replaces the prior entry.
func (s *ResourcesService) Register(spec ResourceSpec) error {
	if spec.URI == "" {
		return fmt.Errorf("resource URI must be non-empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("resource %q requires a handler", spec.URI)
	}
	if err := s.srv.registryMutable("resources"); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.specs[spec.URI]; !exists {
		s.order = append(s.order, spec.URI)
	}
	s.specs[spec.URI] = spec
	s.mu.Unlock()

	s.notifyIfServing()
	return nil
}

// RegisterTemplate adds a templated resource. The URI template is compiled
// once at registration time.
func (s *ResourcesService) RegisterTemplate(spec ResourceTemplateSpec) error {
	if spec.Handler == nil {
		return fmt.Errorf("resource template %q requires a handler", spec.URITemplate)
	}
	tmpl, err := uritemplate.New(spec.URITemplate)
	if err != nil {
		return fmt.Errorf("failed to compile URI template %q: %w", spec.URITemplate, err)
	}
	if err := s.srv.registryMutable("resources"); err != nil {
		return err
	}

	s.mu.Lock()
	replaced := false
	for i := range s.templates {
		if s.templates[i].spec.URITemplate == spec.URITemplate {
			s.templates[i] = compiledTemplate{spec: spec, tmpl: tmpl}
			replaced = true
			break
		}
	}
	if !replaced {
		s.templates = append(s.templates, compiledTemplate{spec: spec, tmpl: tmpl})
	}
	s.mu.Unlock()

	s.notifyIfServing()
	return nil
}

func (s *ResourcesService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.specs) + len(s.templates)
}

func (s *ResourcesService) notifyIfServing() {
	if s.srv.serving() {
		go s.observers.broadcast()
	}
}

func (s *ResourcesService) list(sess *ServerSession, params ListResourcesParams) (ListResourcesResult, error) {
	if s.srv.flags.ResourcesChanged {
		s.observers.observe(sess)
	}

	s.mu.Lock()
	resources := make([]Resource, 0, len(s.order))
	for _, uri := range s.order {
		spec := s.specs[uri]
		resources = append(resources, Resource{
			URI:         spec.URI,
			Name:        spec.Name,
			Title:       spec.Title,
			Description: spec.Description,
			MimeType:    spec.MimeType,
		})
	}
	s.mu.Unlock()

	page, next, err := paginate(resources, params.Cursor, s.srv.pageSize)
	if err != nil {
		return ListResourcesResult{}, err
	}
	return ListResourcesResult{Resources: page, NextCursor: next}, nil
}

func (s *ResourcesService) listTemplates(params ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
	s.mu.Lock()
	templates := make([]ResourceTemplate, 0, len(s.templates))
	for _, ct := range s.templates {
		templates = append(templates, ResourceTemplate{
			URITemplate: ct.spec.URITemplate,
			Name:        ct.spec.Name,
			Title:       ct.spec.Title,
			Description: ct.spec.Description,
			MimeType:    ct.spec.MimeType,
		})
	}
	s.mu.Unlock()

	page, next, err := paginate(templates, params.Cursor, s.srv.pageSize)
	if err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return ListResourceTemplatesResult{Templates: page, NextCursor: next}, nil
}

// read resolves a static resource first, then tries templates in registration
// order. An unknown URI is a resource-not-found error.
func (s *ResourcesService) read(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	s.mu.Lock()
	spec, ok := s.specs[params.URI]
	templates := make([]compiledTemplate, len(s.templates))
	copy(templates, s.templates)
	s.mu.Unlock()

	if ok {
		payload, err := spec.Handler(ctx)
		if err != nil {
			return ReadResourceResult{}, errInternal(fmt.Errorf("failed to read resource %s: %w", params.URI, err))
		}
		result, err := NormalizeResourcePayload(params.URI, spec.MimeType, payload)
		if err != nil {
			return ReadResourceResult{}, errInternal(err)
		}
		return result, nil
	}

	for _, ct := range templates {
		values := ct.tmpl.Match(params.URI)
		if values == nil {
			continue
		}
		args := make(map[string]string, len(values))
		for name, value := range values {
			args[name] = value.String()
		}
		payload, err := ct.spec.Handler(ctx, args)
		if err != nil {
			return ReadResourceResult{}, errInternal(fmt.Errorf("failed to read resource %s: %w", params.URI, err))
		}
		result, err := NormalizeResourcePayload(params.URI, ct.spec.MimeType, payload)
		if err != nil {
			return ReadResourceResult{}, errInternal(err)
		}
		return result, nil
	}

	return ReadResourceResult{}, JSONRPCError{
		Code:    CodeResourceNotFound,
		Message: fmt.Sprintf("unknown resource: %s", params.URI),
		Data:    map[string]any{"uri": params.URI},
	}
}

func (s *ResourcesService) subscribe(sess *ServerSession, uri string) {
	s.subscriptions.subscribe(sess, uri)
}

func (s *ResourcesService) unsubscribe(sess *ServerSession, uri string) {
	s.subscriptions.unsubscribe(sess, uri)
}

// NotifyUpdated broadcasts notifications/resources/updated for uri to every
// subscribed session. Collaborators call it when the underlying data changes.
func (s *ResourcesService) NotifyUpdated(uri string) {
	s.subscriptions.notifyUpdated(uri)
}

// NotifyListChanged broadcasts notifications/resources/list_changed to every
// observing session.
func (s *ResourcesService) NotifyListChanged() {
	s.observers.broadcast()
}

func (s *ResourcesService) removeSession(sess *ServerSession) {
	s.observers.remove(sess)
	s.subscriptions.pruneSession(sess)
}
