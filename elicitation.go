package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const defaultElicitationTimeout = 60 * time.Second

// ElicitationService proxies elicitation/create requests to the client. The
// requested schema is validated before the request leaves the server, and an
// accepted answer is checked against it before being returned.
type ElicitationService struct {
	timeout time.Duration
}

func newElicitationService() *ElicitationService {
	return &ElicitationService{timeout: defaultElicitationTimeout}
}

// Create asks the session's client to collect user input matching the flat
// schema in params.
func (s *ElicitationService) Create(ctx context.Context, sess *ServerSession, params ElicitParams) (ElicitResult, error) {
	return s.create(ctx, sess, params)
}

func (s *ElicitationService) create(ctx context.Context, peer sessionPeer, params ElicitParams) (ElicitResult, error) {
	if peer.peerCapabilities().Elicitation == nil {
		return ElicitResult{}, errMethodNotFound(MethodElicitationCreate)
	}

	if err := validateElicitSchema(params.RequestedSchema); err != nil {
		return ElicitResult{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := peer.request(reqCtx, MethodElicitationCreate, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ElicitResult{}, JSONRPCError{
				Code:    CodeServiceUnavailable,
				Message: "elicitation request timed out",
			}
		}
		return ElicitResult{}, fmt.Errorf("failed to request elicitation: %w", err)
	}

	var result ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ElicitResult{}, fmt.Errorf("failed to decode elicitation result: %w", err)
	}

	if result.Action == ElicitActionAccept {
		if err := validateElicitContent(params.RequestedSchema, result.Content); err != nil {
			return ElicitResult{}, err
		}
	}
	return result, nil
}

// validateElicitSchema enforces the flat-schema contract: the root must be an
// object with a non-empty property set, and every property must be a bare
// primitive. Nested objects, arrays, and composition keywords are rejected
// before the request is sent.
func validateElicitSchema(schema ElicitSchema) error {
	if schema.Type != "object" {
		return errInvalidParams("requestedSchema.type must be \"object\", got %q", schema.Type)
	}
	if len(schema.Properties) == 0 {
		return errInvalidParams("requestedSchema.properties must be non-empty")
	}

	for name, prop := range schema.Properties {
		switch prop.Type {
		case "string", "number", "integer", "boolean":
		default:
			return JSONRPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("unsupported schema type %q for property %q", prop.Type, name),
				Data:    map[string]any{"property": name, "constraint": "primitive type"},
			}
		}
	}

	for _, name := range schema.Required {
		if _, ok := schema.Properties[name]; !ok {
			return errInvalidParams("required property %q is not declared in properties", name)
		}
	}
	return nil
}

// validateElicitContent performs the minimum validity check on an accepted
// answer: required keys are present and value types are compatible with the
// declared property types.
func validateElicitContent(schema ElicitSchema, content map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := content[name]; !ok {
			return errInvalidParams("accepted content is missing required property %q", name)
		}
	}

	for name, value := range content {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if !elicitTypeCompatible(prop.Type, value) {
			return errInvalidParams("accepted content property %q does not match type %q", name, prop.Type)
		}
	}
	return nil
}

func elicitTypeCompatible(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	default:
		return false
	}
}
