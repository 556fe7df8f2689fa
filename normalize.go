package openmcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ResultWithStructured pairs the displayable payload of a tool result with an
// explicit structured form. Handlers return it when the structured content
// should differ from the rendered content blocks.
type ResultWithStructured struct {
	Content    any
	Structured map[string]any
}

// NormalizeToolResult converts the polymorphic return value of a tool handler
// into a CallToolResult. Accepted shapes:
//
//   - CallToolResult (or a pointer to one): passed through unchanged
//   - Content or []Content: used as the content blocks
//   - ResultWithStructured: content normalized recursively, structured kept
//   - string: a text block, mirrored as structuredContent {"result": value}
//   - []byte: a text block holding the base64 encoding of the bytes
//   - nil: an empty result
//   - map[string]any: a JSON text block plus the map as structuredContent
//   - []any: each element normalized recursively and flattened
//   - any other JSON-serializable value: structuredContent {"result": value}
//     plus a JSON text block; JSON objects become structuredContent directly
//
// Normalization is idempotent: applying it to its own output is the identity.
func NormalizeToolResult(v any) (CallToolResult, error) {
	switch val := v.(type) {
	case nil:
		return CallToolResult{Content: []Content{}}, nil
	case CallToolResult:
		return val, nil
	case *CallToolResult:
		if val == nil {
			return CallToolResult{Content: []Content{}}, nil
		}
		return *val, nil
	case Content:
		return CallToolResult{Content: []Content{val}}, nil
	case []Content:
		return CallToolResult{Content: val}, nil
	case ResultWithStructured:
		inner, err := NormalizeToolResult(val.Content)
		if err != nil {
			return CallToolResult{}, err
		}
		inner.StructuredContent = val.Structured
		return inner, nil
	case string:
		return CallToolResult{
			Content:           []Content{{Type: ContentTypeText, Text: val}},
			StructuredContent: map[string]any{"result": val},
		}, nil
	case []byte:
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: base64.StdEncoding.EncodeToString(val)}},
		}, nil
	case []any:
		var blocks []Content
		var structured map[string]any
		for _, item := range val {
			res, err := NormalizeToolResult(item)
			if err != nil {
				return CallToolResult{}, err
			}
			blocks = append(blocks, res.Content...)
			if res.StructuredContent != nil && structured == nil {
				structured = res.StructuredContent
			}
		}
		if blocks == nil {
			blocks = []Content{}
		}
		return CallToolResult{Content: blocks, StructuredContent: structured}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to serialize tool result: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err == nil && asMap != nil {
		return CallToolResult{
			Content:           []Content{{Type: ContentTypeText, Text: string(data)}},
			StructuredContent: asMap,
		}, nil
	}

	var flat any
	if err := json.Unmarshal(data, &flat); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to interpret tool result: %w", err)
	}
	return CallToolResult{
		Content:           []Content{{Type: ContentTypeText, Text: string(data)}},
		StructuredContent: map[string]any{"result": flat},
	}, nil
}

// toolErrorResult renders a handler failure as an application-level tool
// result rather than a JSON-RPC error, per the protocol's tool error contract.
func toolErrorResult(err error) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
		IsError: true,
	}
}

// NormalizeResourcePayload converts the polymorphic return value of a resource
// handler into a ReadResourceResult for uri. Accepted shapes:
//
//   - ReadResourceResult (or a pointer to one): passed through unchanged
//   - ResourceContents or []ResourceContents: used as the contents
//   - []byte: a blob entry, defaulting to application/octet-stream
//   - string: a text entry, defaulting to text/plain
//   - map[string]any: validated as a text or blob entry under uri
//   - any other JSON-serializable value: serialized into a text entry
//
// A non-empty mimeType overrides the defaults. Normalization on its own
// output is the identity.
func NormalizeResourcePayload(uri, mimeType string, v any) (ReadResourceResult, error) {
	pick := func(fallback string) string {
		if mimeType != "" {
			return mimeType
		}
		return fallback
	}

	switch val := v.(type) {
	case ReadResourceResult:
		return val, nil
	case *ReadResourceResult:
		if val == nil {
			return ReadResourceResult{Contents: []ResourceContents{}}, nil
		}
		return *val, nil
	case ResourceContents:
		if val.URI == "" {
			val.URI = uri
		}
		return ReadResourceResult{Contents: []ResourceContents{val}}, nil
	case []ResourceContents:
		for i := range val {
			if val[i].URI == "" {
				val[i].URI = uri
			}
		}
		return ReadResourceResult{Contents: val}, nil
	case []byte:
		return ReadResourceResult{Contents: []ResourceContents{{
			URI:      uri,
			MimeType: pick("application/octet-stream"),
			Blob:     base64.StdEncoding.EncodeToString(val),
		}}}, nil
	case string:
		return ReadResourceResult{Contents: []ResourceContents{{
			URI:      uri,
			MimeType: pick("text/plain"),
			Text:     val,
		}}}, nil
	case map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return ReadResourceResult{}, fmt.Errorf("failed to serialize resource payload: %w", err)
		}
		var contents ResourceContents
		if err := json.Unmarshal(data, &contents); err == nil && (contents.Text != "" || contents.Blob != "") {
			if contents.URI == "" {
				contents.URI = uri
			}
			if contents.MimeType == "" {
				contents.MimeType = pick("text/plain")
			}
			return ReadResourceResult{Contents: []ResourceContents{contents}}, nil
		}
		return ReadResourceResult{Contents: []ResourceContents{{
			URI:      uri,
			MimeType: pick("application/json"),
			Text:     string(data),
		}}}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to serialize resource payload: %w", err)
	}
	return ReadResourceResult{Contents: []ResourceContents{{
		URI:      uri,
		MimeType: pick("application/json"),
		Text:     string(data),
	}}}, nil
}
