package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// startStreamableServer serves srv over a streamable HTTP transport mounted
// on an httptest server and returns the endpoint URL.
func startStreamableServer(t *testing.T, srv *Server, options ...StreamableHTTPOption) string {
	t.Helper()

	transport := NewStreamableHTTP(options...)

	mux := http.NewServeMux()
	mux.Handle("/mcp", transport.Handler())
	if meta := transport.MetadataHandler(); meta != nil {
		mux.Handle("/.well-known/oauth-protected-resource", meta)
	}
	ts := httptest.NewServer(mux)

	go func() {
		if err := srv.Serve(transport); err != nil {
			t.Errorf("serve failed: %v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, transport)
		ts.Close()
	})
	return ts.URL + "/mcp"
}

func postFrame(t *testing.T, url string, headers map[string]string, msg JSONRPCMessage) *http.Response {
	t.Helper()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func initializeFrame(id MustString) JSONRPCMessage {
	params, _ := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      Info{Name: "http-client", Version: "0.0.1"},
	})
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Method: MethodInitialize, Params: params}
}

func decodeFrame(t *testing.T, resp *http.Response) JSONRPCMessage {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("failed to decode frame %q: %v", body, err)
	}
	return msg
}

func TestStreamablePOSTInitializeBindsSession(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	resp := postFrame(t, url, nil, initializeFrame("1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	sessID := resp.Header.Get(headerSessionID)
	if sessID == "" {
		t.Fatalf("initialize response must carry a session ID header")
	}
	if v := resp.Header.Get(headerProtocolVersion); v != protocolVersion {
		t.Errorf("unexpected protocol version header %q", v)
	}

	msg := decodeFrame(t, resp)
	if msg.Error != nil {
		t.Fatalf("initialize failed: %v", msg.Error)
	}

	// The initialized notification echoes the session header and gets 202.
	resp = postFrame(t, url, map[string]string{headerSessionID: sessID},
		JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: methodNotificationsInitialized})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("notification POST: expected 202, got %d", resp.StatusCode)
	}
}

func TestStreamablePOSTWithoutSessionRejected(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	resp := postFrame(t, url, nil, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: "1", Method: MethodToolsList})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStreamableUnknownSessionIs404(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	resp := postFrame(t, url, map[string]string{headerSessionID: "ghost"},
		JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: "1", Method: MethodPing})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamableDELETETerminatesSession(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	resp := postFrame(t, url, nil, initializeFrame("1"))
	sessID := resp.Header.Get(headerSessionID)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	req.Header.Set(headerSessionID, sessID)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}

	resp = postFrame(t, url, map[string]string{headerSessionID: sessID},
		JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: "2", Method: MethodPing})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("terminated session should be gone, got %d", resp.StatusCode)
	}
}

func TestStreamableRejectsBadProtocolVersionHeader(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	resp := postFrame(t, url, nil, initializeFrame("1"))
	sessID := resp.Header.Get(headerSessionID)
	resp.Body.Close()

	resp = postFrame(t, url, map[string]string{
		headerSessionID:       sessID,
		headerProtocolVersion: "1999-01-01",
	}, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: "2", Method: MethodPing})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad protocol version header, got %d", resp.StatusCode)
	}
}

func TestStreamableRebindingGuard(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	data, _ := json.Marshal(initializeFrame("1"))
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "evil.example.com"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign Host should be rejected with 403, got %d", resp.StatusCode)
	}
}

func TestStreamableStatelessRound(t *testing.T) {
	srv := NewServer(Info{Name: "stateless", Version: "0.0.1"})
	if err := srv.Tools().Register(addToolSpec()); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	url := startStreamableServer(t, srv, WithStatelessMode())

	params, _ := json.Marshal(CallToolParams{Name: "add", Arguments: map[string]any{"a": 4, "b": 5}})
	resp := postFrame(t, url, nil, JSONRPCMessage{
		JSONRPC: JSONRPCVersion, ID: "1", Method: MethodToolsCall, Params: params,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	msg := decodeFrame(t, resp)
	if msg.Error != nil {
		t.Fatalf("stateless call failed: %v", msg.Error)
	}
	var result CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "9" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestStreamableAuthorizationRequired(t *testing.T) {
	srv := NewServer(Info{Name: "auth", Version: "0.0.1"})
	auth := NewAuthorization(AuthorizationConfig{
		Resource:    "https://mcp.example.com",
		MetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
	}, staticVerifier(map[string]AuthorizationContext{
		"secret": {Subject: "alice"},
	}))
	url := startStreamableServer(t, srv, WithAuthorization(auth))

	resp := postFrame(t, url, nil, initializeFrame("1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token should yield 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "resource_metadata=") {
		t.Errorf("401 should carry the metadata challenge")
	}

	resp = postFrame(t, url, map[string]string{"Authorization": "Bearer secret"}, initializeFrame("2"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token should pass, got %d", resp.StatusCode)
	}

	metaURL := strings.TrimSuffix(url, "/mcp") + "/.well-known/oauth-protected-resource"
	metaResp, err := http.Get(metaURL)
	if err != nil {
		t.Fatalf("metadata request failed: %v", err)
	}
	defer metaResp.Body.Close()
	if metaResp.StatusCode != http.StatusOK {
		t.Errorf("metadata endpoint should be public, got %d", metaResp.StatusCode)
	}
}

func TestStreamableGETRequiresEventStreamAccept(t *testing.T) {
	srv := NewServer(Info{Name: "http", Version: "0.0.1"})
	url := startStreamableServer(t, srv)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without event-stream accept, got %d", resp.StatusCode)
	}
}

func TestStreamableClientEndToEnd(t *testing.T) {
	srv := NewServer(Info{Name: "http-e2e", Version: "0.0.1"})
	if err := srv.Tools().Register(addToolSpec()); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	var valueMu sync.Mutex
	value := "v1"
	if err := srv.Resources().Register(ResourceSpec{
		URI: "resource://demo/value",
		Handler: func(context.Context) (any, error) {
			valueMu.Lock()
			defer valueMu.Unlock()
			return value, nil
		},
	}); err != nil {
		t.Fatalf("failed to register resource: %v", err)
	}
	url := startStreamableServer(t, srv)

	var mu sync.Mutex
	var updates []string
	client := NewClient(Info{Name: "http-client", Version: "0.0.1"},
		NewStreamableHTTPClient(url, nil),
		WithResourceUpdatedWatcher(func(uri string) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, uri)
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	result, err := client.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 20, "b": 22},
	})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "42" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := client.SubscribeResource(ctx, "resource://demo/value"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	valueMu.Lock()
	value = "v2"
	valueMu.Unlock()
	srv.NotifyResourceUpdated("resource://demo/value")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 1 && updates[0] == "resource://demo/value"
	}, "resource update over SSE")
}
