package openmcp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// connectPair wires a Server and a Client together over in-memory pipes using
// the STDIO transport on both ends.
func connectPair(t *testing.T, srv *Server, clientOpts ...ClientOption) *Client {
	t.Helper()

	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	serverTransport := NewStdIO(serverIn, serverOut)
	clientTransport := NewStdIO(clientIn, clientOut)

	go func() {
		if err := srv.Serve(serverTransport); err != nil {
			t.Errorf("serve failed: %v", err)
		}
	}()

	client := NewClient(Info{Name: "test-client", Version: "0.0.1"}, clientTransport, clientOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	t.Cleanup(func() {
		client.Disconnect()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, serverTransport)
	})
	return client
}

func TestClientServerToolRoundTrip(t *testing.T) {
	srv := NewServer(Info{Name: "roundtrip", Version: "0.0.1"})
	if err := srv.Tools().Register(addToolSpec()); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	client := connectPair(t, srv)

	if client.ServerInfo().Name != "roundtrip" {
		t.Errorf("unexpected server info: %+v", client.ServerInfo())
	}

	ctx := context.Background()

	listed, err := client.ListTools(ctx, ListToolsParams{})
	if err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	if len(listed.Tools) != 1 || listed.Tools[0].Name != "add" {
		t.Fatalf("unexpected tools: %+v", listed.Tools)
	}

	result, err := client.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 2, "b": 3},
	})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "5" {
		t.Errorf("unexpected result: %+v", result)
	}

	_, err = client.CallTool(ctx, CallToolParams{Name: "missing"})
	jerr, ok := err.(JSONRPCError)
	if !ok || jerr.Code != CodeInvalidParams {
		t.Errorf("unknown tool: expected invalid params, got %v", err)
	}
}

func TestClientResourceSubscriptionFlow(t *testing.T) {
	srv := NewServer(Info{Name: "resources", Version: "0.0.1"})
	value := "initial"
	var valueMu sync.Mutex
	err := srv.Resources().Register(ResourceSpec{
		URI: "resource://demo/value",
		Handler: func(context.Context) (any, error) {
			valueMu.Lock()
			defer valueMu.Unlock()
			return value, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register resource: %v", err)
	}

	var mu sync.Mutex
	var updates []string
	client := connectPair(t, srv, WithResourceUpdatedWatcher(func(uri string) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, uri)
	}))

	ctx := context.Background()

	read, err := client.ReadResource(ctx, ReadResourceParams{URI: "resource://demo/value"})
	if err != nil {
		t.Fatalf("resources/read failed: %v", err)
	}
	if read.Contents[0].Text != "initial" {
		t.Errorf("unexpected contents: %+v", read.Contents)
	}

	if err := client.SubscribeResource(ctx, "resource://demo/value"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	valueMu.Lock()
	value = "changed"
	valueMu.Unlock()
	srv.NotifyResourceUpdated("resource://demo/value")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1 && updates[0] == "resource://demo/value"
	}, "resource update notification")

	if err := client.UnsubscribeResource(ctx, "resource://demo/value"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	srv.NotifyResourceUpdated("resource://demo/value")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Errorf("updates after unsubscribe must not arrive, got %d", len(updates))
	}
}

func TestClientLoggingFanOut(t *testing.T) {
	srv := NewServer(Info{Name: "logging", Version: "0.0.1"})

	var mu sync.Mutex
	var received []LogParams
	client := connectPair(t, srv, WithLogReceiver(func(params LogParams) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, params)
	}))

	ctx := context.Background()
	if err := client.SetLogLevel(ctx, LogLevelWarning); err != nil {
		t.Fatalf("setLevel failed: %v", err)
	}

	srv.Log(LogLevelInfo, "app", map[string]any{"msg": "too quiet"})
	srv.Log(LogLevelError, "app", map[string]any{"msg": "loud"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "filtered log fan-out")

	mu.Lock()
	defer mu.Unlock()
	if received[0].Level != LogLevelError {
		t.Errorf("unexpected log level: %s", received[0].Level)
	}
}

type fixedSampler struct{}

func (fixedSampler) CreateSampledMessage(_ context.Context, params SamplingParams) (SamplingResult, error) {
	return SamplingResult{
		Role:       PromptRoleAssistant,
		Content:    Content{Type: ContentTypeText, Text: "echo: " + params.Messages[0].Content.Text},
		Model:      "fixed-1",
		StopReason: "endTurn",
	}, nil
}

func TestServerInitiatedSampling(t *testing.T) {
	srv := NewServer(Info{Name: "sampling", Version: "0.0.1"})
	client := connectPair(t, srv, WithSamplingHandler(fixedSampler{}))
	_ = client

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}

	result, err := srv.Sampling().CreateMessage(context.Background(), sessions[0], SamplingParams{
		Messages: []SamplingMessage{{
			Role:    PromptRoleUser,
			Content: Content{Type: ContentTypeText, Text: "hello"},
		}},
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatalf("sampling failed: %v", err)
	}
	if result.Content.Text != "echo: hello" || result.Model != "fixed-1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestServerSamplingWithoutCapability(t *testing.T) {
	srv := NewServer(Info{Name: "sampling", Version: "0.0.1"})
	client := connectPair(t, srv)
	_ = client

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}

	_, err := srv.Sampling().CreateMessage(context.Background(), sessions[0], SamplingParams{MaxTokens: 1})
	jerr, ok := err.(JSONRPCError)
	if !ok || jerr.Code != CodeMethodNotFound {
		t.Errorf("expected method-not-found, got %v", err)
	}
}

type acceptingElicitor struct{}

func (acceptingElicitor) Elicit(_ context.Context, params ElicitParams) (ElicitResult, error) {
	content := make(map[string]any, len(params.RequestedSchema.Properties))
	for name, prop := range params.RequestedSchema.Properties {
		switch prop.Type {
		case "string":
			content[name] = "answer"
		case "integer", "number":
			content[name] = float64(7)
		case "boolean":
			content[name] = true
		}
	}
	return ElicitResult{Action: ElicitActionAccept, Content: content}, nil
}

func TestServerInitiatedElicitation(t *testing.T) {
	srv := NewServer(Info{Name: "elicit", Version: "0.0.1"})
	client := connectPair(t, srv, WithElicitationHandler(acceptingElicitor{}))
	_ = client

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}

	result, err := srv.Elicitation().Create(context.Background(), sessions[0], ElicitParams{
		Message:         "what is your name?",
		RequestedSchema: flatSchema(),
	})
	if err != nil {
		t.Fatalf("elicitation failed: %v", err)
	}
	if result.Action != ElicitActionAccept || result.Content["name"] != "answer" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestServerFetchesClientRoots(t *testing.T) {
	srv := NewServer(Info{Name: "roots", Version: "0.0.1"})
	client := connectPair(t, srv, WithRoots([]Root{
		{URI: "file:///home/alice/project", Name: "project"},
	}))
	_ = client

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	sess := sessions[0]

	// The initial snapshot is fetched asynchronously after initialized.
	waitFor(t, func() bool {
		return srv.Roots().Version(sess) == 1
	}, "initial roots snapshot")

	listed, err := srv.Roots().List(context.Background(), sess, "")
	if err != nil {
		t.Fatalf("roots list failed: %v", err)
	}
	if len(listed.Roots) != 1 || listed.Roots[0].URI != "file:///home/alice/project" {
		t.Fatalf("unexpected roots: %+v", listed.Roots)
	}

	guard := srv.Roots().Guard(sess)
	if !guard.Within("/home/alice/project/src/main.py") {
		t.Errorf("path inside the root should be accepted")
	}
	if guard.Within("/etc/passwd") {
		t.Errorf("path outside the root should be rejected")
	}
}

func TestClientRootsListChangedRefreshesServerCache(t *testing.T) {
	srv := NewServer(Info{Name: "roots", Version: "0.0.1"}, WithRootsDebounce(10*time.Millisecond))
	client := connectPair(t, srv, WithRoots([]Root{{URI: "file:///one"}}))

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	sess := sessions[0]

	waitFor(t, func() bool { return srv.Roots().Version(sess) == 1 }, "initial roots snapshot")

	if err := client.SetRoots(context.Background(), []Root{{URI: "file:///one"}, {URI: "file:///two"}}); err != nil {
		t.Fatalf("SetRoots failed: %v", err)
	}

	waitFor(t, func() bool { return srv.Roots().Version(sess) == 2 }, "debounced roots refresh")

	snapshot := srv.Roots().Snapshot(sess)
	if len(snapshot) != 2 {
		t.Errorf("expected 2 roots after refresh, got %d", len(snapshot))
	}
}

func TestRequestContextProgressReachesClient(t *testing.T) {
	srv := NewServer(Info{Name: "progress", Version: "0.0.1"})
	err := srv.Tools().Register(ToolSpec{
		Name: "crunch",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			rc, ok := RequestFrom(ctx)
			if !ok {
				return nil, io.ErrUnexpectedEOF
			}
			tracker, err := rc.Progress(3, ProgressConfig{EmitHz: 1000}, ProgressTelemetry{})
			if err != nil {
				return nil, err
			}
			for i := 1; i <= 3; i++ {
				if err := tracker.Advance(ctx, 1, ""); err != nil {
					return nil, err
				}
			}
			if err := tracker.Close(ctx); err != nil {
				return nil, err
			}
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	var mu sync.Mutex
	var progress []ProgressParams
	client := connectPair(t, srv, WithProgressListener(func(params ProgressParams) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, params)
	}))

	result, err := client.CallTool(context.Background(), CallToolParams{
		Name: "crunch",
		Meta: ParamsMeta{ProgressToken: "tok-1"},
	})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) >= 1 && progress[len(progress)-1].Progress == 3
	}, "final progress value")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		if progress[i].Progress <= progress[i-1].Progress {
			t.Errorf("progress not strictly increasing: %+v", progress)
		}
		if progress[i].ProgressToken != "tok-1" {
			t.Errorf("unexpected token: %+v", progress[i])
		}
	}
}

func TestClientPing(t *testing.T) {
	srv := NewServer(Info{Name: "ping", Version: "0.0.1"})
	client := connectPair(t, srv)

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestDynamicToolRegistrationNotifiesClient(t *testing.T) {
	srv := NewServer(Info{Name: "dynamic", Version: "0.0.1"},
		WithDynamicCapabilities(),
		WithNotificationFlags(NotificationFlags{ToolsChanged: true}))
	if err := srv.Tools().Register(addToolSpec()); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	var mu sync.Mutex
	changed := 0
	client := connectPair(t, srv, WithToolListChangedWatcher(func() {
		mu.Lock()
		defer mu.Unlock()
		changed++
	}))

	// Listing opts the session into list-changed fan-out.
	if _, err := client.ListTools(context.Background(), ListToolsParams{}); err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}

	err := srv.Tools().Register(ToolSpec{
		Name:    "extra",
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("dynamic registration failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changed >= 1
	}, "tools/list_changed notification")
}

func TestRequireWithinRootsGuardsToolArguments(t *testing.T) {
	srv := NewServer(Info{Name: "guarded", Version: "0.0.1"})
	err := srv.Tools().Register(ToolSpec{
		Name: "read_file",
		Handler: srv.RequireWithinRoots("path", func(_ context.Context, args map[string]any) (any, error) {
			return "contents of " + args["path"].(string), nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	client := connectPair(t, srv, WithRoots([]Root{{URI: "file:///home/alice/project"}}))

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	waitFor(t, func() bool { return srv.Roots().Version(sessions[0]) == 1 }, "initial roots snapshot")

	ctx := context.Background()

	result, err := client.CallTool(ctx, CallToolParams{
		Name:      "read_file",
		Arguments: map[string]any{"path": "/home/alice/project/notes.txt"},
	})
	if err != nil {
		t.Fatalf("in-root call failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("in-root call should succeed: %+v", result)
	}

	_, err = client.CallTool(ctx, CallToolParams{
		Name:      "read_file",
		Arguments: map[string]any{"path": "/home/alice/project/../../../etc/passwd"},
	})
	jerr, ok := err.(JSONRPCError)
	if !ok || jerr.Code != CodeInvalidParams {
		t.Errorf("traversal outside roots should be rejected with invalid params, got %v", err)
	}
}
