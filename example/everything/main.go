// Command everything serves a demonstration MCP server over streamable HTTP,
// exercising tools, resources, templates, prompts, completion, logging, and
// progress reporting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	openmcp "github.com/dedalus-labs/openmcp-go"
	"github.com/qri-io/jsonschema"
)

func main() {
	logger := openmcp.NewLogger()

	srv := openmcp.NewServer(
		openmcp.Info{Name: "everything", Version: "0.1.0"},
		openmcp.WithServerLogger(logger),
		openmcp.WithInstructions("A kitchen-sink server for exercising MCP clients."),
		openmcp.WithHeartbeat(),
	)

	if err := registerFeatures(srv); err != nil {
		logger.Error("failed to register features", "err", err)
		os.Exit(1)
	}

	transport := openmcp.NewStreamableHTTP(
		openmcp.WithStreamableHTTPLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", transport.Handler())

	httpServer := &http.Server{Addr: "127.0.0.1:8000", Handler: mux}
	go func() {
		logger.Info("serving", "addr", "http://127.0.0.1:8000/mcp")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt)
		<-sigChan

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		_ = srv.Shutdown(ctx, transport)
	}()

	if err := srv.Serve(transport); err != nil {
		logger.Error("serve failed", "err", err)
		os.Exit(1)
	}
}

func registerFeatures(srv *openmcp.Server) error {
	err := srv.Tools().Register(openmcp.ToolSpec{
		Name:        "add",
		Description: "Adds two integers.",
		InputSchema: jsonschema.Must(`{
			"type": "object",
			"properties": {
				"a": {"type": "integer"},
				"b": {"type": "integer"}
			},
			"required": ["a", "b"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return int(args["a"].(float64)) + int(args["b"].(float64)), nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.Tools().Register(openmcp.ToolSpec{
		Name:        "countdown",
		Description: "Counts down slowly, reporting progress along the way.",
		InputSchema: jsonschema.Must(`{
			"type": "object",
			"properties": {"from": {"type": "integer"}},
			"required": ["from"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			from := int(args["from"].(float64))
			rc, ok := openmcp.RequestFrom(ctx)
			if !ok {
				return nil, fmt.Errorf("no request context")
			}

			for i := 0; i < from; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
				_ = rc.ReportProgress(ctx, float64(i+1), float64(from), fmt.Sprintf("step %d", i+1))
			}
			return "liftoff", nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.Resources().Register(openmcp.ResourceSpec{
		URI:      "demo://greeting",
		Name:     "greeting",
		MimeType: "text/plain",
		Handler: func(context.Context) (any, error) {
			return "Hello from the everything server!", nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.Resources().RegisterTemplate(openmcp.ResourceTemplateSpec{
		URITemplate: "demo://users/{id}",
		Name:        "user record",
		MimeType:    "application/json",
		Handler: func(_ context.Context, args map[string]string) (any, error) {
			return map[string]any{"id": args["id"], "name": "User " + args["id"]}, nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.Prompts().Register(openmcp.PromptSpec{
		Name:        "summarize",
		Description: "Asks the model to summarize a topic.",
		Arguments:   []openmcp.PromptArgument{{Name: "topic", Required: true}},
		Handler: func(_ context.Context, args map[string]string) (any, error) {
			return "Please summarize everything you know about " + args["topic"] + ".", nil
		},
	})
	if err != nil {
		return err
	}

	topics := []string{"golang", "gophers", "goroutines", "generics"}
	return srv.Completions().RegisterPrompt("summarize",
		func(_ context.Context, arg openmcp.CompletionArgument, _ map[string]string) ([]string, error) {
			var matches []string
			for _, topic := range topics {
				if strings.HasPrefix(topic, arg.Value) {
					matches = append(matches, topic)
				}
			}
			return matches, nil
		})
}
