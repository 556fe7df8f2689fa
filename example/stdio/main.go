// Command stdio wires an MCP server and client together in one process over
// in-memory pipes using the STDIO transport, then walks through a tool call,
// a roots check, and a sampling round-trip.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	openmcp "github.com/dedalus-labs/openmcp-go"
)

type echoSampler struct{}

func (echoSampler) CreateSampledMessage(_ context.Context, params openmcp.SamplingParams) (openmcp.SamplingResult, error) {
	prompt := params.Messages[len(params.Messages)-1].Content.Text
	return openmcp.SamplingResult{
		Role:       openmcp.PromptRoleAssistant,
		Content:    openmcp.Content{Type: openmcp.ContentTypeText, Text: "You said: " + prompt},
		Model:      "echo-1",
		StopReason: "endTurn",
	}, nil
}

func main() {
	logger := openmcp.NewLogger()

	srv := openmcp.NewServer(
		openmcp.Info{Name: "stdio-demo", Version: "0.1.0"},
		openmcp.WithServerLogger(logger),
	)

	err := srv.Tools().Register(openmcp.ToolSpec{
		Name:        "shout",
		Description: "Echoes its input back through the client's model.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			rc, ok := openmcp.RequestFrom(ctx)
			if !ok {
				return nil, fmt.Errorf("no request context")
			}
			text, _ := args["text"].(string)
			result, err := rc.Sampling(ctx, openmcp.SamplingParams{
				Messages: []openmcp.SamplingMessage{{
					Role:    openmcp.PromptRoleUser,
					Content: openmcp.Content{Type: openmcp.ContentTypeText, Text: text},
				}},
				MaxTokens: 64,
			})
			if err != nil {
				return nil, err
			}
			return result.Content.Text, nil
		},
	})
	if err != nil {
		logger.Error("failed to register tool", "err", err)
		os.Exit(1)
	}

	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	serverTransport := openmcp.NewStdIO(serverIn, serverOut)
	clientTransport := openmcp.NewStdIO(clientIn, clientOut)

	go func() {
		if err := srv.Serve(serverTransport); err != nil {
			logger.Error("serve failed", "err", err)
		}
	}()

	home, _ := os.UserHomeDir()
	client := openmcp.NewClient(
		openmcp.Info{Name: "stdio-demo-client", Version: "0.1.0"},
		clientTransport,
		openmcp.WithClientLogger(logger),
		openmcp.WithSamplingHandler(echoSampler{}),
		openmcp.WithRoots([]openmcp.Root{{URI: "file://" + home, Name: "home"}}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	fmt.Printf("connected to %s\n", client.ServerInfo().Name)

	result, err := client.CallTool(ctx, openmcp.CallToolParams{
		Name:      "shout",
		Arguments: map[string]any{"text": "hello mcp"},
	})
	if err != nil {
		logger.Error("tool call failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("shout -> %s\n", result.Content[0].Text)

	// Give the server a moment to finish its initial roots fetch.
	time.Sleep(200 * time.Millisecond)

	for _, sess := range srv.Sessions() {
		guard := srv.Roots().Guard(sess)
		fmt.Printf("home within roots: %v\n", guard.Within(home))
		fmt.Printf("/etc within roots: %v\n", guard.Within("/etc"))
	}

	if err := srv.Shutdown(ctx, serverTransport); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}
