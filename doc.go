// Package openmcp implements the core of the Model Context Protocol (MCP) for
// protocol revision 2025-06-18, providing servers and clients with session
// management, capability services (tools, resources, prompts, completion,
// logging, sampling, elicitation, roots, ping), and STDIO and Streamable HTTP
// transports.
//
// A server registers specs against its capability services and serves one or
// more sessions over a transport:
//
//	srv := openmcp.NewServer(openmcp.Info{Name: "demo", Version: "0.1.0"})
//	srv.Tools().Register(openmcp.ToolSpec{ ... })
//	srv.Serve(openmcp.NewStdIO(os.Stdin, os.Stdout))
//
// Handlers access the per-request context, progress reporting, and
// client-facing logging through RequestFrom(ctx).
package openmcp
