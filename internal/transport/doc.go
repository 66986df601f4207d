// Package transport carries MCP traffic between clients and the
// protocol engine.
//
// Two transports exist. The streamable HTTP transport serves the /mcp
// endpoint: POST for JSON-RPC requests (responding with plain JSON or a
// server-sent event stream), GET for the standalone notification
// stream, DELETE for session termination. Every streamed frame is
// written to the event log before it is flushed, so a client that
// reconnects with Last-Event-Id resumes exactly where the connection
// dropped. The stdio transport serves a single session over
// stdin/stdout and keeps stdout free of anything but protocol frames.
//
// The Manager selects the transport from configuration, owns the
// lifecycle of whichever is active, and logs protocol-compliance
// warnings for unusual combinations (HTTP without OAuth, stdio with
// OAuth). Bearer-token authentication for HTTP lives in the middleware,
// which maps authorization failures to 401/403 and opens a request
// context scope carrying the caller's identity.
package transport
