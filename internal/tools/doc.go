// Package tools manages the named tools the server exposes over MCP.
//
// A Registry collects tool definitions with their handlers, feeds them to
// the MCP engine at startup, and keeps per-tool call counters that back the
// workflow listing and metrics APIs. RegisterBuiltins installs the built-in
// diagnostic tools: echo, whoami and auth_status. The whoami tool exercises
// the full upstream credential path by calling the provider's userinfo
// endpoint with the caller's stored token.
package tools
