package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/oauth2"

	"tether/internal/credstore"
	"tether/internal/reqctx"
	"tether/pkg/logging"
)

// Built-in tool names.
const (
	EchoToolName       = "echo"
	WhoamiToolName     = "whoami"
	AuthStatusToolName = "auth_status"
)

const (
	// userinfoTimeout bounds the upstream userinfo call made by whoami.
	userinfoTimeout = 10 * time.Second
	// maxUserinfoBody caps how much of the userinfo response is read.
	maxUserinfoBody = 1 << 20
)

// CredentialSource supplies stored upstream credentials for a user.
// *credstore.Store implements it.
type CredentialSource interface {
	GetCredentials(ctx context.Context, providerID, userID string) (*credstore.Credentials, error)
}

// BuiltinConfig parameterizes the built-in tools.
type BuiltinConfig struct {
	// ProviderID names the upstream provider whose stored credentials the
	// whoami and auth_status tools consult.
	ProviderID string
	// UserinfoEndpoint is the upstream userinfo URL queried by whoami.
	UserinfoEndpoint string
}

// RegisterBuiltins adds the built-in diagnostic tools to the registry.
func RegisterBuiltins(reg *Registry, creds CredentialSource, cfg BuiltinConfig) error {
	builtins := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{echoTool(), handleEcho},
		{whoamiTool(), handleWhoami(creds, cfg)},
		{authStatusTool(), handleAuthStatus(creds, cfg)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.tool, b.handler); err != nil {
			return fmt.Errorf("registering built-in tools: %w", err)
		}
	}
	return nil
}

func echoTool() mcp.Tool {
	return mcp.Tool{
		Name:        EchoToolName,
		Description: "Echo a message back to the caller. Useful for verifying the MCP session end to end.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"message": map[string]interface{}{
					"type":        "string",
					"description": "The message to echo back",
				},
			},
			Required: []string{"message"},
		},
	}
}

func handleEcho(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(message), nil
}

func whoamiTool() mcp.Tool {
	return mcp.Tool{
		Name:        WhoamiToolName,
		Description: "Fetch the caller's profile from the upstream provider's userinfo endpoint using the stored upstream credential.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
		},
	}
}

// handleWhoami calls the upstream userinfo endpoint with the caller's
// stored access token and returns the profile document verbatim.
func handleWhoami(creds CredentialSource, cfg BuiltinConfig) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rc, ok := reqctx.FromContext(ctx)
		if !ok || !rc.Authenticated {
			return mcp.NewToolResultError("whoami requires an authenticated session"), nil
		}
		if cfg.UserinfoEndpoint == "" {
			return mcp.NewToolResultError("upstream provider has no userinfo endpoint configured"), nil
		}
		if creds == nil {
			return mcp.NewToolResultError("no credential store available"), nil
		}

		stored, err := creds.GetCredentials(ctx, cfg.ProviderID, rc.UserID)
		if err != nil {
			return nil, fmt.Errorf("loading upstream credentials: %w", err)
		}
		if stored == nil {
			return mcp.NewToolResultError("no upstream credentials stored for this user; complete the authorization flow first"), nil
		}

		callCtx, cancel := context.WithTimeout(ctx, userinfoTimeout)
		defer cancel()

		client := oauth2.NewClient(callCtx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: stored.AccessToken,
			TokenType:   stored.TokenType,
		}))
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, cfg.UserinfoEndpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("building userinfo request: %w", err)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("calling userinfo endpoint: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserinfoBody))
		if err != nil {
			return nil, fmt.Errorf("reading userinfo response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			logging.Warn("Tools", "Userinfo request for user %s failed with status %d", rc.UserID, resp.StatusCode)
			return mcp.NewToolResultError(fmt.Sprintf("userinfo endpoint returned status %d", resp.StatusCode)), nil
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err != nil {
			return mcp.NewToolResultText(string(body)), nil
		}
		return mcp.NewToolResultText(pretty.String()), nil
	}
}

func authStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        AuthStatusToolName,
		Description: "Report the authentication state of the current session, including whether an upstream credential is on file.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
		},
	}
}

type upstreamStatus struct {
	Provider  string     `json:"provider"`
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
}

type authStatus struct {
	Authenticated bool            `json:"authenticated"`
	UserID        string          `json:"userId,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Transport     string          `json:"transport,omitempty"`
	Scopes        []string        `json:"scopes,omitempty"`
	Upstream      *upstreamStatus `json:"upstream,omitempty"`
}

// handleAuthStatus reports the request identity plus the state of the
// caller's stored upstream credential. Anonymous sessions get
// {"authenticated": false} rather than an error.
func handleAuthStatus(creds CredentialSource, cfg BuiltinConfig) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := authStatus{}

		rc, ok := reqctx.FromContext(ctx)
		if ok {
			status.Authenticated = rc.Authenticated
			status.UserID = rc.UserID
			status.ClientID = rc.ClientID
			status.SessionID = rc.SessionID
			status.Transport = rc.TransportType
			status.Scopes = rc.Scopes
		}

		if ok && rc.Authenticated && cfg.ProviderID != "" && creds != nil {
			upstream := &upstreamStatus{Provider: cfg.ProviderID}
			stored, err := creds.GetCredentials(ctx, cfg.ProviderID, rc.UserID)
			if err != nil {
				return nil, fmt.Errorf("loading upstream credentials: %w", err)
			}
			if stored != nil {
				upstream.Connected = true
				upstream.Scopes = stored.Scopes
				if !stored.ExpiresAt.IsZero() {
					expires := stored.ExpiresAt
					upstream.ExpiresAt = &expires
				}
			}
			status.Upstream = upstream
		}

		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding auth status: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
