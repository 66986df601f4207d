package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"

	"tether/pkg/logging"
)

// FlowCompleter finishes an MCP authorization that was parked while the
// user visited the upstream provider. It returns the MCP client's
// redirect URL carrying a fresh authorization code, or an empty string
// when no MCP authorization is bound to the state.
//
// Implemented by the authorization server's provider.
type FlowCompleter interface {
	CompleteMCPAuthorization(ctx context.Context, upstreamState, userID string) (string, error)
}

// CallbackHandler terminates the upstream browser flow. It redeems the
// callback at the consumer and, when an MCP authorization waits on this
// state, forwards the browser to the MCP client; otherwise it renders a
// terminal success page.
type CallbackHandler struct {
	consumer  *Consumer
	completer FlowCompleter
}

// NewCallbackHandler creates the callback endpoint handler. completer may
// be nil when no MCP authorizations are bridged through this consumer.
func NewCallbackHandler(consumer *Consumer, completer FlowCompleter) *CallbackHandler {
	return &CallbackHandler{
		consumer:  consumer,
		completer: completer,
	}
}

// ServeHTTP implements http.Handler.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleCallback(w, r)
}

// HandleCallback handles the provider redirect after the user
// authenticated (or refused to).
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		errDesc := query.Get("error_description")
		logging.Warn("OAuth", "Provider callback returned error: %s - %s", errParam, errDesc)
		h.renderErrorPage(w, fmt.Sprintf("Authorization failed: %s", errParam))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		logging.Warn("OAuth", "Provider callback missing code or state parameter")
		h.renderErrorPage(w, "Invalid callback: missing required parameters")
		return
	}

	userID, err := h.consumer.HandleAuthorizationCallback(r.Context(), code, state)
	if err != nil {
		if errors.Is(err, ErrUnknownState) {
			logging.Warn("OAuth", "Provider callback with unknown or expired state")
			h.renderErrorPage(w, "Authorization session expired. Please try again.")
			return
		}
		logging.Error("OAuth", err, "Failed to complete provider callback")
		h.renderErrorPage(w, "Failed to complete authorization. Please try again.")
		return
	}

	if h.completer != nil {
		redirect, err := h.completer.CompleteMCPAuthorization(r.Context(), state, userID)
		if err != nil {
			logging.Error("OAuth", err, "Failed to finish client authorization for user=%s",
				logging.TruncateSessionID(userID))
			h.renderErrorPage(w, "Your provider sign-in succeeded, but finishing the client authorization failed. Please try again.")
			return
		}
		if redirect != "" {
			logging.Debug("OAuth", "Redirecting user=%s back to MCP client",
				logging.TruncateSessionID(userID))
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
	}

	h.renderSuccessPage(w)
}

// setSecurityHeaders sets recommended security headers for HTML responses.
// These headers help prevent XSS, clickjacking, and MIME sniffing attacks.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// renderSuccessPage renders an HTML page indicating successful authorization.
func (h *CallbackHandler) renderSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	htmlContent := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Successful - Tether</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            backdrop-filter: blur(10px);
            max-width: 500px;
            margin: 1rem;
        }
        .checkmark {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            background: linear-gradient(135deg, #00d4aa 0%, #00a896 100%);
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.5rem;
        }
        h1 {
            font-size: 1.75rem;
            font-weight: 600;
            margin-bottom: 0.5rem;
            color: #fff;
        }
        p {
            color: #a0a0a0;
            line-height: 1.6;
            margin-top: 1rem;
        }
        .footer {
            margin-top: 2rem;
            padding-top: 1.5rem;
            border-top: 1px solid rgba(255, 255, 255, 0.1);
            font-size: 0.875rem;
            color: #666;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="checkmark">✓</div>
        <h1>Authorization Successful</h1>
        <p>Your account has been connected.</p>
        <p>You can now close this window and return to your application.</p>
        <div class="footer">
            Powered by Tether
        </div>
    </div>
</body>
</html>`

	w.Write([]byte(htmlContent))
}

// renderErrorPage renders an HTML page indicating an authorization error.
func (h *CallbackHandler) renderErrorPage(w http.ResponseWriter, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	// Escape message to prevent XSS attacks
	safeMessage := html.EscapeString(message)

	htmlContent := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed - Tether</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%%, #16213e 50%%, #0f3460 100%%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            backdrop-filter: blur(10px);
            max-width: 500px;
            margin: 1rem;
        }
        .error-icon {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            background: linear-gradient(135deg, #ff6b6b 0%%, #ee5a5a 100%%);
            border-radius: 50%%;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.5rem;
        }
        h1 {
            font-size: 1.75rem;
            font-weight: 600;
            margin-bottom: 0.5rem;
            color: #fff;
        }
        .message {
            color: #ff6b6b;
            font-weight: 500;
            margin-top: 1rem;
        }
        p {
            color: #a0a0a0;
            line-height: 1.6;
            margin-top: 1rem;
        }
        .footer {
            margin-top: 2rem;
            padding-top: 1.5rem;
            border-top: 1px solid rgba(255, 255, 255, 0.1);
            font-size: 0.875rem;
            color: #666;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="error-icon">✕</div>
        <h1>Authorization Failed</h1>
        <p class="message">%s</p>
        <p>Please return to your application and try again.</p>
        <div class="footer">
            Powered by Tether
        </div>
    </div>
</body>
</html>`, safeMessage)

	w.Write([]byte(htmlContent))
}
