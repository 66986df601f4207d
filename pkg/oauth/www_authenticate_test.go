package oauth

import (
	"testing"
)

func TestAuthChallenge_Format(t *testing.T) {
	tests := []struct {
		name      string
		challenge AuthChallenge
		want      string
	}{
		{
			name:      "bare scheme",
			challenge: AuthChallenge{},
			want:      "Bearer",
		},
		{
			name: "realm only",
			challenge: AuthChallenge{
				Realm: "https://auth.example.com",
			},
			want: `Bearer realm="https://auth.example.com"`,
		},
		{
			name: "error with description",
			challenge: AuthChallenge{
				Realm:            "https://auth.example.com",
				Error:            ErrorInvalidToken,
				ErrorDescription: "Token not found",
			},
			want: `Bearer realm="https://auth.example.com", error="invalid_token", error_description="Token not found"`,
		},
		{
			name: "resource metadata",
			challenge: AuthChallenge{
				Realm:               "https://mcp.example.com",
				ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
			},
			want: `Bearer realm="https://mcp.example.com", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
		},
		{
			name: "scope included",
			challenge: AuthChallenge{
				Realm: "https://auth.example.com",
				Scope: "read write",
			},
			want: `Bearer realm="https://auth.example.com", scope="read write"`,
		},
		{
			name: "quotes stripped from values",
			challenge: AuthChallenge{
				Error:            ErrorInvalidRequest,
				ErrorDescription: `bad "quoted" input`,
			},
			want: `Bearer error="invalid_request", error_description="bad quoted input"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.challenge.Format(); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    AuthChallenge
		wantErr bool
	}{
		{
			name:   "realm only",
			header: `Bearer realm="https://auth.example.com"`,
			want: AuthChallenge{
				Realm: "https://auth.example.com",
			},
		},
		{
			name:   "error fields",
			header: `Bearer error="expired_token", error_description="Refresh the MCP token via refresh_token grant"`,
			want: AuthChallenge{
				Error:            ErrorExpiredToken,
				ErrorDescription: GuidanceExpiredToken,
			},
		},
		{
			name:   "all parameters",
			header: `Bearer realm="https://auth.example.com", scope="read write", resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource"`,
			want: AuthChallenge{
				Realm:               "https://auth.example.com",
				Scope:               "read write",
				ResourceMetadataURL: "https://auth.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "bare bearer",
			header: "Bearer",
			want:   AuthChallenge{},
		},
		{
			name:   "lowercase scheme accepted",
			header: `bearer realm="https://auth.example.com"`,
			want: AuthChallenge{
				Realm: "https://auth.example.com",
			},
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: true,
		},
		{
			name:    "basic scheme rejected",
			header:  `Basic realm="files"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWWWAuthenticate(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWWWAuthenticate(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if *got != tt.want {
				t.Errorf("ParseWWWAuthenticate(%q) = %+v, want %+v", tt.header, got, tt.want)
			}
		})
	}
}

// Headers built by Format must parse back to the same challenge, since
// the middleware emits them and agent-side tooling consumes them.
func TestWWWAuthenticate_RoundTrip(t *testing.T) {
	challenges := []AuthChallenge{
		{Realm: "https://auth.example.com"},
		{Realm: "https://auth.example.com", Error: ErrorMissingToken, ErrorDescription: "Authorization header required"},
		{Error: ErrorThirdPartyReauth, ErrorDescription: GuidanceThirdPartyReauth},
		{Realm: "http://localhost:8090", Scope: "read write mcp"},
	}

	for _, c := range challenges {
		parsed, err := ParseWWWAuthenticate(c.Format())
		if err != nil {
			t.Fatalf("round trip parse of %q failed: %v", c.Format(), err)
		}
		if *parsed != c {
			t.Errorf("round trip of %+v produced %+v", c, parsed)
		}
	}
}
