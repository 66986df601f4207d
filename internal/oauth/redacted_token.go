package oauth

// RedactedToken wraps a secret token value so it cannot leak through
// logging or serialization by accident. Every textual rendering, including
// %v, %#v, JSON, and plain text marshaling, produces "[REDACTED]"; only an
// explicit Value call reveals the secret.
type RedactedToken struct {
	value string
}

// NewRedactedToken wraps a token value.
func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the wrapped secret.
func (t RedactedToken) Value() string {
	return t.value
}

// IsEmpty reports whether no token is wrapped.
func (t RedactedToken) IsEmpty() bool {
	return t.value == ""
}

// String implements fmt.Stringer.
func (t RedactedToken) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer, covering the %#v verb.
func (t RedactedToken) GoString() string {
	return "oauth.RedactedToken{value: \"[REDACTED]\"}"
}

// MarshalText implements encoding.TextMarshaler.
func (t RedactedToken) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// MarshalJSON implements json.Marshaler.
func (t RedactedToken) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
