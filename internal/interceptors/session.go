// Package interceptors tags outbound collaborator calls with the research
// session they serve.
package interceptors

import (
	"context"
	"net/http"
)

// SessionHeader carries the session id on outbound HTTP requests.
const SessionHeader = "X-Session-ID"

type sessionKey struct{}

// WithSessionID returns ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFrom returns the session id carried by ctx, or "".
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// SessionHTTPRoundTripper adds session metadata to outgoing HTTP requests
type SessionHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewSessionHTTPRoundTripper wraps base, defaulting to http.DefaultTransport.
func NewSessionHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &SessionHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. The caller's request is never
// mutated.
func (s *SessionHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if id := SessionIDFrom(req.Context()); id != "" && req.Header.Get(SessionHeader) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(SessionHeader, id)
	}
	return s.base.RoundTrip(req)
}
