package auth

import "errors"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInsufficientScope  = errors.New("insufficient scope")
)

// Operator is the authenticated caller of an operator route.
type Operator struct {
	Subject   string   `json:"subject"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"` // jwt or api_key
}

// HasScope reports whether the operator carries scope.
func (o *Operator) HasScope(scope string) bool {
	for _, s := range o.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scopes for operator routes
const (
	ScopeHistoryRead   = "history:read"
	ScopeHistoryWrite  = "history:write"
	ScopeSessionsWrite = "sessions:write"
	ScopeCacheManage   = "cache:manage"
)

// Operator roles
const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

// ScopesForRole returns the default scopes for a role.
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeHistoryRead, ScopeHistoryWrite, ScopeSessionsWrite, ScopeCacheManage}
	default: // RoleViewer
		return []string{ScopeHistoryRead}
	}
}
