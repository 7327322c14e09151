package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// OperatorContextKey is the context key for operator information
	OperatorContextKey ContextKey = "operator"
)

// Middleware authenticates operator routes with a bearer JWT or an
// X-API-Key header.
type Middleware struct {
	jwtManager *JWTManager
	apiKeys    *APIKeyVerifier
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. Either credential
// source may be nil.
func NewMiddleware(jwtManager *JWTManager, apiKeys *APIKeyVerifier, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		jwtManager: jwtManager,
		apiKeys:    apiKeys,
		skipAuth:   skipAuth,
		logger:     logger,
	}
}

// Authenticate resolves the operator for r.
func (m *Middleware) Authenticate(r *http.Request) (*Operator, error) {
	if m.skipAuth {
		return &Operator{Subject: "dev", Role: RoleAdmin, Scopes: ScopesForRole(RoleAdmin), TokenType: "none"}, nil
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if m.jwtManager == nil {
			return nil, ErrInvalidCredentials
		}
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		return m.jwtManager.ValidateToken(token)
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return m.apiKeys.Verify(apiKey)
	}
	return nil, ErrMissingCredentials
}

// Require wraps next so it only runs for operators holding every scope.
func (m *Middleware) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, err := m.Authenticate(r)
			if err != nil {
				m.logger.Debug("Operator authentication failed",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				msg := `{"error":"Invalid credentials"}`
				if errors.Is(err, ErrMissingCredentials) {
					msg = `{"error":"Authentication required"}`
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}
			ctx := context.WithValue(r.Context(), OperatorContextKey, op)
			if err := RequireScopes(ctx, scopes...); err != nil {
				writeError(w, http.StatusForbidden, `{"error":"Insufficient scope"}`)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// RequireScopes checks if the operator has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	op, err := GetOperator(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !op.HasScope(required) {
			return ErrInsufficientScope
		}
	}
	return nil
}

// GetOperator extracts the operator from context
func GetOperator(ctx context.Context) (*Operator, error) {
	op, ok := ctx.Value(OperatorContextKey).(*Operator)
	if !ok || op == nil {
		return nil, ErrMissingCredentials
	}
	return op, nil
}
