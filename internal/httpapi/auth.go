package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "relaygraph"

const (
	scopeGraphRead      = "graph:read"
	scopeSyncTrigger    = "sync:trigger"
	scopeWorkspaceAdmin = "workspace:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	WorkspaceID string
	AgentName   string
	Scopes      map[string]struct{}
	ExpiresAt   time.Time
}

func authorizeBearer(authHeader, jwtSecret, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return tokenClaims{}, forbidden("workspace mismatch")
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithAudience(tokenAudience),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(func() time.Time { return now }),
	)
	payload := gojwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, payload, func(*gojwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gojwt.ErrTokenMalformed):
			return tokenClaims{}, unauthorized("invalid jwt format")
		case errors.Is(err, gojwt.ErrTokenSignatureInvalid):
			return tokenClaims{}, unauthorized("jwt signature mismatch")
		case errors.Is(err, gojwt.ErrTokenExpired):
			return tokenClaims{}, unauthorized("token expired")
		case errors.Is(err, gojwt.ErrTokenInvalidAudience):
			return tokenClaims{}, unauthorized("invalid aud claim")
		case errors.Is(err, gojwt.ErrTokenRequiredClaimMissing):
			return tokenClaims{}, unauthorized("missing exp claim")
		default:
			return tokenClaims{}, unauthorized("invalid token")
		}
	}

	workspaceID, ok := payload["workspace_id"].(string)
	if !ok || workspaceID == "" {
		return tokenClaims{}, unauthorized("missing workspace_id claim")
	}
	agentName, ok := payload["agent_name"].(string)
	if !ok || agentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	exp, err := payload.GetExpirationTime()
	if err != nil || exp == nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}

	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}

	return tokenClaims{
		WorkspaceID: workspaceID,
		AgentName:   agentName,
		Scopes:      scopes,
		ExpiresAt:   exp.Time,
	}, nil
}

// parseScopes accepts a JSON array or a space separated string.
func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
