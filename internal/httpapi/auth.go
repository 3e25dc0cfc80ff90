package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "pingtriage"

// Scopes granted to triage agents. A write scope on a resource implies read
// on the same resource.
const (
	scopePingsRead    = "pings:read"
	scopePingsWrite   = "pings:write"
	scopeSyncRead     = "sync:read"
	scopeSyncWrite    = "sync:write"
	scopeWorkflowRead = "workflow:read"
	scopeAdmin        = "triage:admin"
)

// routeScopes maps every authenticated route to the scope it needs.
var routeScopes = map[string]string{
	"insert_ping":     scopePingsWrite,
	"list_pings":      scopePingsRead,
	"get_ping":        scopePingsRead,
	"attach_analysis": scopePingsWrite,
	"ping_signals":    scopePingsRead,
	"mark_responded":  scopePingsWrite,
	"link_issue":      scopePingsWrite,
	"get_thread":      scopePingsRead,
	"thread_pings":    scopePingsRead,
	"pending_issues":  scopePingsRead,
	"get_sync":        scopeSyncRead,
	"set_sync":        scopeSyncWrite,
	"stats":           scopePingsRead,
	"events":          scopePingsRead,
	"workflow":        scopeWorkflowRead,
}

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

type agentClaims struct {
	AgentName string
	Scopes    map[string]struct{}
	Exp       int64
}

// grants reports whether the claims cover scope. triage:admin covers all.
func (c agentClaims) grants(scope string) bool {
	if _, ok := c.Scopes[scopeAdmin]; ok {
		return true
	}
	if _, ok := c.Scopes[scope]; ok {
		return true
	}
	if resource, action, ok := strings.Cut(scope, ":"); ok && action == "read" {
		_, ok := c.Scopes[resource+":write"]
		return ok
	}
	return false
}

// authorizeRoute verifies the bearer token and checks it against the scope the
// route needs. Unknown routes are refused rather than left open.
func authorizeRoute(authHeader, jwtSecret, route string, now time.Time) (agentClaims, *authError) {
	claims, err := verifyAgentToken(authHeader, jwtSecret, now)
	if err != nil {
		return agentClaims{}, err
	}
	scope, known := routeScopes[route]
	if !known {
		return agentClaims{}, forbidden("no scope defined for route " + route)
	}
	if !claims.grants(scope) {
		return agentClaims{}, forbidden("missing required scope: " + scope)
	}
	return claims, nil
}

func verifyAgentToken(authHeader, jwtSecret string, now time.Time) (agentClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return agentClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return agentClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segments[0], &header); err != nil {
		return agentClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return agentClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return agentClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(segments[0] + "." + segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return agentClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload struct {
		AgentName string          `json:"agent_name"`
		Audience  string          `json:"aud"`
		Exp       json.RawMessage `json:"exp"`
		Scopes    json.RawMessage `json:"scopes"`
	}
	if err := decodeSegment(segments[1], &payload); err != nil {
		return agentClaims{}, unauthorized("invalid jwt payload")
	}
	if payload.AgentName == "" {
		return agentClaims{}, unauthorized("missing agent_name claim")
	}
	exp, err := parseExp(payload.Exp)
	if err != nil {
		return agentClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return agentClaims{}, unauthorized("token expired")
	}
	if payload.Audience != tokenAudience {
		return agentClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return agentClaims{}, forbidden("no scopes granted")
	}
	return agentClaims{AgentName: payload.AgentName, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// parseScopes accepts either a JSON array of scopes or a space separated
// string.
func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing exp")
	}
	var exp json.Number
	if err := json.Unmarshal(raw, &exp); err != nil {
		return 0, err
	}
	if n, err := exp.Int64(); err == nil {
		return n, nil
	}
	f, err := exp.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
