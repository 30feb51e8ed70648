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

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func pushTokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("X-Relaymail-Token")
}

// verifyPushToken is a no-op when no token is configured.
func verifyPushToken(expected, provided string) *authError {
	if expected == "" {
		return nil
	}
	if provided == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing push token"}
	}
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return &authError{status: 403, code: "forbidden", message: "invalid push token"}
	}
	return nil
}

type adminClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// authorizeAdmin accepts any request when secret is empty.
func authorizeAdmin(authHeader, secret, requiredScope string, now time.Time) *authError {
	if secret == "" {
		return nil
	}
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return err
	}
	if _, ok := claims.Scopes[requiredScope]; !ok {
		if _, all := claims.Scopes["admin"]; !all {
			return &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
		}
	}
	return nil
}

func parseBearer(authHeader, secret string, now time.Time) (adminClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Alg != "HS256" {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "relaymail" {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	subject, _ := payload["sub"].(string)
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return adminClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return adminClaims{Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
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

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
