// Package auth verifies request principals at the gateway perimeter. A
// principal arrives either as an HS256-signed JWT carrying a tenantId
// claim, or as a pre-shared API token from the operator's allowlist.
// Token issuance is external; this package only consumes them.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/workersql/workersql/protocol"
)

// Principal is a verified caller identity.
type Principal struct {
	TenantID string
	Subject  string
	// Method records how the principal was established: "jwt" or "token".
	Method string
}

// Claims is the JWT claim set the gateway accepts.
type Claims struct {
	TenantID string `json:"tenantId"`
	jwt.RegisteredClaims
}

// Config holds verification material.
type Config struct {
	// JWTSecret is the HS256 signing secret. Empty disables JWT auth.
	JWTSecret string
	// APITokens maps pre-shared tokens to their tenant.
	APITokens map[string]string
}

// Verifier turns Authorization headers into principals.
type Verifier struct {
	secret []byte
	tokens map[string]string
}

func NewVerifier(cfg Config) *Verifier {
	var v = &Verifier{tokens: cfg.APITokens}
	if cfg.JWTSecret != "" {
		v.secret = []byte(cfg.JWTSecret)
	}
	return v
}

// Verify authenticates the Authorization header value. The allowlist is
// consulted first; everything else must parse as an HS256 JWT with a
// tenant claim.
func (v *Verifier) Verify(authorization string) (*Principal, error) {
	var raw = strings.TrimSpace(authorization)
	if cut, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = strings.TrimSpace(cut)
	}
	if raw == "" {
		authFailures.WithLabelValues("missing").Inc()
		return nil, protocol.NewError(protocol.CodeAuthError, "request carries no credentials")
	}

	if tenant, ok := v.tokens[raw]; ok {
		return &Principal{TenantID: tenant, Subject: "api-token", Method: "token"}, nil
	}

	if v.secret == nil {
		authFailures.WithLabelValues("unknown_token").Inc()
		return nil, protocol.NewError(protocol.CodeAuthError, "unrecognized credentials")
	}

	var claims Claims
	var _, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		authFailures.WithLabelValues("invalid_jwt").Inc()
		return nil, protocol.NewError(protocol.CodeAuthError, "invalid token: %s", err)
	}

	var tenant = claims.TenantID
	if tenant == "" {
		tenant = claims.Subject
	}
	if tenant == "" {
		authFailures.WithLabelValues("no_tenant").Inc()
		return nil, protocol.NewError(protocol.CodeAuthError, "token carries no tenant claim")
	}
	return &Principal{TenantID: tenant, Subject: claims.Subject, Method: "jwt"}, nil
}
