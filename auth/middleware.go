package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/workersql/workersql/protocol"
)

type contextKey struct{}

// WithPrincipal attaches a verified principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the request's principal, or nil when the request
// bypassed authentication.
func FromContext(ctx context.Context) *Principal {
	var p, _ = ctx.Value(contextKey{}).(*Principal)
	return p
}

// Middleware rejects unauthenticated requests with the standard error
// envelope and threads the principal through the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal, err = v.Verify(r.Header.Get("Authorization"))
		if err != nil {
			var envelope = protocol.WrapError(protocol.CodeAuthError, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(envelope.Code.HTTPStatus())
			_ = json.NewEncoder(w).Encode(struct {
				Success bool            `json:"success"`
				Error   *protocol.Error `json:"error"`
			}{Error: envelope})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
