package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/server"

	"github.com/workersql/workersql/auth"
	"github.com/workersql/workersql/batch"
	"github.com/workersql/workersql/protocol"
)

// RegisterAPIs registers the gateway HTTP API with the *Server instance.
func RegisterAPIs(srv *server.Server, gw *Gateway) {
	var router = mux.NewRouter()
	srv.HTTPMux.Handle("/", router)
	RegisterRoutes(router, gw)
}

// RegisterRoutes binds handlers onto an existing router; split out so
// tests can drive the API without a gazette server.
//
// Middleware order: HTTPS enforcement, then country and IP screening,
// then authentication, then body limits. /health and /metrics bypass
// authentication.
func RegisterRoutes(router *mux.Router, gw *Gateway) {
	router.Path("/health").Methods("GET").HandlerFunc(gw.handleHealth)
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	var api = router.NewRoute().Subrouter()
	api.Use(gw.perimeter, gw.Verifier.Middleware, gw.bodyLimit)

	api.Path("/sql").Methods("POST").HandlerFunc(gw.handleQuery(anyStatement))
	api.Path("/sql/mutation").Methods("POST").HandlerFunc(gw.handleQuery(mutationsOnly))
	api.Path("/sql/ddl").Methods("POST").HandlerFunc(gw.handleQuery(ddlOnly))
	api.Path("/sql/batch").Methods("POST").HandlerFunc(gw.handleBatch)
	api.Path("/transaction").Methods("POST").HandlerFunc(gw.handleTransaction)
	api.Path("/ws").HandlerFunc(gw.handleWS)

	var admin = api.PathPrefix("/admin").Subrouter()
	admin.Use(gw.requireAdmin)
	registerAdminRoutes(admin, gw)
}

func (g *Gateway) handleQuery(restrict restriction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.QueryRequest
		g.serveJSON(w, r, &req, func(ctx context.Context, tenantID string) (interface{}, error) {
			return g.query(ctx, tenantID, req, restrict)
		})
	}
}

func (g *Gateway) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req protocol.TxnRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, tenantID string) (interface{}, error) {
		return g.transaction(ctx, tenantID, req)
	})
}

// handleBatch is hand-rolled rather than served through serveJSON
// because clamp rejections answer 413 and replays signal via header.
func (g *Gateway) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, protocol.NewError(protocol.CodeInvalidQuery,
			"decoding request body: %s", err))
		return
	}
	var principal = auth.FromContext(r.Context())

	var ctx, cancel = g.requestContext(r)
	defer cancel()

	var resp, replayed, err = g.Batches.Execute(
		ctx, principal.TenantID, req, r.Header.Get("Idempotency-Key"))

	var limitErr *batch.LimitError
	if errors.As(err, &limitErr) {
		requests.WithLabelValues(r.URL.Path, "limit").Inc()
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_ = json.NewEncoder(w).Encode(protocol.WrapError(protocol.CodeResourceLimit, err))
		return
	} else if err != nil {
		writeError(w, r, err)
		return
	}

	if replayed {
		w.Header().Add("Idempotency-Replayed", "true")
	}
	requests.WithLabelValues(r.URL.Path, "ok").Inc()
	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	var status = map[string]interface{}{"status": "healthy"}
	if _, err := g.Policy.Active(r.Context()); err != nil {
		status["status"] = "degraded"
		status["routing"] = err.Error()
	}
	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// requestContext applies the configured end-to-end deadline.
func (g *Gateway) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if g.cfg.RequestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
}

// serveJSON decodes the request body into req (when non-nil), runs fn
// under the request deadline with the caller's tenant, and writes either
// its response or the classified error envelope.
func (g *Gateway) serveJSON(w http.ResponseWriter, r *http.Request, req interface{}, fn func(ctx context.Context, tenantID string) (interface{}, error)) {
	if req != nil {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, protocol.NewError(protocol.CodeInvalidQuery,
				"decoding request body: %s", err))
			return
		}
	}
	var principal = auth.FromContext(r.Context())
	if principal == nil {
		writeError(w, r, protocol.NewError(protocol.CodeAuthError,
			"request has no principal"))
		return
	}

	var ctx, cancel = g.requestContext(r)
	defer cancel()

	var resp, err = fn(ctx, principal.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	requests.WithLabelValues(r.URL.Path, "ok").Inc()
	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe = protocol.WrapError(protocol.CodeOf(err), err)
	requests.WithLabelValues(r.URL.Path, string(pe.Code)).Inc()
	log.WithFields(log.Fields{
		"err":    err,
		"url":    r.URL.String(),
		"client": r.RemoteAddr,
	}).Warn("gateway request failed")

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(pe.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(pe)
}
