package shardactor

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/server"

	"github.com/workersql/workersql/protocol"
)

// RegisterAPIs registers the actor's HTTP API with the *Server instance.
// The gateway's shard client is the sole caller; bodies are JSON and
// errors travel as protocol.Error envelopes.
func RegisterAPIs(srv *server.Server, actor *Actor) {
	var router = mux.NewRouter()
	srv.HTTPMux.Handle("/", router)
	RegisterRoutes(router, actor)
}

// RegisterRoutes binds handlers onto an existing router; split out so
// tests can drive the API without a gazette server.
func RegisterRoutes(router *mux.Router, actor *Actor) {
	router.Path("/execute").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ExecuteRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.Execute(r.Context(), req)
		})
	})
	// Tail replay addresses mutations and DDL by distinct resources; both
	// apply through the same serialized path.
	for _, p := range []string{"/mutation", "/ddl"} {
		router.Path(p).Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req protocol.ExecuteRequest
			serveJSON(w, r, &req, func() (interface{}, error) {
				return actor.Execute(r.Context(), req)
			})
		})
	}
	router.Path("/batch").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.BatchExecuteRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.ExecuteBatch(r.Context(), req)
		})
	})
	router.Path("/txn").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.TxnRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.Txn(r.Context(), req)
		})
	})
	router.Path("/export").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ExportRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.Export(r.Context(), req)
		})
	})
	router.Path("/import").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ImportRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.Import(r.Context(), req)
		})
	})
	router.Path("/events").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.EventsRequest
		serveJSON(w, r, &req, func() (interface{}, error) {
			return actor.Events(r.Context(), req)
		})
	})
	router.Path("/tables").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, r, nil, func() (interface{}, error) {
			var tables, err = actor.Tables(r.Context())
			if err != nil {
				return nil, err
			}
			return &protocol.TablesResponse{Tables: tables}, nil
		})
	})
	router.Path("/status").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, r, nil, func() (interface{}, error) {
			return actor.Status(r.Context()), nil
		})
	})
}

// serveJSON decodes the request body into req (when non-nil), runs fn,
// and writes either its response or the classified error envelope.
func serveJSON(w http.ResponseWriter, r *http.Request, req interface{}, fn func() (interface{}, error)) {
	if req != nil {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, protocol.NewError(protocol.CodeInvalidQuery,
				"decoding request body: %s", err))
			return
		}
	}
	var resp, err = fn()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe = protocol.WrapError(protocol.CodeOf(err), err)
	log.WithFields(log.Fields{
		"err":    err,
		"url":    r.URL.String(),
		"client": r.RemoteAddr,
	}).Warn("actor request failed")

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(pe.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(pe)
}
