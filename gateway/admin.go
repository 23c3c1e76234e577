package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/split"
)

// Admin request and response shapes. Shard passthrough bodies name the
// target shard explicitly; tenant isolation does not apply here.

type adminExportRequest struct {
	ShardID string `json:"shardId"`
	protocol.ExportRequest
}

type adminImportRequest struct {
	ShardID string `json:"shardId"`
	protocol.ImportRequest
}

type adminEventsRequest struct {
	ShardID string `json:"shardId"`
	protocol.EventsRequest
}

type adminPolicyRequest struct {
	Tenants map[string]routing.Assignment `json:"tenants,omitempty"`
	Ranges  []routing.Range               `json:"ranges,omitempty"`
}

type adminSplitRequest struct {
	ID      string   `json:"id"`
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	Tenants []string `json:"tenants"`
}

type adminBackupRequest struct {
	ID      string   `json:"id"`
	ShardID string   `json:"shardId"`
	Tenants []string `json:"tenants"`
}

func registerAdminRoutes(router *mux.Router, gw *Gateway) {
	router.Path("/policy").Methods("GET").HandlerFunc(gw.handlePolicyGet)
	router.Path("/policy").Methods("POST").HandlerFunc(gw.handlePolicyPublish)
	router.Path("/policy/audit").Methods("GET").HandlerFunc(gw.handlePolicyAudit)

	router.Path("/shards/split").Methods("GET").HandlerFunc(gw.handleSplitList)
	router.Path("/shards/split").Methods("POST").HandlerFunc(gw.handleSplitPlan)
	router.Path("/shards/split/{id}").Methods("GET").HandlerFunc(gw.handleSplitGet)
	router.Path("/shards/split/{id}/{action}").Methods("POST").HandlerFunc(gw.handleSplitAction)

	router.Path("/export").Methods("POST").HandlerFunc(gw.handleAdminExport)
	router.Path("/import").Methods("POST").HandlerFunc(gw.handleAdminImport)
	router.Path("/events").Methods("POST").HandlerFunc(gw.handleAdminEvents)

	router.Path("/backup").Methods("GET").HandlerFunc(gw.handleBackupList)
	router.Path("/backup").Methods("POST").HandlerFunc(gw.handleBackupSnapshot)
	router.Path("/backup/export").Methods("GET").HandlerFunc(gw.handleBackupExport)
	router.Path("/backup/restore").Methods("POST").HandlerFunc(gw.handleBackupRestore)

	router.Path("/bus/dlq").Methods("GET").HandlerFunc(gw.handleDeadLetters)
	router.Path("/breakers").Methods("GET").HandlerFunc(gw.handleBreakers)
}

func (g *Gateway) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		if v := r.URL.Query().Get("version"); v != "" {
			version, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, protocol.NewError(protocol.CodeInvalidQuery,
					"malformed version %q", v)
			}
			return g.Store.GetByVersion(ctx, version)
		}
		return g.Store.GetActive(ctx)
	})
}

// handlePolicyPublish replaces the active policy's routing tables with
// the requested ones, attributing the publish to the caller.
func (g *Gateway) handlePolicyPublish(w http.ResponseWriter, r *http.Request) {
	var req adminPolicyRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, tenantID string) (interface{}, error) {
		var version, err = routing.Update(ctx, g.Store, tenantID, func(p *routing.Policy) error {
			p.Tenants = req.Tenants
			p.Ranges = req.Ranges
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"version": version}, nil
	})
}

func (g *Gateway) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		var limit = 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		return g.Store.ListAudit(ctx, limit)
	})
}

func (g *Gateway) handleSplitList(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Splits.List(ctx)
	})
}

func (g *Gateway) handleSplitPlan(w http.ResponseWriter, r *http.Request) {
	var req adminSplitRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Splits.Plan(ctx, req.ID, req.Source, req.Target, req.Tenants)
	})
}

func (g *Gateway) handleSplitGet(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Splits.Get(ctx, mux.Vars(r)["id"])
	})
}

// handleSplitAction triggers one lifecycle step. Backfill and tail
// replay run one bounded segment per call; operators (or wsqlctl) call
// repeatedly until done.
func (g *Gateway) handleSplitAction(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		var id = mux.Vars(r)["id"]
		switch action := mux.Vars(r)["action"]; action {
		case "dual-write":
			return g.Splits.StartDualWrite(ctx, id)
		case "backfill":
			var plan, done, err = g.Splits.RunBackfill(ctx, id, split.Budget{
				MaxDuration: 10 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"plan": plan, "done": done}, nil
		case "tail":
			var plan, caughtUp, err = g.Splits.ReplayTail(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"plan": plan, "caughtUp": caughtUp}, nil
		case "verify":
			var mismatches, err = g.Splits.Verify(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"mismatches": mismatches}, nil
		case "cutover":
			return g.Splits.Cutover(ctx, id, r.URL.Query().Get("force") == "true")
		case "rollback":
			return g.Splits.Rollback(ctx, id)
		default:
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"unknown split action %q", action)
		}
	})
}

func (g *Gateway) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	var req adminExportRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Shards.Export(ctx, req.ShardID, req.ExportRequest)
	})
}

func (g *Gateway) handleAdminImport(w http.ResponseWriter, r *http.Request) {
	var req adminImportRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Shards.Import(ctx, req.ShardID, req.ImportRequest)
	})
}

func (g *Gateway) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	var req adminEventsRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		return g.Shards.Events(ctx, req.ShardID, req.EventsRequest)
	})
}

func (g *Gateway) handleBackupList(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		if g.Backups == nil {
			return nil, errNoBackupStore()
		}
		return g.Backups.List(ctx)
	})
}

func (g *Gateway) handleBackupSnapshot(w http.ResponseWriter, r *http.Request) {
	var req adminBackupRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		if g.Backups == nil {
			return nil, errNoBackupStore()
		}
		if req.ID == "" {
			req.ID = time.Now().UTC().Format("20060102T150405") + "-" + req.ShardID
		}
		return g.Backups.Snapshot(ctx, req.ID, req.ShardID, req.Tenants)
	})
}

// handleBackupExport streams one table's tenant rows inline as JSON
// lines, bypassing the object store.
func (g *Gateway) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()
	var shardID, tenant, table = q.Get("shardId"), q.Get("tenantId"), q.Get("table")
	if shardID == "" || tenant == "" || table == "" {
		writeError(w, r, protocol.NewError(protocol.CodeInvalidQuery,
			"an inline export needs shardId, tenantId and table parameters"))
		return
	}

	var ctx, cancel = g.requestContext(r)
	defer cancel()

	w.Header().Add("Content-Type", "application/x-ndjson")
	var enc = json.NewEncoder(w)
	var cursor string
	for {
		var page, err = g.Shards.Export(ctx, shardID, protocol.ExportRequest{
			Table:    table,
			TenantID: tenant,
			Cursor:   cursor,
			Limit:    500,
		})
		if err != nil {
			// Headers are out; the truncated stream is the signal.
			log.WithFields(log.Fields{"shard": shardID, "table": table, "err": err}).
				Warn("inline export aborted")
			return
		}
		for _, row := range page.Rows {
			if err = enc.Encode(row); err != nil {
				return
			}
		}
		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

func (g *Gateway) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	var req adminBackupRequest
	g.serveJSON(w, r, &req, func(ctx context.Context, _ string) (interface{}, error) {
		if g.Backups == nil {
			return nil, errNoBackupStore()
		}
		return g.Backups.Restore(ctx, req.ID, req.ShardID)
	})
}

func (g *Gateway) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(ctx context.Context, _ string) (interface{}, error) {
		var limit = 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		var events, err = g.Bus.DeadLetters(ctx, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"events": events}, nil
	})
}

func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	g.serveJSON(w, r, nil, func(_ context.Context, _ string) (interface{}, error) {
		return g.Breakers.States(), nil
	})
}

func errNoBackupStore() error {
	return protocol.NewError(protocol.CodeInvalidQuery,
		"no backup object store is configured")
}
