// Package gateway is the client-facing HTTP and WebSocket surface. It
// authenticates callers, classifies and tenant-isolates their SQL,
// routes reads through the consistency engine and writes to the owning
// shard, and exposes the privileged /admin operations: routing policy,
// shard splits, snapshot backup and restore, and shard passthrough.
package gateway

import (
	"github.com/workersql/workersql/auth"
	"github.com/workersql/workersql/backup"
	"github.com/workersql/workersql/batch"
	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/consistency"
	"github.com/workersql/workersql/isolate"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shard"
	"github.com/workersql/workersql/split"
)

// Dependencies bundles the subsystems a Gateway serves. Backups may be
// nil when no object store is configured; everything else is required.
type Dependencies struct {
	Engine   *consistency.Engine
	Batches  *batch.Executor
	Filter   isolate.Filter
	Verifier *auth.Verifier
	Shards   shard.Client
	Policy   *routing.Poller
	Store    routing.Store
	Splits   *split.Controller
	Backups  *backup.Manager
	Bus      bus.Bus
	Records  *batch.RecordStore
	Breakers *breaker.Set
}

// Gateway is one gateway instance.
type Gateway struct {
	Dependencies
	cfg  Config
	txns *txnRegistry
}

func New(cfg Config, deps Dependencies) *Gateway {
	return &Gateway{
		Dependencies: deps,
		cfg:          cfg,
		txns:         newTxnRegistry(cfg.TxnIdleTimeout),
	}
}
