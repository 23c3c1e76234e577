package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/protocol"
)

// txnSession is one open transaction, pinned to the shard that owned the
// tenant at begin time. tables accumulates mutated tables so commit can
// publish their invalidations.
type txnSession struct {
	id       string
	tenantID string
	shardID  string
	tables   map[string]bool
	lastUsed time.Time
}

// txnRegistry tracks open transactions across HTTP and WebSocket flows.
type txnRegistry struct {
	mu       sync.Mutex
	idle     time.Duration
	sessions map[string]*txnSession
}

func newTxnRegistry(idle time.Duration) *txnRegistry {
	if idle <= 0 {
		idle = time.Minute
	}
	return &txnRegistry{idle: idle, sessions: make(map[string]*txnSession)}
}

func (r *txnRegistry) add(s *txnSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.lastUsed = time.Now()
	r.sessions[s.id] = s
	openTxns.Inc()
}

// claim returns the tenant's session and refreshes its idle clock.
func (r *txnRegistry) claim(txnID, tenantID string) (*txnSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s, ok = r.sessions[txnID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"transaction %s is not open", txnID)
	}
	if s.tenantID != tenantID {
		return nil, protocol.NewError(protocol.CodePermissionError,
			"transaction %s belongs to another tenant", txnID)
	}
	s.lastUsed = time.Now()
	return s, nil
}

func (r *txnRegistry) remove(txnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[txnID]; ok {
		delete(r.sessions, txnID)
		openTxns.Dec()
	}
}

// idleSessions returns sessions untouched for longer than the idle
// timeout, removing them from the registry.
func (r *txnRegistry) idleSessions(now time.Time) []*txnSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*txnSession
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) > r.idle {
			out = append(out, s)
			delete(r.sessions, id)
			openTxns.Dec()
		}
	}
	return out
}

// beginTxn opens a transaction on the tenant's owning shard.
func (g *Gateway) beginTxn(ctx context.Context, tenantID string) (*protocol.TxnResponse, error) {
	var assignment, _, err = g.Policy.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var resp *protocol.TxnResponse
	if err = g.Breakers.For(assignment.Shard).Do(func() error {
		var txnErr error
		resp, txnErr = g.Shards.Txn(ctx, assignment.Shard, protocol.TxnRequest{
			Operation: protocol.TxnBegin,
		})
		return txnErr
	}); err != nil {
		return nil, err
	}

	g.txns.add(&txnSession{
		id:       resp.TransactionID,
		tenantID: tenantID,
		shardID:  assignment.Shard,
		tables:   make(map[string]bool),
	})
	return resp, nil
}

// finishTxn commits or rolls back. Commit publishes invalidations for
// every table the transaction mutated.
func (g *Gateway) finishTxn(ctx context.Context, tenantID, txnID string, op protocol.TxnOperation) (*protocol.TxnResponse, error) {
	var s, err = g.txns.claim(txnID, tenantID)
	if err != nil {
		return nil, err
	}
	defer g.txns.remove(txnID)

	resp, err := g.Shards.Txn(ctx, s.shardID, protocol.TxnRequest{
		Operation:     op,
		TransactionID: txnID,
	})
	if err != nil {
		return nil, err
	}

	if op == protocol.TxnCommit && len(s.tables) != 0 {
		var keys []string
		for table := range s.tables {
			keys = append(keys, cache.BaseKey(tenantID, table))
		}
		if pubErr := g.Bus.Publish(ctx, protocol.InvalidateEvent{
			ID:       uuid.NewString(),
			TenantID: tenantID,
			Keys:     keys,
			Ts:       time.Now().UnixMilli(),
		}); pubErr != nil {
			// Entries still expire by TTL; the loss is bounded staleness.
			log.WithFields(log.Fields{"txn": txnID, "err": pubErr}).
				Warn("failed to publish commit invalidations")
		}
	}
	return resp, nil
}

// executeInTxn runs one isolated statement inside an open transaction on
// its pinned shard. Cached reads are never served inside a transaction.
func (g *Gateway) executeInTxn(ctx context.Context, tenantID, txnID, sql string, stmt classify.Statement, params []protocol.Param) (*protocol.QueryResponse, error) {
	var s, err = g.txns.claim(txnID, tenantID)
	if err != nil {
		return nil, err
	}

	var started = time.Now()
	resp, err := g.Shards.Execute(ctx, s.shardID, protocol.ExecuteRequest{
		SQL:      sql,
		Params:   params,
		TenantID: tenantID,
		TxnID:    txnID,
	})
	if err != nil {
		return nil, err
	}
	if stmt.IsMutation && stmt.Table != "" {
		s.tables[stmt.Table] = true
	}

	return &protocol.QueryResponse{
		Success:       true,
		Data:          resp.Rows,
		RowsAffected:  resp.RowsAffected,
		InsertID:      resp.InsertID,
		ExecutionTime: float64(time.Since(started).Microseconds()) / 1000.0,
		Metadata: &protocol.QueryMetadata{
			ShardID: s.shardID,
			Version: resp.Version,
		},
	}, nil
}

// expireIdleTxns rolls back transactions idle past the timeout.
func (g *Gateway) expireIdleTxns(ctx context.Context) int {
	var expired = g.txns.idleSessions(time.Now())
	for _, s := range expired {
		if _, err := g.Shards.Txn(ctx, s.shardID, protocol.TxnRequest{
			Operation:     protocol.TxnRollback,
			TransactionID: s.id,
		}); err != nil {
			log.WithFields(log.Fields{"txn": s.id, "shard": s.shardID, "err": err}).
				Warn("rolling back idle transaction failed")
		}
		expiredTxns.Inc()
	}
	return len(expired)
}
