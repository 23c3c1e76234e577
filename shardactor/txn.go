package shardactor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/protocol"
)

// openTxn is one interactive transaction. inUse guards against a commit
// racing a statement still executing on the same transaction.
type openTxn struct {
	tx       *sql.Tx
	lastUsed time.Time
	inUse    int
}

// txnRegistry tracks interactive transactions by identifier. With the
// SQLite engine an open transaction holds the actor's sole connection,
// which is exactly the single-writer boundary: other statements queue
// until the transaction finishes or expires.
type txnRegistry struct {
	mu sync.Mutex
	m  map[string]*openTxn
}

func newTxnRegistry() *txnRegistry {
	return &txnRegistry{m: make(map[string]*openTxn)}
}

func (r *txnRegistry) begin(ctx context.Context, db *sql.DB) (string, error) {
	var tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		return "", classifyEngineError(err)
	}
	var id = uuid.NewString()

	r.mu.Lock()
	r.m[id] = &openTxn{tx: tx, lastUsed: time.Now()}
	openTxns.Set(float64(len(r.m)))
	r.mu.Unlock()
	return id, nil
}

// get returns the transaction and marks it in use; callers pair it with
// release.
func (r *txnRegistry) get(id string) (*sql.Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open, ok = r.m[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"transaction %s is not open", id)
	}
	open.inUse++
	open.lastUsed = time.Now()
	return open.tx, nil
}

func (r *txnRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if open, ok := r.m[id]; ok {
		open.inUse--
		open.lastUsed = time.Now()
	}
}

func (r *txnRegistry) finish(id string, commit bool) error {
	r.mu.Lock()
	var open, ok = r.m[id]
	if ok {
		delete(r.m, id)
	}
	openTxns.Set(float64(len(r.m)))
	r.mu.Unlock()

	if !ok {
		return protocol.NewError(protocol.CodeInvalidQuery,
			"transaction %s is not open", id)
	}
	var err error
	if commit {
		err = open.tx.Commit()
	} else {
		err = open.tx.Rollback()
	}
	if err != nil {
		return classifyEngineError(err)
	}
	return nil
}

func (r *txnRegistry) expireIdle(idle time.Duration) int {
	var cutoff = time.Now().Add(-idle)

	r.mu.Lock()
	var expired []string
	for id, open := range r.m {
		if open.inUse == 0 && open.lastUsed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if err := r.finish(id, false); err == nil {
			log.WithField("txn", id).Warn("rolled back idle transaction")
		}
	}
	return len(expired)
}

func (r *txnRegistry) closeAll() {
	r.mu.Lock()
	var ids = make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.finish(id, false)
	}
}
