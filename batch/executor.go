// Package batch executes ordered multi-statement mutations with size
// clamps and caller-keyed idempotency. A batch is mutation-only; it runs
// either atomically on the owning shard or statement-by-statement, and a
// replay under the same Idempotency-Key returns the first execution's
// response byte for byte.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/isolate"
	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shard"
)

// Limits clamp one batch. A violation rejects the whole batch before any
// statement executes.
type Limits struct {
	// MaxOps caps the statement count.
	MaxOps int
	// MaxBytes caps the summed SQL and encoded-parameter size.
	MaxBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxOps: 100, MaxBytes: 1 << 20}
}

// LimitError reports a clamp violation. The gateway maps it to HTTP 413.
type LimitError struct {
	Ops      int
	Bytes    int
	ExceedBy string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("batch exceeds %s limit (%d statements, %d bytes)",
		e.ExceedBy, e.Ops, e.Bytes)
}

// Executor runs batches for tenants.
type Executor struct {
	limits   Limits
	filter   isolate.Filter
	policy   *routing.Poller
	shards   shard.Client
	breakers *breaker.Set
	bus      bus.Bus
	records  *RecordStore
}

func NewExecutor(limits Limits, filter isolate.Filter, policy *routing.Poller,
	shards shard.Client, breakers *breaker.Set, b bus.Bus, records *RecordStore) *Executor {
	if limits.MaxOps <= 0 {
		limits.MaxOps = DefaultLimits().MaxOps
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits().MaxBytes
	}
	return &Executor{
		limits:   limits,
		filter:   filter,
		policy:   policy,
		shards:   shards,
		breakers: breakers,
		bus:      b,
		records:  records,
	}
}

// Execute runs one batch. idemKey is the caller's Idempotency-Key, empty
// for none; replayed reports whether the response was served from an
// idempotency record rather than executed.
func (e *Executor) Execute(ctx context.Context, tenantID string, req protocol.BatchRequest, idemKey string) (resp *protocol.BatchResponse, replayed bool, err error) {
	if err = e.clamp(req); err != nil {
		return nil, false, err
	}
	if len(req.Batch) == 0 {
		return &protocol.BatchResponse{Success: true}, false, nil
	}
	var prepared *preparedBatch
	if prepared, err = e.prepare(tenantID, req); err != nil {
		return nil, false, err
	}

	var raw []byte
	raw, replayed, err = e.records.Run(ctx, "batch:"+tenantID, idemKey, func() ([]byte, error) {
		var execResp, execErr = e.run(ctx, tenantID, req, prepared)
		if execErr != nil {
			return nil, execErr
		}
		return json.Marshal(execResp)
	})
	if err != nil {
		return nil, false, err
	}

	resp = new(protocol.BatchResponse)
	if err = json.Unmarshal(raw, resp); err != nil {
		return nil, false, fmt.Errorf("decoding recorded batch response: %w", err)
	}
	if !replayed {
		batches.Inc()
	}
	return resp, replayed, nil
}

func (e *Executor) clamp(req protocol.BatchRequest) error {
	var bytes = 0
	for _, stmt := range req.Batch {
		bytes += len(stmt.SQL)
		if len(stmt.Params) != 0 {
			if encoded, err := json.Marshal(stmt.Params); err == nil {
				bytes += len(encoded)
			}
		}
	}
	var lerr = &LimitError{Ops: len(req.Batch), Bytes: bytes}
	if len(req.Batch) > e.limits.MaxOps {
		lerr.ExceedBy = "statement-count"
		return lerr
	}
	if bytes > e.limits.MaxBytes {
		lerr.ExceedBy = "payload-size"
		return lerr
	}
	return nil
}

// preparedBatch is a batch after classification and tenant rewrite.
type preparedBatch struct {
	statements []protocol.BatchStatement
	tables     []string
}

// prepare classifies and rewrites every statement up front, so a batch
// containing a read or an unroutable statement rejects before anything
// executes.
func (e *Executor) prepare(tenantID string, req protocol.BatchRequest) (*preparedBatch, error) {
	var out = &preparedBatch{}
	var seen = make(map[string]bool)

	for i, item := range req.Batch {
		var stmt = classify.Classify(item.SQL)
		if !stmt.IsMutation {
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"batch statement %d is not a mutation", i)
		}
		var rewritten, err = e.filter.Rewrite(item.SQL, stmt, tenantID)
		if err != nil {
			return nil, fmt.Errorf("batch statement %d: %w", i, err)
		}
		out.statements = append(out.statements, protocol.BatchStatement{
			SQL:    rewritten.SQL,
			Params: item.Params,
		})
		if stmt.Table != "" && !seen[stmt.Table] {
			seen[stmt.Table] = true
			out.tables = append(out.tables, stmt.Table)
		}
	}
	return out, nil
}

func (e *Executor) run(ctx context.Context, tenantID string, req protocol.BatchRequest, prepared *preparedBatch) (*protocol.BatchResponse, error) {
	var assignment, _, err = e.policy.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var resp *protocol.BatchResponse
	if req.Transaction {
		resp, err = e.runAtomic(ctx, tenantID, assignment, prepared)
	} else {
		resp, err = e.runSequential(ctx, tenantID, assignment, prepared, req.StopOnError)
	}
	if err != nil {
		return nil, err
	}

	e.publishInvalidations(ctx, tenantID, prepared.tables)
	return resp, nil
}

// runAtomic executes the whole batch in one shard transaction: all
// statements commit or none do.
func (e *Executor) runAtomic(ctx context.Context, tenantID string, assignment routing.Assignment, prepared *preparedBatch) (*protocol.BatchResponse, error) {
	var req = protocol.BatchExecuteRequest{
		Statements: prepared.statements,
		TenantID:   tenantID,
	}

	var resp *protocol.BatchExecuteResponse
	var err = e.breakers.For(assignment.Shard).Do(func() error {
		var execErr error
		resp, execErr = e.shards.ExecuteBatch(ctx, assignment.Shard, req)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	for _, mirror := range assignment.Mirrors {
		if _, mirrorErr := e.shards.ExecuteBatch(ctx, mirror, req); mirrorErr != nil {
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"mirror": mirror,
				"err":    mirrorErr,
			}).Warn("dual-write batch mirror failed")
		}
	}

	var out = protocol.BatchResponse{Success: true}
	for _, result := range resp.Results {
		out.Data.TotalRowsAffected += result.RowsAffected
		out.Data.Results = append(out.Data.Results, protocol.BatchResult{
			Success:      true,
			RowsAffected: result.RowsAffected,
			InsertID:     result.InsertID,
		})
	}
	return &out, nil
}

// runSequential executes statements in order. Failures record per
// statement; stopOnError halts at the first one, leaving the remainder
// unattempted.
func (e *Executor) runSequential(ctx context.Context, tenantID string, assignment routing.Assignment, prepared *preparedBatch, stopOnError bool) (*protocol.BatchResponse, error) {
	var out = protocol.BatchResponse{Success: true}

	for _, stmt := range prepared.statements {
		var req = protocol.ExecuteRequest{
			SQL:      stmt.SQL,
			Params:   stmt.Params,
			TenantID: tenantID,
		}
		var resp *protocol.ExecuteResponse
		var err = e.breakers.For(assignment.Shard).Do(func() error {
			var execErr error
			resp, execErr = e.shards.Execute(ctx, assignment.Shard, req)
			return execErr
		})
		if err != nil {
			out.Success = false
			out.Data.Results = append(out.Data.Results, protocol.BatchResult{
				Error: protocol.WrapError(protocol.CodeOf(err), err),
			})
			if stopOnError {
				break
			}
			continue
		}

		for _, mirror := range assignment.Mirrors {
			if _, mirrorErr := e.shards.Execute(ctx, mirror, req); mirrorErr != nil {
				log.WithFields(log.Fields{
					"tenant": tenantID,
					"mirror": mirror,
					"err":    mirrorErr,
				}).Warn("dual-write batch mirror failed")
			}
		}
		out.Data.TotalRowsAffected += resp.RowsAffected
		out.Data.Results = append(out.Data.Results, protocol.BatchResult{
			Success:      true,
			RowsAffected: resp.RowsAffected,
			InsertID:     resp.InsertID,
		})
	}
	return &out, nil
}

func (e *Executor) publishInvalidations(ctx context.Context, tenantID string, tables []string) {
	if len(tables) == 0 {
		return
	}
	var keys = make([]string, 0, len(tables))
	for _, table := range tables {
		keys = append(keys, cache.BaseKey(tenantID, table))
	}
	var err = e.bus.Publish(ctx, protocol.InvalidateEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Keys:     keys,
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		log.WithFields(log.Fields{"tenant": tenantID, "err": err}).
			Warn("failed to publish batch invalidation event")
	}
}
