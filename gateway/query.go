package gateway

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/protocol"
)

// restriction narrows which statement classes an endpoint accepts.
type restriction int

const (
	anyStatement restriction = iota
	mutationsOnly
	ddlOnly
)

func (r restriction) check(stmt classify.Statement) error {
	switch r {
	case mutationsOnly:
		if !stmt.IsDML() {
			return protocol.NewError(protocol.CodeInvalidQuery,
				"the mutation endpoint accepts only INSERT, UPDATE and DELETE")
		}
	case ddlOnly:
		if stmt.Kind != classify.DDL {
			return protocol.NewError(protocol.CodeInvalidQuery,
				"the ddl endpoint accepts only schema statements")
		}
	}
	return nil
}

// query classifies, isolates and routes one statement: reads through the
// consistency engine, mutations and DDL to the owning shard, and
// in-transaction statements to their pinned shard.
func (g *Gateway) query(ctx context.Context, tenantID string, req protocol.QueryRequest, restrict restriction) (*protocol.QueryResponse, error) {
	var stmt = classify.Classify(req.SQL)

	// Explicit hints in the body override inline comment directives.
	if req.Hints != nil {
		if req.Hints.Consistency != "" {
			stmt.Hint = req.Hints.Consistency
		}
		if req.Hints.BoundedMs > 0 {
			stmt.BoundedMs = req.Hints.BoundedMs
		}
	}

	if stmt.Kind == classify.Other {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"statement is not routable: %.80s", req.SQL)
	}
	if err := restrict.check(stmt); err != nil {
		return nil, err
	}

	var isolated, err = g.Filter.Rewrite(req.SQL, stmt, tenantID)
	if err != nil {
		return nil, err
	}
	for _, warning := range isolated.Warnings {
		log.WithFields(log.Fields{"tenant": tenantID, "warning": warning}).
			Warn("tenant isolation warning")
	}

	if req.TransactionID != "" {
		return g.executeInTxn(ctx, tenantID, req.TransactionID, isolated.SQL, stmt, req.Params)
	}
	if stmt.Kind == classify.Select {
		return g.Engine.Read(ctx, tenantID, isolated.SQL, stmt, req.Params)
	}
	return g.Engine.Write(ctx, tenantID, isolated.SQL, stmt, req.Params)
}

// transaction serves one /transaction verb.
func (g *Gateway) transaction(ctx context.Context, tenantID string, req protocol.TxnRequest) (*protocol.TxnResponse, error) {
	switch req.Operation {
	case protocol.TxnBegin:
		return g.beginTxn(ctx, tenantID)
	case protocol.TxnCommit, protocol.TxnRollback:
		if req.TransactionID == "" {
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"%s requires a transactionId", req.Operation)
		}
		return g.finishTxn(ctx, tenantID, req.TransactionID, req.Operation)
	default:
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"unknown transaction operation %q", req.Operation)
	}
}
