package split

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsf/jsondiff"

	"github.com/workersql/workersql/protocol"
)

// Mismatch is one verification finding: a sampled source row whose
// target counterpart is absent or differs.
type Mismatch struct {
	Table  string `json:"table"`
	Tenant string `json:"tenant"`
	RowKey string `json:"rowKey"`
	Diff   string `json:"diff,omitempty"`
}

// Verify samples rows per table and tenant from the source and compares
// them with the target's copy. It is read-only and may run in any phase
// past dual_write.
func (c *Controller) Verify(ctx context.Context, id string) ([]Mismatch, error) {
	var plan, err = c.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var tables []string
	if tables, err = c.shards.Tables(ctx, plan.Source); err != nil {
		return nil, fmt.Errorf("listing source tables: %w", err)
	}

	var out []Mismatch
	for _, table := range tables {
		for _, tenant := range plan.Tenants {
			var mismatches []Mismatch
			if mismatches, err = c.verifyTable(ctx, plan, table, tenant); err != nil {
				return nil, err
			}
			out = append(out, mismatches...)
		}
	}
	verifyMismatches.Add(float64(len(out)))
	return out, nil
}

func (c *Controller) verifyTable(ctx context.Context, plan *Plan, table, tenant string) ([]Mismatch, error) {
	var source, err = c.sampleRows(ctx, plan.Source, table, tenant)
	if err != nil {
		return nil, err
	}
	if len(source) == 0 {
		return nil, nil
	}
	target, err := c.sampleRows(ctx, plan.Target, table, tenant)
	if err != nil {
		return nil, err
	}

	var targetByKey = make(map[string]protocol.Row, len(target))
	for _, row := range target {
		targetByKey[rowKey(row)] = row
	}

	var opts = jsondiff.DefaultConsoleOptions()
	var out []Mismatch
	for _, row := range source {
		var key = rowKey(row)
		var other, ok = targetByKey[key]
		if !ok {
			out = append(out, Mismatch{
				Table: table, Tenant: tenant, RowKey: key,
				Diff: "row is absent on target",
			})
			continue
		}
		var a, _ = json.Marshal(row)
		var b, _ = json.Marshal(other)
		if verdict, diff := jsondiff.Compare(a, b, &opts); verdict != jsondiff.FullMatch {
			out = append(out, Mismatch{Table: table, Tenant: tenant, RowKey: key, Diff: diff})
		}
	}
	return out, nil
}

func (c *Controller) sampleRows(ctx context.Context, shardID, table, tenant string) ([]protocol.Row, error) {
	var resp, err = c.shards.Export(ctx, shardID, protocol.ExportRequest{
		Table:    table,
		TenantID: tenant,
		Limit:    c.cfg.VerifySamples,
	})
	if err != nil {
		return nil, fmt.Errorf("sampling %s rows of %s from %s: %w", tenant, table, shardID, err)
	}
	return resp.Rows, nil
}

// rowKey identifies a row for pairing: its id column when present, else
// its full canonical JSON form.
func rowKey(row protocol.Row) string {
	if id, ok := row["id"]; ok {
		return fmt.Sprintf("id=%v", id)
	}
	var raw, _ = json.Marshal(row)
	return string(raw)
}
