package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/shard"
)

// Manifest describes one snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	ShardID   string    `json:"shardId"`
	Tenants   []string  `json:"tenants"`
	Tables    []string  `json:"tables"`
	Rows      int64     `json:"rows"`
	CreatedAt time.Time `json:"createdAt"`
}

func manifestKey(id string) string { return "backups/" + id + "/manifest.json" }

func tableKey(id, table string) string {
	return "backups/" + id + "/tables/" + table + ".jsonl.gz"
}

// Manager snapshots and restores shard data.
type Manager struct {
	shards shard.Client
	store  ObjectStore
	page   int
}

func NewManager(shards shard.Client, store ObjectStore) *Manager {
	return &Manager{shards: shards, store: store, page: 1000}
}

// Snapshot exports the tenants' rows of every table on the shard into
// the object store under the backup ID.
func (m *Manager) Snapshot(ctx context.Context, id, shardID string, tenants []string) (*Manifest, error) {
	if id == "" || shardID == "" || len(tenants) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"a snapshot needs an id, a shard, and at least one tenant")
	}

	var tables, err = m.shards.Tables(ctx, shardID)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", shardID, err)
	}

	var manifest = Manifest{
		ID:        id,
		ShardID:   shardID,
		Tenants:   append([]string(nil), tenants...),
		Tables:    tables,
		CreatedAt: time.Now().UTC(),
	}
	for _, table := range tables {
		var rows int64
		if rows, err = m.snapshotTable(ctx, id, shardID, table, tenants); err != nil {
			return nil, err
		}
		manifest.Rows += rows
	}

	var raw []byte
	if raw, err = json.Marshal(&manifest); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err = m.store.Put(ctx, manifestKey(id), bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"backup": id,
		"shard":  shardID,
		"tables": len(tables),
		"rows":   manifest.Rows,
	}).Info("snapshot complete")
	return &manifest, nil
}

// snapshotTable streams one table: each line is a JSON row.
func (m *Manager) snapshotTable(ctx context.Context, id, shardID, table string, tenants []string) (int64, error) {
	var buf bytes.Buffer
	var gz = gzip.NewWriter(&buf)
	var enc = json.NewEncoder(gz)

	var rows int64
	for _, tenant := range tenants {
		var cursor string
		for {
			var page, err = m.shards.Export(ctx, shardID, protocol.ExportRequest{
				Table:    table,
				TenantID: tenant,
				Cursor:   cursor,
				Limit:    m.page,
			})
			if err != nil {
				return 0, fmt.Errorf("exporting %s of %s: %w", table, tenant, err)
			}
			for _, row := range page.Rows {
				if err = enc.Encode(row); err != nil {
					return 0, fmt.Errorf("encoding row of %s: %w", table, err)
				}
				rows++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("compressing %s: %w", table, err)
	}

	if err := m.store.Put(ctx, tableKey(id, table), &buf); err != nil {
		return 0, err
	}
	exportedRows.Add(float64(rows))
	return rows, nil
}

// Restore imports a snapshot's rows onto the shard. The target tables
// must already exist; imports are idempotent upserts.
func (m *Manager) Restore(ctx context.Context, id, shardID string) (*Manifest, error) {
	var manifest, err = m.Manifest(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, table := range manifest.Tables {
		if err = m.restoreTable(ctx, id, shardID, table); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{
		"backup": id,
		"shard":  shardID,
		"rows":   manifest.Rows,
	}).Info("restore complete")
	return manifest, nil
}

func (m *Manager) restoreTable(ctx context.Context, id, shardID, table string) error {
	var rc, err = m.store.Get(ctx, tableKey(id, table))
	if err != nil {
		return err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", table, err)
	}
	var dec = json.NewDecoder(gz)

	var batch []protocol.Row
	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var _, importErr = m.shards.Import(ctx, shardID, protocol.ImportRequest{
			Table: table,
			Rows:  batch,
		})
		if importErr != nil {
			return fmt.Errorf("importing %s: %w", table, importErr)
		}
		restoredRows.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for {
		var row protocol.Row
		if err = dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decoding row of %s: %w", table, err)
		}
		batch = append(batch, row)
		if len(batch) == m.page {
			if err = flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Manifest loads a snapshot's manifest.
func (m *Manager) Manifest(ctx context.Context, id string) (*Manifest, error) {
	var rc, err = m.store.Get(ctx, manifestKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var manifest = new(Manifest)
	if err = json.NewDecoder(rc).Decode(manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest of %s: %w", id, err)
	}
	return manifest, nil
}

// List returns the manifests of all stored snapshots.
func (m *Manager) List(ctx context.Context) ([]*Manifest, error) {
	var keys, err = m.store.List(ctx, "backups/")
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, key := range keys {
		if len(key) < len("backups/")+len("/manifest.json") ||
			key[len(key)-len("manifest.json"):] != "manifest.json" {
			continue
		}
		var id = key[len("backups/") : len(key)-len("/manifest.json")]
		var manifest *Manifest
		if manifest, err = m.Manifest(ctx, id); err != nil {
			return nil, err
		}
		out = append(out, manifest)
	}
	return out, nil
}
