package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is the production Store. Each policy version is one immutable key,
// the active pointer is a version number, and PublishIfActive is a single
// etcd transaction comparing the pointer before writing. Audit records are
// keyed by zero-padded version so lexicographic key order is version order.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd builds a Store rooted at prefix (e.g. "/workersql").
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	return &Etcd{client: client, prefix: prefix}
}

func (e *Etcd) key(k string) string { return e.prefix + "/" + k }

func (e *Etcd) versionKey(v uint64) string {
	return e.key(fmt.Sprintf(VersionKeyFmt, v))
}

func (e *Etcd) auditKey(v uint64) string {
	return e.key(fmt.Sprintf("%s%016d", AuditKeyPrefix, v))
}

func (e *Etcd) GetActive(ctx context.Context) (*Policy, error) {
	var resp, err = e.client.Get(ctx, e.key(ActiveKey))
	if err != nil {
		return nil, fmt.Errorf("fetching active policy pointer: %w", err)
	}
	if resp.Count == 0 {
		return nil, ErrNoPolicy
	}
	version, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding active policy pointer %q: %w",
			resp.Kvs[0].Value, err)
	}
	return e.GetByVersion(ctx, version)
}

func (e *Etcd) GetByVersion(ctx context.Context, version uint64) (*Policy, error) {
	var resp, err = e.client.Get(ctx, e.versionKey(version))
	if err != nil {
		return nil, fmt.Errorf("fetching policy v%d: %w", version, err)
	}
	if resp.Count == 0 {
		return nil, fmt.Errorf("version %d: %w", version, ErrVersionNotFound)
	}
	var p = new(Policy)
	if err = json.Unmarshal(resp.Kvs[0].Value, p); err != nil {
		return nil, fmt.Errorf("decoding policy v%d: %w", version, err)
	}
	return p, nil
}

func (e *Etcd) PublishIfActive(ctx context.Context, next *Policy, requireActive uint64, actor string) (uint64, error) {
	var version = requireActive + 1

	var clone = *next
	clone.Version = version
	var raw, err = json.Marshal(&clone)
	if err != nil {
		return 0, fmt.Errorf("encoding policy: %w", err)
	}

	var prior = json.RawMessage(`{}`)
	if requireActive != 0 {
		resp, err := e.client.Get(ctx, e.versionKey(requireActive))
		if err != nil {
			return 0, fmt.Errorf("fetching prior policy v%d: %w", requireActive, err)
		}
		if resp.Count != 0 {
			prior = resp.Kvs[0].Value
		}
	}
	patch, err := jsonpatch.CreateMergePatch(prior, raw)
	if err != nil {
		return 0, fmt.Errorf("building audit patch: %w", err)
	}
	audit, err := json.Marshal(&AuditRecord{
		Version: version,
		Actor:   actor,
		Ts:      time.Now().UTC(),
		Patch:   patch,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding audit record: %w", err)
	}

	// The guard: the pointer must still name requireActive (or not exist,
	// when publishing the first version).
	var cmp clientv3.Cmp
	if requireActive == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(e.key(ActiveKey)), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(e.key(ActiveKey)), "=",
			strconv.FormatUint(requireActive, 10))
	}

	txnResp, err := e.client.Txn(ctx).
		If(cmp).
		Then(
			clientv3.OpPut(e.versionKey(version), string(raw)),
			clientv3.OpPut(e.key(ActiveKey), strconv.FormatUint(version, 10)),
			clientv3.OpPut(e.auditKey(version), string(audit)),
		).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("etcd transaction: %w", err)
	}
	if !txnResp.Succeeded {
		return 0, fmt.Errorf("active is no longer v%d: %w", requireActive, ErrVersionConflict)
	}

	next.Version = version
	log.WithFields(log.Fields{
		"version": version,
		"actor":   actor,
	}).Info("published routing policy")
	return version, nil
}

func (e *Etcd) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	var opts = []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	var resp, err = e.client.Get(ctx, e.key(AuditKeyPrefix), opts...)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}

	var out []AuditRecord
	for _, kv := range resp.Kvs {
		var rec AuditRecord
		if err = json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding audit record %s: %w", kv.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// WatchActive signals whenever the active pointer is rewritten. The
// channel closes when the underlying etcd watch ends.
func (e *Etcd) WatchActive(ctx context.Context) <-chan struct{} {
	var out = make(chan struct{}, 1)
	var watch = e.client.Watch(ctx, e.key(ActiveKey))

	go func() {
		defer close(out)
		for resp := range watch {
			if err := resp.Err(); err != nil {
				log.WithField("err", err).Warn("active policy watch failed")
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				select {
				case out <- struct{}{}:
				default: // A pending signal already covers this event.
				}
			}
		}
	}()
	return out
}

func (e *Etcd) PurgeAudit(ctx context.Context, olderThan time.Time) (int, error) {
	var resp, err = e.client.Get(ctx, e.key(AuditKeyPrefix), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("listing audit records: %w", err)
	}

	var purged int
	for _, kv := range resp.Kvs {
		var rec AuditRecord
		if err = json.Unmarshal(kv.Value, &rec); err != nil {
			return purged, fmt.Errorf("decoding audit record %s: %w", kv.Key, err)
		}
		if !rec.Ts.Before(olderThan) {
			continue
		}
		if _, err = e.client.Delete(ctx, string(kv.Key)); err != nil {
			return purged, fmt.Errorf("purging audit record %s: %w", kv.Key, err)
		}
		purged++
	}
	return purged, nil
}

var _ Store = &Etcd{}
