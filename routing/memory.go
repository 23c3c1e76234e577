package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Memory is a process-local Store for tests and single-node runs.
type Memory struct {
	mu       sync.Mutex
	active   uint64
	versions map[uint64]json.RawMessage
	audits   []AuditRecord
}

func NewMemory() *Memory {
	return &Memory{versions: make(map[uint64]json.RawMessage)}
}

func (m *Memory) GetActive(ctx context.Context) (*Policy, error) {
	m.mu.Lock()
	var active = m.active
	m.mu.Unlock()

	if active == 0 {
		return nil, ErrNoPolicy
	}
	return m.GetByVersion(ctx, active)
}

func (m *Memory) GetByVersion(_ context.Context, version uint64) (*Policy, error) {
	m.mu.Lock()
	var raw, ok = m.versions[version]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("version %d: %w", version, ErrVersionNotFound)
	}
	var p = new(Policy)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding policy v%d: %w", version, err)
	}
	return p, nil
}

func (m *Memory) PublishIfActive(_ context.Context, next *Policy, requireActive uint64, actor string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != requireActive {
		return 0, fmt.Errorf("active is v%d, not v%d: %w", m.active, requireActive, ErrVersionConflict)
	}
	var version = m.active + 1

	var clone = *next
	clone.Version = version
	var raw, err = json.Marshal(&clone)
	if err != nil {
		return 0, fmt.Errorf("encoding policy: %w", err)
	}

	var prior = json.RawMessage(`{}`)
	if p, ok := m.versions[m.active]; ok {
		prior = p
	}
	patch, err := jsonpatch.CreateMergePatch(prior, raw)
	if err != nil {
		return 0, fmt.Errorf("building audit patch: %w", err)
	}

	m.versions[version] = raw
	m.active = version
	m.audits = append(m.audits, AuditRecord{
		Version: version,
		Actor:   actor,
		Ts:      time.Now().UTC(),
		Patch:   patch,
	})
	next.Version = version
	return version, nil
}

func (m *Memory) ListAudit(_ context.Context, limit int) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditRecord
	for i := len(m.audits) - 1; i >= 0; i-- {
		out = append(out, m.audits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PurgeAudit(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keep = m.audits[:0]
	var purged int
	for _, a := range m.audits {
		if a.Ts.Before(olderThan) {
			purged++
		} else {
			keep = append(keep, a)
		}
	}
	m.audits = keep
	return purged, nil
}

var _ Store = &Memory{}
