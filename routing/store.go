package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persisted key shapes. Versions are immutable once written; the active
// pointer names the single live version and only ever advances.
const (
	ActiveKey      = "routing:policy:active"
	VersionKeyFmt  = "routing:policy:v%d"
	AuditKeyPrefix = "routing:policy:audit:"
)

var (
	// ErrNoPolicy means no version has been published yet.
	ErrNoPolicy = errors.New("no routing policy has been published")
	// ErrVersionConflict means a concurrent publish won the CAS.
	ErrVersionConflict = errors.New("routing policy version conflict")
	// ErrVersionNotFound means the requested version was never published.
	ErrVersionNotFound = errors.New("routing policy version not found")
)

// AuditRecord captures one publish: who, when, and the merge-patch from
// the prior version.
type AuditRecord struct {
	Version uint64          `json:"version"`
	Actor   string          `json:"actor"`
	Ts      time.Time       `json:"ts"`
	Patch   json.RawMessage `json:"patch"`
}

// Store is the strongly consistent policy state. PublishIfActive is the
// synchronization primitive of the whole system: a single
// compare-and-swap against the active version.
type Store interface {
	// GetActive returns the live policy, or ErrNoPolicy.
	GetActive(ctx context.Context) (*Policy, error)
	// GetByVersion returns an immutable published version, or
	// ErrVersionNotFound.
	GetByVersion(ctx context.Context, version uint64) (*Policy, error)
	// PublishIfActive writes next at requireActive+1 and moves the active
	// pointer, iff the active version still equals requireActive
	// (zero when nothing is published). It records an audit entry under
	// actor and returns the assigned version, or ErrVersionConflict.
	PublishIfActive(ctx context.Context, next *Policy, requireActive uint64, actor string) (uint64, error)
	// ListAudit returns up to limit audit records, most recent first.
	ListAudit(ctx context.Context, limit int) ([]AuditRecord, error)
	// PurgeAudit drops audit records older than the cutoff, returning the
	// number removed. Policy versions themselves are never destroyed.
	PurgeAudit(ctx context.Context, olderThan time.Time) (int, error)
}

// publishAttempts bounds the read-modify-write loop of Update.
const publishAttempts = 8

// Update publishes a mutation of the active policy, retrying the CAS
// against concurrent publishers. mutate receives a clone of the active
// policy (empty when none exists) and edits it in place.
func Update(ctx context.Context, s Store, actor string, mutate func(*Policy) error) (uint64, error) {
	for attempt := 0; attempt != publishAttempts; attempt++ {
		var base, err = s.GetActive(ctx)
		if errors.Is(err, ErrNoPolicy) {
			base = &Policy{}
		} else if err != nil {
			return 0, err
		}

		var next = base.Clone()
		if err = mutate(next); err != nil {
			return 0, err
		}

		var version uint64
		version, err = s.PublishIfActive(ctx, next, base.Version, actor)
		if errors.Is(err, ErrVersionConflict) {
			publishConflicts.Inc()
			continue
		} else if err != nil {
			return 0, err
		}
		publishes.Inc()
		return version, nil
	}
	return 0, fmt.Errorf("policy publish lost %d races: %w", publishAttempts, ErrVersionConflict)
}
