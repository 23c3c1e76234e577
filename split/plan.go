// Package split moves tenants from one shard to another without a write
// outage: dual-write first, then a resumable backfill, then tail replay
// of the source's mutation log until the target has caught up, and
// finally a routing cutover. Every step short of cutover is idempotent
// and budgeted, so a crashed controller resumes from persisted state.
package split

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/workersql/workersql/protocol"
)

// Phase is a plan's position in the migration state machine.
type Phase string

const (
	Planning       Phase = "planning"
	DualWrite      Phase = "dual_write"
	Tailing        Phase = "tailing"
	CutoverPending Phase = "cutover_pending"
	Completed      Phase = "completed"
	RolledBack     Phase = "rolled_back"
)

// Terminal reports whether the phase accepts no further transitions.
func (p Phase) Terminal() bool {
	return p == Completed || p == RolledBack
}

// BackfillState is the resumable copy position. Cursors key on
// "{table}/{tenant}" and never regress.
type BackfillState struct {
	Cursors    map[string]string `json:"cursors,omitempty"`
	Done       map[string]bool   `json:"done,omitempty"`
	RowsCopied int64             `json:"rowsCopied"`
	Completed  bool              `json:"completed"`
}

func cursorKey(table, tenant string) string { return table + "/" + tenant }

// TailState is the replay position in the source's mutation log.
type TailState struct {
	LastEventID    int64 `json:"lastEventId"`
	EventsReplayed int64 `json:"eventsReplayed"`
	CaughtUp       bool  `json:"caughtUp"`
}

// Plan is one durable migration.
type Plan struct {
	ID      string   `json:"id"`
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	Tenants []string `json:"tenants"`
	Phase   Phase    `json:"phase"`

	RoutingVersionAtStart uint64 `json:"routingVersionAtStart"`
	RoutingVersionCutover uint64 `json:"routingVersionCutover,omitempty"`
	RollbackVersion       uint64 `json:"rollbackVersion,omitempty"`

	Backfill BackfillState `json:"backfill"`
	Tail     TailState     `json:"tail"`

	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (p *Plan) covers(tenant string) bool {
	for _, t := range p.Tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

// PlanStore persists plans. Put overwrites; controllers are the single
// writer of any given plan.
type PlanStore interface {
	Get(ctx context.Context, id string) (*Plan, error)
	Put(ctx context.Context, plan *Plan) error
	List(ctx context.Context) ([]*Plan, error)
}

// ErrPlanNotFound reports an unknown plan ID.
var ErrPlanNotFound = protocol.NewError(protocol.CodeInvalidQuery, "no such split plan")

// MemoryPlans is a process-local PlanStore for tests and single-node runs.
type MemoryPlans struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewMemoryPlans() *MemoryPlans {
	return &MemoryPlans{m: make(map[string][]byte)}
}

func (s *MemoryPlans) Get(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, ok = s.m[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return decodePlan(raw)
}

func (s *MemoryPlans) Put(_ context.Context, plan *Plan) error {
	var raw, err = encodePlan(plan)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m[plan.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryPlans) List(_ context.Context) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids = make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out = make([]*Plan, 0, len(ids))
	for _, id := range ids {
		var plan, err = decodePlan(s.m[id])
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

var _ PlanStore = &MemoryPlans{}
