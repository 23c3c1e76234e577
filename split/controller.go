package split

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shard"
)

// Config tunes the controller.
type Config struct {
	// BackfillPage is the export page size.
	BackfillPage int
	// TailPage is the mutation-log page size during replay.
	TailPage int
	// SettleInterval is how long the tail must stay empty before the plan
	// is considered caught up.
	SettleInterval time.Duration
	// VerifySamples is the rows sampled per table and tenant during
	// post-backfill verification.
	VerifySamples int
}

func DefaultConfig() Config {
	return Config{
		BackfillPage:   500,
		TailPage:       256,
		SettleInterval: 2 * time.Second,
		VerifySamples:  64,
	}
}

// Budget bounds one RunBackfill invocation. Zero fields are unlimited.
type Budget struct {
	MaxRows     int64
	MaxDuration time.Duration
}

func (b Budget) exhausted(rows int64, started time.Time) bool {
	if b.MaxRows > 0 && rows >= b.MaxRows {
		return true
	}
	if b.MaxDuration > 0 && time.Since(started) >= b.MaxDuration {
		return true
	}
	return false
}

// Controller drives split plans through their phases. It is the single
// writer of any plan it operates on.
type Controller struct {
	cfg    Config
	plans  PlanStore
	store  routing.Store
	shards shard.Client
}

func NewController(cfg Config, plans PlanStore, store routing.Store, shards shard.Client) *Controller {
	var def = DefaultConfig()
	if cfg.BackfillPage <= 0 {
		cfg.BackfillPage = def.BackfillPage
	}
	if cfg.TailPage <= 0 {
		cfg.TailPage = def.TailPage
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = def.SettleInterval
	}
	if cfg.VerifySamples <= 0 {
		cfg.VerifySamples = def.VerifySamples
	}
	return &Controller{cfg: cfg, plans: plans, store: store, shards: shards}
}

// Plan records a new migration in phase planning. It refuses tenants
// already claimed by a live plan, an unreachable target, and a target
// already holding any of the tenants' rows.
func (c *Controller) Plan(ctx context.Context, id, source, target string, tenants []string) (*Plan, error) {
	if id == "" || source == "" || target == "" || len(tenants) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"a split plan needs an id, distinct source and target, and at least one tenant")
	}
	if source == target {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"split source and target are the same shard (%s)", source)
	}

	var existing, err = c.plans.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.ID == id {
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"split plan %s already exists", id)
		}
		if other.Phase.Terminal() {
			continue
		}
		for _, tenant := range tenants {
			if other.covers(tenant) {
				return nil, protocol.NewError(protocol.CodeInvalidQuery,
					"tenant %s is already migrating under plan %s", tenant, other.ID)
			}
		}
	}

	if _, err = c.shards.Status(ctx, target); err != nil {
		return nil, fmt.Errorf("target %s is unreachable: %w", target, err)
	}
	if err = c.verifyTargetEmpty(ctx, target, tenants); err != nil {
		return nil, err
	}

	var active *routing.Policy
	if active, err = c.store.GetActive(ctx); err != nil {
		return nil, err
	}

	var now = time.Now().UTC()
	var plan = &Plan{
		ID:                    id,
		Source:                source,
		Target:                target,
		Tenants:               append([]string(nil), tenants...),
		Phase:                 Planning,
		RoutingVersionAtStart: active.Version,
		Backfill: BackfillState{
			Cursors: make(map[string]string),
			Done:    make(map[string]bool),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = c.plans.Put(ctx, plan); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"plan":    id,
		"source":  source,
		"target":  target,
		"tenants": len(tenants),
	}).Info("recorded split plan")
	return plan, nil
}

func (c *Controller) verifyTargetEmpty(ctx context.Context, target string, tenants []string) error {
	var tables, err = c.shards.Tables(ctx, target)
	if err != nil {
		return fmt.Errorf("listing tables of target %s: %w", target, err)
	}
	for _, table := range tables {
		for _, tenant := range tenants {
			var resp, exportErr = c.shards.Export(ctx, target, protocol.ExportRequest{
				Table: table, TenantID: tenant, Limit: 1,
			})
			if exportErr != nil {
				return fmt.Errorf("probing target table %s: %w", table, exportErr)
			}
			if len(resp.Rows) != 0 {
				return protocol.NewError(protocol.CodeInvalidQuery,
					"target %s already holds rows of tenant %s in table %s", target, tenant, table)
			}
		}
	}
	return nil
}

// StartDualWrite publishes a routing version mirroring the plan's
// tenants onto the target. Calling it on a plan already in dual_write is
// a no-op.
func (c *Controller) StartDualWrite(ctx context.Context, id string) (*Plan, error) {
	var plan, err = c.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Phase == DualWrite {
		return plan, nil
	}
	if plan.Phase != Planning {
		return nil, phaseError(plan, "startDualWrite", Planning)
	}

	// Snapshot the source's log head: events at or before it are covered
	// by the backfill's live export, so the tail replays only what comes
	// after mirroring began.
	var status *protocol.ActorStatus
	if status, err = c.shards.Status(ctx, plan.Source); err != nil {
		return nil, c.fail(ctx, plan, err)
	}
	plan.Tail.LastEventID = status.LastEventID

	if _, err = routing.Update(ctx, c.store, "split:"+id, func(p *routing.Policy) error {
		for _, tenant := range plan.Tenants {
			p.SetAssignment(tenant, routing.Assignment{
				Shard:   plan.Source,
				Mirrors: []string{plan.Target},
			})
		}
		return nil
	}); err != nil {
		return nil, c.fail(ctx, plan, err)
	}

	plan.Phase = DualWrite
	return plan, c.persist(ctx, plan)
}

// RunBackfill copies tenant rows from source to target until the budget
// runs out or every table is exhausted. done reports whether the plan
// advanced to tailing.
func (c *Controller) RunBackfill(ctx context.Context, id string, budget Budget) (plan *Plan, done bool, err error) {
	if plan, err = c.plans.Get(ctx, id); err != nil {
		return nil, false, err
	}
	if plan.Phase == Tailing {
		return plan, true, nil
	}
	if plan.Phase != DualWrite {
		return nil, false, phaseError(plan, "runBackfill", DualWrite)
	}

	var tables []string
	if tables, err = c.shards.Tables(ctx, plan.Source); err != nil {
		return nil, false, c.fail(ctx, plan, err)
	}

	var started = time.Now()
	var copied int64
	for _, table := range tables {
		for _, tenant := range plan.Tenants {
			var key = cursorKey(table, tenant)
			if plan.Backfill.Done[key] {
				continue
			}
			for {
				if budget.exhausted(copied, started) {
					return plan, false, c.persist(ctx, plan)
				}
				var page *protocol.ExportResponse
				page, err = c.shards.Export(ctx, plan.Source, protocol.ExportRequest{
					Table:    table,
					TenantID: tenant,
					Cursor:   plan.Backfill.Cursors[key],
					Limit:    c.cfg.BackfillPage,
				})
				if err != nil {
					return nil, false, c.fail(ctx, plan, err)
				}
				if len(page.Rows) != 0 {
					if _, err = c.shards.Import(ctx, plan.Target, protocol.ImportRequest{
						Table: table,
						Rows:  page.Rows,
					}); err != nil {
						return nil, false, c.fail(ctx, plan, err)
					}
					copied += int64(len(page.Rows))
					plan.Backfill.RowsCopied += int64(len(page.Rows))
					backfillRows.Add(float64(len(page.Rows)))
				}
				if page.NextCursor == "" {
					plan.Backfill.Done[key] = true
					if err = c.persist(ctx, plan); err != nil {
						return nil, false, err
					}
					break
				}
				// Cursor advances only forward; a re-run of this page after a
				// crash re-imports idempotently.
				plan.Backfill.Cursors[key] = page.NextCursor
				if err = c.persist(ctx, plan); err != nil {
					return nil, false, err
				}
			}
		}
	}

	plan.Backfill.Completed = true
	plan.Phase = Tailing
	log.WithFields(log.Fields{
		"plan": id,
		"rows": plan.Backfill.RowsCopied,
	}).Info("backfill complete; plan is tailing")
	return plan, true, c.persist(ctx, plan)
}

// ReplayTail mirrors mutation-log events past the replay position onto
// the target. caughtUp reports whether the log stayed empty across the
// settle interval and the plan advanced to cutover_pending.
func (c *Controller) ReplayTail(ctx context.Context, id string) (plan *Plan, caughtUp bool, err error) {
	if plan, err = c.plans.Get(ctx, id); err != nil {
		return nil, false, err
	}
	if plan.Phase == CutoverPending {
		return plan, true, nil
	}
	if plan.Phase != Tailing {
		return nil, false, phaseError(plan, "replayTail", Tailing)
	}

	var settled = false
	for {
		var page *protocol.EventsResponse
		page, err = c.shards.Events(ctx, plan.Source, protocol.EventsRequest{
			AfterID: plan.Tail.LastEventID,
			Limit:   c.cfg.TailPage,
		})
		if err != nil {
			return nil, false, c.fail(ctx, plan, err)
		}

		if len(page.Events) == 0 {
			if settled {
				break
			}
			// Dual-write keeps mirroring while we wait, so an empty re-read
			// after the settle interval means the target has caught up.
			settled = true
			select {
			case <-time.After(c.cfg.SettleInterval):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			continue
		}
		settled = false

		for _, event := range page.Events {
			if err = c.replayEvent(ctx, plan, event); err != nil {
				return nil, false, c.fail(ctx, plan, err)
			}
			plan.Tail.LastEventID = event.ID
		}
		if err = c.persist(ctx, plan); err != nil {
			return nil, false, err
		}
	}

	plan.Tail.CaughtUp = true
	plan.Phase = CutoverPending
	log.WithFields(log.Fields{
		"plan":        id,
		"lastEventId": plan.Tail.LastEventID,
		"replayed":    plan.Tail.EventsReplayed,
	}).Info("tail caught up; plan is cutover-pending")
	return plan, true, c.persist(ctx, plan)
}

func (c *Controller) replayEvent(ctx context.Context, plan *Plan, event protocol.MutationEvent) error {
	if !plan.covers(event.TenantID) {
		return nil
	}
	var req = protocol.ExecuteRequest{
		SQL:      event.SQL,
		Params:   event.Params,
		TenantID: event.TenantID,
	}
	var err error
	switch event.Type {
	case protocol.EventDDL:
		_, err = c.shards.DDL(ctx, plan.Target, req)
	default:
		_, err = c.shards.Mutation(ctx, plan.Target, req)
	}
	if err != nil {
		return fmt.Errorf("replaying event %d: %w", event.ID, err)
	}
	plan.Tail.EventsReplayed++
	tailEvents.Inc()
	return nil
}

// Cutover publishes the routing version moving the tenants to the
// target, with dual-write off. Unless force is set, a verification pass
// with mismatches blocks it.
func (c *Controller) Cutover(ctx context.Context, id string, force bool) (*Plan, error) {
	var plan, err = c.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Phase != CutoverPending {
		return nil, phaseError(plan, "cutover", CutoverPending)
	}

	if !force {
		var mismatches []Mismatch
		if mismatches, err = c.Verify(ctx, id); err != nil {
			return nil, c.fail(ctx, plan, err)
		}
		if len(mismatches) != 0 {
			return nil, protocol.NewError(protocol.CodeInternal,
				"verification found %d mismatched rows; cutover blocked (use force to override)",
				len(mismatches))
		}
	}

	var version uint64
	if version, err = routing.Update(ctx, c.store, "split:"+id, func(p *routing.Policy) error {
		for _, tenant := range plan.Tenants {
			p.SetAssignment(tenant, routing.Assignment{Shard: plan.Target})
		}
		return nil
	}); err != nil {
		return nil, c.fail(ctx, plan, err)
	}

	plan.RoutingVersionCutover = version
	plan.Phase = Completed
	cutovers.Inc()
	log.WithFields(log.Fields{"plan": id, "version": version}).
		Info("cutover published; plan is complete")
	return plan, c.persist(ctx, plan)
}

// Rollback reverts the tenants to the source and terminates the plan. It
// is accepted from any phase short of completed.
func (c *Controller) Rollback(ctx context.Context, id string) (*Plan, error) {
	var plan, err = c.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Phase.Terminal() {
		return nil, phaseError(plan, "rollback", Planning)
	}

	var version uint64
	if version, err = routing.Update(ctx, c.store, "split:"+id, func(p *routing.Policy) error {
		for _, tenant := range plan.Tenants {
			p.SetAssignment(tenant, routing.Assignment{Shard: plan.Source})
		}
		return nil
	}); err != nil {
		return nil, c.fail(ctx, plan, err)
	}

	plan.RollbackVersion = version
	plan.Phase = RolledBack
	rollbacks.Inc()
	log.WithFields(log.Fields{"plan": id, "version": version}).
		Warn("split plan rolled back")
	return plan, c.persist(ctx, plan)
}

// Get loads one plan.
func (c *Controller) Get(ctx context.Context, id string) (*Plan, error) {
	return c.plans.Get(ctx, id)
}

// List returns all plans.
func (c *Controller) List(ctx context.Context) ([]*Plan, error) {
	return c.plans.List(ctx)
}

func (c *Controller) persist(ctx context.Context, plan *Plan) error {
	plan.UpdatedAt = time.Now().UTC()
	plan.ErrorMessage = ""
	return c.plans.Put(ctx, plan)
}

// fail records the error on the plan without regressing its phase.
func (c *Controller) fail(ctx context.Context, plan *Plan, err error) error {
	plan.ErrorMessage = err.Error()
	plan.UpdatedAt = time.Now().UTC()
	if putErr := c.plans.Put(ctx, plan); putErr != nil {
		log.WithFields(log.Fields{"plan": plan.ID, "err": putErr}).
			Warn("failed to record split plan error")
	}
	return err
}

func phaseError(plan *Plan, op string, want Phase) error {
	return protocol.NewError(protocol.CodeInvalidQuery,
		"%s requires plan %s in phase %s, not %s", op, plan.ID, want, plan.Phase)
}
