package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Janitor runs the gateway's scheduled maintenance: routing audit
// purges, idempotency record sweeps, idle transaction expiry, and
// optionally automatic snapshots.
type Janitor struct {
	gw   *Gateway
	cron *cron.Cron
}

func NewJanitor(gw *Gateway) (*Janitor, error) {
	var j = &Janitor{gw: gw, cron: cron.New()}

	var _, err = j.cron.AddFunc(gw.cfg.JanitorSchedule, func() {
		var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.gw.Maintain(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", gw.cfg.JanitorSchedule, err)
	}

	if gw.cfg.BackupSchedule != "" && gw.Backups != nil {
		if _, err = j.cron.AddFunc(gw.cfg.BackupSchedule, func() {
			var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			j.gw.runScheduledBackup(ctx)
		}); err != nil {
			return nil, fmt.Errorf("parsing backup schedule %q: %w", gw.cfg.BackupSchedule, err)
		}
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for a running job to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

// Maintain runs one maintenance pass: expire idle transactions, sweep
// idempotency records, and purge old routing audit entries. The janitor
// invokes it on schedule; it is also callable directly.
func (g *Gateway) Maintain(ctx context.Context) {
	var expired = g.expireIdleTxns(ctx)

	var swept, sweepErr = g.Records.Sweep(ctx)
	if sweepErr != nil {
		log.WithField("err", sweepErr).Warn("idempotency record sweep failed")
	}

	var purged int
	if g.cfg.AuditRetentionDays > 0 {
		var cutoff = time.Now().AddDate(0, 0, -g.cfg.AuditRetentionDays)
		var purgeErr error
		if purged, purgeErr = g.Store.PurgeAudit(ctx, cutoff); purgeErr != nil {
			log.WithField("err", purgeErr).Warn("routing audit purge failed")
		}
	}

	g.probeShardSizes(ctx)

	janitorRuns.Inc()
	log.WithFields(log.Fields{
		"expiredTxns":  expired,
		"sweptRecords": swept,
		"purgedAudit":  purged,
	}).Info("janitor pass complete")
}

// probeShardSizes polls each shard of the active policy for its storage
// footprint and flags shards grown past the split threshold.
func (g *Gateway) probeShardSizes(ctx context.Context) {
	var policy, err = g.Policy.Active(ctx)
	if err != nil {
		return
	}

	var shards = make(map[string]bool)
	for _, assignment := range policy.Tenants {
		shards[assignment.Shard] = true
	}

	var limit = int64(g.cfg.MaxShardSizeGB) << 30
	for shardID := range shards {
		var status, statusErr = g.Shards.Status(ctx, shardID)
		if statusErr != nil {
			log.WithFields(log.Fields{"shard": shardID, "err": statusErr}).
				Warn("shard status probe failed")
			continue
		}
		shardSizeBytes.WithLabelValues(shardID).Set(float64(status.SizeBytes))

		if limit > 0 && status.SizeBytes > limit {
			log.WithFields(log.Fields{
				"shard":     shardID,
				"sizeBytes": status.SizeBytes,
				"limitGB":   g.cfg.MaxShardSizeGB,
			}).Warn("shard exceeds size threshold, consider a split")
		}
	}
}

// runScheduledBackup snapshots every shard of the active policy with
// the tenants it currently owns.
func (g *Gateway) runScheduledBackup(ctx context.Context) {
	var policy, err = g.Policy.Active(ctx)
	if err != nil {
		log.WithField("err", err).Warn("scheduled backup: no active policy")
		return
	}

	var byShard = make(map[string][]string)
	for tenant, assignment := range policy.Tenants {
		byShard[assignment.Shard] = append(byShard[assignment.Shard], tenant)
	}

	var stamp = time.Now().UTC().Format("20060102T150405")
	for shardID, tenants := range byShard {
		sort.Strings(tenants)
		var id = stamp + "-" + shardID
		if _, err = g.Backups.Snapshot(ctx, id, shardID, tenants); err != nil {
			log.WithFields(log.Fields{"shard": shardID, "err": err}).
				Warn("scheduled snapshot failed")
		}
	}
}
