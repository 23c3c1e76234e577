// Package invalidation drains the event bus and sweeps cache prefixes.
// Processing is idempotent: each event ID leaves a marker in the KV
// store, so redeliveries after a crash between sweep and ack are
// absorbed. Events which keep failing move to the dead-letter area
// rather than wedging the stream.
package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/kv"
	"github.com/workersql/workersql/protocol"
)

// Config tunes the consumer.
type Config struct {
	// BatchSize is the most events drained per Consume call.
	BatchSize int
	// Parallelism bounds concurrent prefix sweeps within a batch.
	Parallelism int
	// MaxAttempts is the delivery count after which an event dead-letters.
	MaxAttempts int
	// MarkerTTL is how long processed-event markers persist. It need only
	// outlive the bus's redelivery horizon.
	MarkerTTL time.Duration
	// SweepBackoff caps the retry interval of one failing sweep.
	SweepBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    32,
		Parallelism:  8,
		MaxAttempts:  5,
		MarkerTTL:    time.Hour,
		SweepBackoff: 2 * time.Second,
	}
}

// Consumer applies invalidation events to the cache.
type Consumer struct {
	cfg     Config
	bus     bus.Bus
	cache   *cache.Cache
	markers kv.Store
}

func New(cfg Config, b bus.Bus, c *cache.Cache, markers kv.Store) *Consumer {
	var def = DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = def.MarkerTTL
	}
	if cfg.SweepBackoff <= 0 {
		cfg.SweepBackoff = def.SweepBackoff
	}
	return &Consumer{cfg: cfg, bus: b, cache: c, markers: markers}
}

// Run drains the bus until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		var msgs, err = c.bus.Consume(ctx, c.cfg.BatchSize)
		if ctx.Err() != nil {
			return nil
		} else if err != nil {
			log.WithField("err", err).Warn("bus consume failed; backing off")
			select {
			case <-time.After(c.cfg.SweepBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		c.processBatch(ctx, msgs)
	}
}

// processBatch sweeps a batch's events in parallel. Each message acks,
// nacks, or dead-letters individually.
func (c *Consumer) processBatch(ctx context.Context, msgs []bus.Message) {
	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.Parallelism)

	for _, msg := range msgs {
		var msg = msg
		group.Go(func() error {
			c.processOne(groupCtx, msg)
			return nil
		})
	}
	_ = group.Wait()
}

func (c *Consumer) processOne(ctx context.Context, msg bus.Message) {
	var seen, err = c.alreadyProcessed(ctx, msg.Event)
	if err == nil && seen {
		duplicates.Inc()
		c.ack(ctx, msg)
		return
	}
	// A marker-store error falls through to the sweep: re-sweeping an
	// already-applied event is harmless.

	if err = c.sweep(ctx, msg.Event); err != nil {
		if msg.Attempt >= c.cfg.MaxAttempts {
			log.WithFields(log.Fields{
				"event":   msg.Event.ID,
				"tenant":  msg.Event.TenantID,
				"attempt": msg.Attempt,
				"err":     err,
			}).Error("invalidation event exhausted retries; dead-lettering")
			if dlErr := c.bus.DeadLetter(ctx, msg); dlErr != nil {
				log.WithFields(log.Fields{"event": msg.Event.ID, "err": dlErr}).
					Error("dead-lettering failed")
				return // Leave unacked; the bus redelivers.
			}
			c.ack(ctx, msg)
			return
		}
		log.WithFields(log.Fields{
			"event":   msg.Event.ID,
			"attempt": msg.Attempt,
			"err":     err,
		}).Warn("invalidation sweep failed; scheduling redelivery")
		if nackErr := c.bus.Nack(ctx, msg); nackErr != nil {
			log.WithFields(log.Fields{"event": msg.Event.ID, "err": nackErr}).
				Warn("nack failed")
		}
		return
	}

	c.markProcessed(ctx, msg.Event)
	c.ack(ctx, msg)
	processed.Inc()
}

// sweep deletes every entry under the event's prefixes, retrying
// transiently within the message's processing window.
func (c *Consumer) sweep(ctx context.Context, ev protocol.InvalidateEvent) error {
	var prefixes []string
	for _, base := range ev.Keys {
		prefixes = append(prefixes, cache.PrefixesOfBase(base)...)
	}

	for _, prefix := range prefixes {
		var prefix = prefix
		var policy = backoff.WithContext(newSweepBackoff(c.cfg.SweepBackoff), ctx)
		var err = backoff.Retry(func() error {
			var n, sweepErr = c.cache.InvalidateByPattern(ctx, prefix)
			if sweepErr != nil {
				return sweepErr
			}
			sweptKeys.Add(float64(n))
			return nil
		}, policy)
		if err != nil {
			return fmt.Errorf("sweeping prefix %s: %w", prefix, err)
		}
	}
	return nil
}

func newSweepBackoff(max time.Duration) backoff.BackOff {
	var b = backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = max
	b.MaxElapsedTime = 3 * max
	return b
}

func markerKey(ev protocol.InvalidateEvent) string {
	return "invalidation:seen:" + ev.ID
}

func (c *Consumer) alreadyProcessed(ctx context.Context, ev protocol.InvalidateEvent) (bool, error) {
	if ev.ID == "" {
		return false, nil
	}
	var _, ok, err = c.markers.Get(ctx, markerKey(ev))
	return ok, err
}

func (c *Consumer) markProcessed(ctx context.Context, ev protocol.InvalidateEvent) {
	if ev.ID == "" {
		return
	}
	if err := c.markers.Put(ctx, markerKey(ev), []byte{1}, c.cfg.MarkerTTL); err != nil {
		// Worst case the event re-sweeps on redelivery.
		log.WithFields(log.Fields{"event": ev.ID, "err": err}).
			Warn("failed to record processed-event marker")
	}
}

func (c *Consumer) ack(ctx context.Context, msg bus.Message) {
	if err := c.bus.Ack(ctx, msg); err != nil {
		log.WithFields(log.Fields{"event": msg.Event.ID, "err": err}).
			Warn("ack failed")
	}
}
