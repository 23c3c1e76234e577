package shard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/protocol"
)

// RetryConfig tunes transient-failure retries of shard RPCs.
type RetryConfig struct {
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxElapsed bounds the total time spent retrying; the caller's
	// context deadline still applies on top.
	MaxElapsed time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

func (c RetryConfig) disabled() bool { return c.MaxElapsed == 0 }

func (c RetryConfig) backOff() backoff.BackOff {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsed
	return bo
}

// withRetry runs op, retrying failures classified as transient with
// exponential backoff and jitter. Permanent errors stop immediately.
func (c *HTTPClient) withRetry(ctx context.Context, shardID, resource string, op func() error) error {
	if c.Retry.disabled() {
		return op()
	}

	var attempt int
	return backoff.Retry(func() error {
		var err = op()
		if err == nil {
			return nil
		}
		if !protocol.CodeOf(err).IsTransient() {
			return backoff.Permanent(err)
		}
		attempt++
		rpcRetries.WithLabelValues(shardID).Inc()
		log.WithFields(log.Fields{
			"shard":    shardID,
			"resource": resource,
			"attempt":  attempt,
			"err":      err,
		}).Debug("retrying shard call")
		return err
	}, backoff.WithContext(c.Retry.backOff(), ctx))
}
