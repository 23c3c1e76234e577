package routing

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Poller keeps a gateway instance's view of the active policy. The view
// is refreshed on an interval and never regresses: a fetch returning an
// older version than the one already held is discarded, so observers get
// monotonic reads of the policy even across store hiccups.
type Poller struct {
	store    Store
	interval time.Duration

	mu     sync.RWMutex
	active *Policy
}

// NewPoller builds a Poller refreshing from store every interval.
func NewPoller(store Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{store: store, interval: interval}
}

// Active returns the current view, fetching synchronously when the
// poller holds none yet.
func (p *Poller) Active(ctx context.Context) (*Policy, error) {
	p.mu.RLock()
	var active = p.active
	p.mu.RUnlock()

	if active != nil {
		return active, nil
	}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active, nil
}

// Resolve maps a tenant through the current view.
func (p *Poller) Resolve(ctx context.Context, tenant string) (Assignment, *Policy, error) {
	var policy, err = p.Active(ctx)
	if err != nil {
		return Assignment{}, nil, err
	}
	a, err := policy.Resolve(tenant)
	return a, policy, err
}

// Refresh fetches the active policy, advancing the view iff the fetched
// version is newer.
func (p *Poller) Refresh(ctx context.Context) error {
	var next, err = p.store.GetActive(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil && next.Version <= p.active.Version {
		return nil
	}
	log.WithFields(log.Fields{
		"version": next.Version,
		"tenants": len(next.Tenants),
	}).Debug("advanced routing policy view")
	p.active = next
	activeVersion.Set(float64(next.Version))
	return nil
}

// Notifier is implemented by stores that can push a signal when the
// active policy changes, collapsing propagation delay below the poll
// interval. The interval poll still runs as a backstop.
type Notifier interface {
	WatchActive(ctx context.Context) <-chan struct{}
}

// Run refreshes until ctx is cancelled. Fetch failures are logged and the
// prior view keeps serving.
func (p *Poller) Run(ctx context.Context) error {
	var ticker = time.NewTicker(p.interval)
	defer ticker.Stop()

	var notify <-chan struct{}
	if n, ok := p.store.(Notifier); ok {
		notify = n.WatchActive(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-notify:
			if !ok {
				notify = nil // Fall back to interval polling.
				continue
			}
		}
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("routing policy refresh failed")
		}
	}
}
