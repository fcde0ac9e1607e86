// Package monitor watches ledger events and storage health in the background,
// dispatching to registered handlers with windowed deduplication.
package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/ledger"
	"github.com/satyalabs/satya-core/internal/model"
)

const queryBatch = 100

// Handler consumes one ledger event. Handlers must be fast; slow work belongs
// in their own goroutines.
type Handler func(ctx context.Context, ev ledger.Event)

// HealthSource exposes current storage node health. Implemented by
// *storage.Tracker.
type HealthSource interface {
	Snapshot() []model.NodeHealth
}

// DegradedFunc is invoked when a storage node crosses the unhealthy threshold.
type DegradedFunc func(h model.NodeHealth)

// RepairFunc runs one background repair pass, e.g. re-registering stored
// submissions whose ledger registration failed.
type RepairFunc func(ctx context.Context)

// Monitor polls the ledger on a jittered interval and fans events out to
// handlers. Registration must finish before Start.
type Monitor struct {
	cfg      config.Monitor
	chain    ledger.Ledger
	handlers map[string][]Handler
	seen     *ttlcache.Cache[string, struct{}]
	logger   *zap.Logger

	health        HealthSource
	onDegraded    DegradedFunc
	degradedAfter int
	repair        RepairFunc
	cursor        string

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New constructs a monitor. Handlers and sources are attached before Start.
func New(cfg config.Monitor, chain ledger.Ledger, logger *zap.Logger) *Monitor {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.DedupWindow),
	)
	return &Monitor{
		cfg:           cfg,
		chain:         chain,
		handlers:      map[string][]Handler{},
		seen:          seen,
		logger:        logger.Named("monitor"),
		degradedAfter: 3,
	}
}

// On registers a handler for an event type.
func (m *Monitor) On(eventType string, h Handler) {
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// WatchHealth attaches a storage health source and a degradation callback.
func (m *Monitor) WatchHealth(src HealthSource, fn DegradedFunc) {
	m.health = src
	m.onDegraded = fn
}

// OnRepair attaches the background repair pass run once per poll cycle.
func (m *Monitor) OnRepair(fn RepairFunc) { m.repair = fn }

// Start launches the polling loop. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.seen.Start()
	go m.loop(ctx, m.stop, m.done)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.seen.Stop()
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.PollInterval
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	wait := m.jittered(m.cfg.PollInterval)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := m.pollOnce(ctx); err != nil {
			// Back off while the ledger is unreachable.
			wait = bo.NextBackOff()
			m.logger.Warn("event poll failed", zap.Error(err), zap.Duration("retry_in", wait))
			continue
		}
		bo.Reset()
		m.checkHealth()
		if m.repair != nil {
			m.repair(ctx)
		}
		wait = m.jittered(m.cfg.PollInterval)
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	events, next, err := m.chain.QueryEvents(ctx, m.cursor, queryBatch)
	if err != nil {
		return err
	}
	if next != "" {
		m.cursor = next
	}
	for _, ev := range events {
		m.dispatch(ctx, ev)
	}
	return nil
}

func (m *Monitor) dispatch(ctx context.Context, ev ledger.Event) {
	key := ev.Type + "|" + ev.TxDigest
	if m.seen.Get(key) != nil {
		return
	}
	m.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)

	hs := m.handlers[ev.Type]
	if len(hs) == 0 {
		m.logger.Debug("unhandled event", zap.String("type", ev.Type), zap.String("tx", ev.TxDigest))
		return
	}
	for _, h := range hs {
		h(ctx, ev)
	}
}

func (m *Monitor) checkHealth() {
	if m.health == nil {
		return
	}
	for _, h := range m.health.Snapshot() {
		if !h.Healthy && h.ConsecutiveErrors >= m.degradedAfter {
			m.logger.Warn("storage node degraded",
				zap.String("url", h.URL),
				zap.Int("consecutive_errors", h.ConsecutiveErrors))
			if m.onDegraded != nil {
				m.onDegraded(h)
			}
		}
	}
}

// jittered spreads poll instants so multiple cores do not synchronize
// against the same ledger endpoint.
func (m *Monitor) jittered(d time.Duration) time.Duration {
	if m.cfg.PollJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(m.cfg.PollJitter)))
}
