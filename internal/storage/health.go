package storage

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satyalabs/satya-core/internal/model"
)

// Tracker records per-endpoint health observations. Safe for concurrent use;
// rankings are computed from an immutable snapshot so readers never observe a
// partial update.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]model.NodeHealth
}

// NewTracker constructs an empty health table.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]model.NodeHealth)}
}

// ReportSuccess marks url healthy and records the observed response time.
func (t *Tracker) ReportSuccess(url string, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[url] = model.NodeHealth{
		URL:          url,
		Healthy:      true,
		LastChecked:  time.Now(),
		ResponseTime: rtt,
	}
}

// ReportFailure marks url unhealthy and bumps its consecutive error count.
func (t *Tracker) ReportFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[url]
	rec.URL = url
	rec.Healthy = false
	rec.LastChecked = time.Now()
	rec.ConsecutiveErrors++
	t.records[url] = rec
}

// Get returns the record for url and whether one exists.
func (t *Tracker) Get(url string) (model.NodeHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[url]
	return rec, ok
}

// Snapshot returns a copy of every record.
func (t *Tracker) Snapshot() []model.NodeHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.NodeHealth, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	return out
}

// Ranked orders candidate URLs for fallback: currently-healthy endpoints by
// ascending response time first, then unprobed endpoints, then unhealthy ones
// by fewest consecutive errors. Unprobed endpoints get the benefit of the
// doubt so a cold table still tries everything.
func (t *Tracker) Ranked(urls []string) []string {
	t.mu.RLock()
	snap := make(map[string]model.NodeHealth, len(urls))
	for _, u := range urls {
		if rec, ok := t.records[u]; ok {
			snap[u] = rec
		}
	}
	t.mu.RUnlock()

	out := append([]string(nil), urls...)
	rank := func(u string) int {
		rec, ok := snap[u]
		switch {
		case ok && rec.Healthy:
			return 0
		case !ok:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return snap[out[i]].ResponseTime < snap[out[j]].ResponseTime
		}
		if ri == 2 {
			return snap[out[i]].ConsecutiveErrors < snap[out[j]].ConsecutiveErrors
		}
		return false
	})
	return out
}

// probe issues one health check against every candidate endpoint.
func (c *Client) probe(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range c.endpoints() {
		url := u
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
			defer cancel()

			start := time.Now()
			req, err := http.NewRequestWithContext(pctx, http.MethodGet, url+"/health", nil)
			if err != nil {
				return nil
			}
			resp, err := c.httpClient.Do(req)
			if err != nil || resp.StatusCode != http.StatusOK {
				if resp != nil {
					resp.Body.Close()
				}
				c.health.ReportFailure(url)
				return nil
			}
			resp.Body.Close()
			c.health.ReportSuccess(url, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
}

// StartProbing launches the background health prober. Stop with StopProbing.
func (c *Client) StartProbing(ctx context.Context) {
	c.proberMu.Lock()
	defer c.proberMu.Unlock()
	if c.proberStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.proberStop = stop
	c.proberDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()
		c.probe(ctx)
		for {
			select {
			case <-ticker.C:
				c.probe(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	c.logger.Info("storage health prober started",
		zap.Duration("interval", c.cfg.HealthInterval),
		zap.Int("endpoints", len(c.endpoints())))
}

// StopProbing halts the background prober and waits for it to exit.
func (c *Client) StopProbing() {
	c.proberMu.Lock()
	stop, done := c.proberStop, c.proberDone
	c.proberStop, c.proberDone = nil, nil
	c.proberMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
