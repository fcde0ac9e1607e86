// Package storage is a resilience-oriented client for the decentralized blob
// network: a publisher/aggregator pair plus ordered fallback aggregators,
// with retry/backoff, background health probing and connectivity diagnostics.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/model"
)

// maxTimeoutScalePct caps automatic timeout widening at 4x the configured value.
const maxTimeoutScalePct = 400

// Client talks to the blob network. Construct with NewClient; all methods are
// safe for concurrent use.
type Client struct {
	cfg        config.Storage
	httpClient *http.Client
	health     *Tracker
	diag       Diagnostics
	logger     *zap.Logger

	// timeout widening factor in percent, adjusted by diagnostics advice
	timeoutScalePct atomic.Int64

	proberMu   sync.Mutex
	proberStop chan struct{}
	proberDone chan struct{}
}

// NewClient constructs a storage client from environment configuration.
// A nil diagnostics sink disables connectivity advice.
func NewClient(cfg config.Storage, diag Diagnostics, logger *zap.Logger) (*Client, error) {
	if cfg.PublisherURL == "" || cfg.AggregatorURL == "" {
		return nil, fmt.Errorf("storage: publisher and aggregator URLs are required")
	}
	if diag == nil {
		diag = nopDiagnostics{}
	}

	transport := &http.Transport{}
	if cfg.UseProxy && cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("storage: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
		logger.Info("storage client routing through proxy", zap.String("proxy", cfg.ProxyURL))
	}

	c := &Client{
		cfg: cfg,
		// Per-request deadlines come from contexts; the transport itself has
		// no global timeout.
		httpClient: &http.Client{Transport: transport},
		health:     NewTracker(),
		diag:       diag,
		logger:     logger.Named("storage"),
	}
	c.timeoutScalePct.Store(100)
	return c, nil
}

// Health exposes the endpoint health table (read-only snapshots).
func (c *Client) Health() *Tracker { return c.health }

// ContentHash returns the blake3 hex digest used as the blob integrity hash.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload stores data on the network for the given number of epochs and
// returns its blob reference. All retries exhausted maps to
// errs.ErrStorageUnavailable.
func (c *Client) Upload(ctx context.Context, data []byte, epochs int) (model.BlobRef, error) {
	if len(data) == 0 {
		return model.BlobRef{}, fmt.Errorf("%w: empty payload", errs.ErrValidation)
	}
	if epochs <= 0 {
		epochs = c.cfg.DefaultEpochs
	}

	target := c.cfg.PublisherURL + "/v1/blobs?epochs=" + strconv.Itoa(epochs)
	var blobID string

	op := func() error {
		rctx, cancel := context.WithTimeout(ctx, c.scaled(c.cfg.UploadTimeout))
		defer cancel()

		req, err := http.NewRequestWithContext(rctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.reportFailure(c.cfg.PublisherURL, err, nil)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.reportFailure(c.cfg.PublisherURL, nil, resp)
			err := fmt.Errorf("publisher returned status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}

		var body struct {
			BlobID string `json:"blobId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode publisher response: %w", err)
		}
		if body.BlobID == "" {
			return backoff.Permanent(errors.New("publisher response missing blobId"))
		}
		c.health.ReportSuccess(c.cfg.PublisherURL, time.Since(start))
		blobID = body.BlobID
		return nil
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		if ctx.Err() != nil {
			return model.BlobRef{}, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		return model.BlobRef{}, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}

	return model.BlobRef{
		BlobID:      blobID,
		Size:        int64(len(data)),
		ContentHash: ContentHash(data),
	}, nil
}

// Download fetches a blob from the primary aggregator, falling back to the
// ranked fallback list when the primary is exhausted.
func (c *Client) Download(ctx context.Context, blobID string) ([]byte, error) {
	data, err := c.fetch(ctx, c.cfg.AggregatorURL, blobID)
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
	c.logger.Warn("primary aggregator exhausted, trying fallbacks",
		zap.String("blob_id", blobID), zap.Error(err))
	return c.DownloadFromFallback(ctx, blobID)
}

// DownloadFromFallback iterates the fallback aggregators in health-ranked
// order, short-circuiting on first success. All candidates exhausted maps to
// errs.ErrBlobNotFound.
func (c *Client) DownloadFromFallback(ctx context.Context, blobID string) ([]byte, error) {
	ranked := c.health.Ranked(c.cfg.FallbackAggregators)
	var lastErr error
	for _, ep := range ranked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		data, err := c.fetch(ctx, ep, blobID)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrBlobNotFound, blobID, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrBlobNotFound, blobID)
}

// DownloadVerified fetches ref and checks its content hash when one is known.
func (c *Client) DownloadVerified(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	data, err := c.Download(ctx, ref.BlobID)
	if err != nil {
		return nil, err
	}
	if ref.ContentHash != "" && ContentHash(data) != ref.ContentHash {
		return nil, fmt.Errorf("%w: content hash mismatch for %s", errs.ErrBlobNotFound, ref.BlobID)
	}
	return data, nil
}

// fetch retrieves a blob from one aggregator endpoint with retry/backoff.
func (c *Client) fetch(ctx context.Context, endpoint, blobID string) ([]byte, error) {
	target := endpoint + "/v1/blobs/" + url.PathEscape(blobID)
	var data []byte

	op := func() error {
		rctx, cancel := context.WithTimeout(ctx, c.scaled(c.cfg.DownloadTimeout))
		defer cancel()

		req, err := http.NewRequestWithContext(rctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.reportFailure(endpoint, err, nil)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			// The endpoint is reachable; the blob just is not there.
			c.health.ReportSuccess(endpoint, time.Since(start))
			return backoff.Permanent(fmt.Errorf("blob %s not found on %s", blobID, endpoint))
		default:
			c.reportFailure(endpoint, nil, resp)
			return fmt.Errorf("aggregator %s returned status %d", endpoint, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.reportFailure(endpoint, err, nil)
			return err
		}
		c.health.ReportSuccess(endpoint, time.Since(start))
		data = body
		return nil
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

// newBackOff builds the per-operation retry policy from configuration.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.Multiplier = c.cfg.BackoffMultiplier
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)
}

// scaled applies the diagnostics-driven widening factor to a timeout budget.
func (c *Client) scaled(d time.Duration) time.Duration {
	return d * time.Duration(c.timeoutScalePct.Load()) / 100
}

// reportFailure updates health records and forwards a classified event to the
// diagnostics sink, applying any returned advice.
func (c *Client) reportFailure(endpoint string, err error, resp *http.Response) {
	c.health.ReportFailure(endpoint)

	adv := c.diag.Report(ConnectivityEvent{
		Endpoint: endpoint,
		Kind:     classifyFailure(err, resp),
		Err:      err,
	})
	if adv.WidenTimeouts {
		cur := c.timeoutScalePct.Load()
		next := cur * 3 / 2
		if next > maxTimeoutScalePct {
			next = maxTimeoutScalePct
		}
		if next != cur && c.timeoutScalePct.CompareAndSwap(cur, next) {
			c.logger.Warn("widened storage timeouts",
				zap.Int64("scale_pct", next), zap.String("endpoint", endpoint))
		}
	}
	if adv.RecommendProxy && !c.cfg.UseProxy {
		c.logger.Warn("diagnostics recommend enabling the CORS proxy",
			zap.String("endpoint", endpoint))
	}
}

// classifyFailure buckets an error for the diagnostics sink. Best effort: a
// 403 without identifiable cause is treated as cross-origin class.
func classifyFailure(err error, resp *http.Response) FailureKind {
	if resp != nil && resp.StatusCode == http.StatusForbidden {
		return FailureCrossOrigin
	}
	if err == nil {
		return FailureOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return FailureTimeout
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return FailureConnection
	}
	return FailureOther
}

// endpoints lists every candidate the health prober should watch.
func (c *Client) endpoints() []string {
	eps := make([]string, 0, 2+len(c.cfg.FallbackAggregators))
	eps = append(eps, c.cfg.PublisherURL, c.cfg.AggregatorURL)
	eps = append(eps, c.cfg.FallbackAggregators...)
	return eps
}
