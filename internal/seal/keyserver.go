package seal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/errgroup"

	"github.com/satyalabs/satya-core/internal/errs"
)

// KeyServer supplies the per-policy data-encryption key from the external
// key-management backend. Implementations are all-or-nothing per call: a
// partial quorum is a failure, never a degraded key.
type KeyServer interface {
	FetchDEK(ctx context.Context, policyID string) ([]byte, error)
}

// ThresholdClient fetches key shares from independent key-holding servers and
// combines them once at least `threshold` distinct shares arrive. One server
// timing out below the quorum fails the whole call.
type ThresholdClient struct {
	endpoints  []string
	threshold  int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewThresholdClient constructs a key-server client.
func NewThresholdClient(endpoints []string, threshold int, timeout time.Duration, logger *zap.Logger) (*ThresholdClient, error) {
	if threshold <= 0 || len(endpoints) < threshold {
		return nil, fmt.Errorf("seal: need at least %d key server endpoints, got %d", threshold, len(endpoints))
	}
	return &ThresholdClient{
		endpoints:  endpoints,
		threshold:  threshold,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("keyserver"),
	}, nil
}

// FetchDEK queries every endpoint concurrently and derives the DEK from the
// collected shares. Maps any quorum shortfall to errs.ErrEncryptionUnavailable.
func (c *ThresholdClient) FetchDEK(ctx context.Context, policyID string) ([]byte, error) {
	type share struct {
		endpoint string
		bytes    []byte
	}

	var (
		mu     sync.Mutex
		shares []share
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range c.endpoints {
		endpoint := ep
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodPost,
				endpoint+"/v1/keys/"+policyID, nil)
			if err != nil {
				return nil
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logger.Warn("key server unreachable", zap.String("endpoint", endpoint), zap.Error(err))
				return nil
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("key server rejected share request",
					zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
				return nil
			}
			var body struct {
				Share string `json:"share"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return nil
			}
			raw, err := hex.DecodeString(body.Share)
			if err != nil || len(raw) == 0 {
				return nil
			}
			mu.Lock()
			shares = append(shares, share{endpoint: endpoint, bytes: raw})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(shares) < c.threshold {
		return nil, fmt.Errorf("%w: got %d of %d required key shares",
			errs.ErrEncryptionUnavailable, len(shares), c.threshold)
	}

	// Deterministic combination: shares ordered by endpoint, stretched
	// through HKDF bound to the policy id.
	sort.Slice(shares, func(i, j int) bool { return shares[i].endpoint < shares[j].endpoint })
	var material []byte
	for _, s := range shares[:c.threshold] {
		material = append(material, s.bytes...)
	}
	r := hkdf.New(sha256.New, material, nil, []byte("satya-dek:"+policyID))
	dek := make([]byte, dekLen)
	if _, err := r.Read(dek); err != nil {
		return nil, fmt.Errorf("%w: derive dek: %v", errs.ErrEncryptionUnavailable, err)
	}
	return dek, nil
}
