// Package attest is the HTTP client for the trusted-execution attestation
// service.
package attest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/errs"
)

// Assessment operation kinds understood by the enclave.
const (
	OpValidate    = "validate"
	OpQuickAssess = "quick"
	OpFullAssess  = "full"
)

// Spec declares the requested assessment.
type Spec struct {
	Operation      string   `json:"operation"`
	Metrics        []string `json:"metrics,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// Report is the normalized attestation result. QualityScore is in basis
// points (0-10000); RawScore is the enclave's 0-100 scale.
type Report struct {
	EnclaveID          string
	QualityScore       int
	RawScore           int
	SecurityAssessment string
	AttestationHash    string
	Signature          []byte
	SignedPayload      []byte
	Timestamp          time.Time
}

// Client talks to one attestation endpoint with a bounded timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	verifyKey  ed25519.PublicKey // optional; empty disables signature checks
	maxRetries int
	logger     *zap.Logger
}

// NewClient constructs the attestation client. verifyKey may be nil to skip
// enclave signature verification (test deployments only).
func NewClient(baseURL string, timeout time.Duration, verifyKey ed25519.PublicKey, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		verifyKey:  verifyKey,
		maxRetries: 2,
		logger:     logger.Named("attest"),
	}
}

// attestResponse is the enclave's wire format.
type attestResponse struct {
	EnclaveID          string          `json:"enclave_id"`
	OverallScore       int             `json:"overall_score"` // 0-100
	SecurityAssessment string          `json:"security_assessment"`
	AttestationHash    string          `json:"attestation_hash"`
	Signature          string          `json:"signature"` // hex over payload
	Payload            json.RawMessage `json:"payload"`
	Timestamp          int64           `json:"timestamp"` // unix milliseconds
	Error              string          `json:"error,omitempty"`
}

// Attest submits a blob reference for assessment and returns the normalized
// report. Network-class failures are retried with backoff; an enclave-side
// rejection is surfaced as-is.
func (c *Client) Attest(ctx context.Context, blobID string, spec Spec) (*Report, error) {
	if spec.Operation == "" {
		spec.Operation = OpFullAssess
	}
	body, err := json.Marshal(struct {
		BlobID string `json:"blob_id"`
		Spec
	}{BlobID: blobID, Spec: spec})
	if err != nil {
		return nil, err
	}

	var wire attestResponse
	op := func() error {
		// Reset so a partially decoded failed attempt cannot leak fields
		// into the next attempt's result.
		wire = attestResponse{}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/attest", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("attestation service returned status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("decode attestation response: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("attest %s: %w", blobID, err)
	}
	if wire.Error != "" {
		return nil, fmt.Errorf("attestation rejected: %s", wire.Error)
	}
	if wire.OverallScore < 0 || wire.OverallScore > 100 {
		return nil, fmt.Errorf("attestation score %d outside 0-100", wire.OverallScore)
	}

	sig, err := hex.DecodeString(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode attestation signature: %w", err)
	}
	if len(c.verifyKey) == ed25519.PublicKeySize {
		if !ed25519.Verify(c.verifyKey, wire.Payload, sig) {
			return nil, fmt.Errorf("%w: attestation signature invalid", errs.ErrAccessDenied)
		}
	} else if len(c.verifyKey) == 0 {
		c.logger.Warn("attestation signature not verified (no verifier key configured)",
			zap.Bool("security", true))
	}

	return &Report{
		EnclaveID:          wire.EnclaveID,
		QualityScore:       wire.OverallScore * 100, // 0-100 -> basis points
		RawScore:           wire.OverallScore,
		SecurityAssessment: wire.SecurityAssessment,
		AttestationHash:    wire.AttestationHash,
		Signature:          sig,
		SignedPayload:      append([]byte(nil), wire.Payload...),
		Timestamp:          time.UnixMilli(wire.Timestamp),
	}, nil
}
