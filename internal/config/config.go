// Package config loads environment-specific settings for the marketplace core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage configures the blob network client.
type Storage struct {
	PublisherURL        string        `yaml:"publisher_url"`
	AggregatorURL       string        `yaml:"aggregator_url"`
	FallbackAggregators []string      `yaml:"fallback_aggregators"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	DownloadTimeout     time.Duration `yaml:"download_timeout"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	DefaultEpochs       int           `yaml:"default_epochs"`
	UseProxy            bool          `yaml:"use_proxy"`
	ProxyURL            string        `yaml:"proxy_url"`
}

// DEKCache configures the short-lived symmetric key cache.
type DEKCache struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// KeyServers configures the external key-management backend.
type KeyServers struct {
	Endpoints []string      `yaml:"endpoints"`
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
	// AllowPlaintextFallback permits storing unencrypted bytes when the key
	// backend is unreachable. Security-relevant; defaults to off and every
	// use is logged.
	AllowPlaintextFallback bool `yaml:"allow_plaintext_fallback"`
}

// Upload configures validation and concurrency limits for the upload orchestrator.
type Upload struct {
	MaxFileBytes      int64    `yaml:"max_file_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
}

// Verification configures the attestation step.
type Verification struct {
	AttestationURL  string        `yaml:"attestation_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MinQualityScore int           `yaml:"min_quality_score"` // basis points, 0-10000
	VerifierKeyHex  string        `yaml:"verifier_key_hex"`  // ed25519 public key of the enclave
}

// Purchase configures access ticket issuance.
type Purchase struct {
	AccessTTL       time.Duration `yaml:"access_ttl"`
	SessionSignKey  string        `yaml:"session_sign_key"`
	SettlementCache time.Duration `yaml:"settlement_cache"`
}

// Ledger configures the chain gateway endpoint and the local signer.
type Ledger struct {
	GatewayURL   string        `yaml:"gateway_url"`
	Timeout      time.Duration `yaml:"timeout"`
	SignerKeyHex string        `yaml:"signer_key_hex"` // ed25519 seed, hex
}

// Monitor configures ledger polling and health alerting.
type Monitor struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
}

// Config is the root configuration document.
type Config struct {
	Storage      Storage      `yaml:"storage"`
	DEKCache     DEKCache     `yaml:"dek_cache"`
	KeyServers   KeyServers   `yaml:"key_servers"`
	Upload       Upload       `yaml:"upload"`
	Verification Verification `yaml:"verification"`
	Purchase     Purchase     `yaml:"purchase"`
	Ledger       Ledger       `yaml:"ledger"`
	Monitor      Monitor      `yaml:"monitor"`
}

// Default returns the configuration used when no file is provided.
// Limits mirror the enclave-side defaults (100MB cap, 60% quality floor).
func Default() *Config {
	return &Config{
		Storage: Storage{
			UploadTimeout:     60 * time.Second,
			DownloadTimeout:   30 * time.Second,
			HealthTimeout:     5 * time.Second,
			HealthInterval:    30 * time.Second,
			MaxRetries:        3,
			InitialBackoff:    500 * time.Millisecond,
			BackoffMultiplier: 2.0,
			DefaultEpochs:     5,
		},
		DEKCache: DEKCache{
			TTL:        10 * time.Minute,
			MaxEntries: 128,
		},
		KeyServers: KeyServers{
			Threshold: 2,
			Timeout:   10 * time.Second,
		},
		Upload: Upload{
			MaxFileBytes:      100 * 1024 * 1024,
			AllowedExtensions: []string{"json", "model", "csv", "data", "txt", "pdf", "onnx", "pt", "pb"},
			MaxConcurrent:     4,
		},
		Verification: Verification{
			Timeout:         5 * time.Minute,
			MinQualityScore: 6000,
		},
		Purchase: Purchase{
			AccessTTL:       24 * time.Hour,
			SettlementCache: 30 * time.Minute,
		},
		Ledger: Ledger{
			Timeout: 30 * time.Second,
		},
		Monitor: Monitor{
			PollInterval: 10 * time.Second,
			PollJitter:   2 * time.Second,
			MaxBackoff:   2 * time.Minute,
			DedupWindow:  5 * time.Minute,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Storage.PublisherURL == "" || c.Storage.AggregatorURL == "" {
		return fmt.Errorf("config: storage publisher and aggregator URLs are required")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("config: storage max_retries must be >= 0")
	}
	if c.Storage.BackoffMultiplier < 1 {
		return fmt.Errorf("config: storage backoff_multiplier must be >= 1")
	}
	if c.DEKCache.TTL <= 0 || c.DEKCache.MaxEntries <= 0 {
		return fmt.Errorf("config: dek_cache ttl and max_entries must be positive")
	}
	if c.KeyServers.Threshold <= 0 {
		return fmt.Errorf("config: key_servers threshold must be positive")
	}
	if len(c.KeyServers.Endpoints) < c.KeyServers.Threshold {
		return fmt.Errorf("config: key_servers needs at least %d endpoints", c.KeyServers.Threshold)
	}
	if c.Upload.MaxFileBytes <= 0 {
		return fmt.Errorf("config: upload max_file_bytes must be positive")
	}
	if c.Verification.MinQualityScore < 0 || c.Verification.MinQualityScore > 10000 {
		return fmt.Errorf("config: verification min_quality_score must be within 0..10000")
	}
	if c.Purchase.AccessTTL <= 0 {
		return fmt.Errorf("config: purchase access_ttl must be positive")
	}
	if len(c.Purchase.SessionSignKey) < 16 {
		return fmt.Errorf("config: purchase session_sign_key must be at least 16 bytes")
	}
	if c.Ledger.GatewayURL == "" {
		return fmt.Errorf("config: ledger gateway_url is required")
	}
	return nil
}
