package models

import (
	"os"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync Configuration
//
// Loads sync settings from environment variables. When TASKHUB_SYNC_ENABLED
// is true, the instance runs a background goroutine that periodically drives
// a full session against the remote server: push queued events, verify
// hashes, resolve conflicts, apply resolutions.
// ============================================================================

// SyncConfig holds the configuration for the sync client.
// All values are loaded from environment variables to keep
// deployment configuration external to the binary.
type SyncConfig struct {
	Enabled   bool          // Whether sync is active (TASKHUB_SYNC_ENABLED)
	RemoteURL string        // Base URL of the remote instance (TASKHUB_SYNC_REMOTE_URL)
	Username  string        // Authentication username (TASKHUB_SYNC_USERNAME)
	Password  string        // Authentication password (TASKHUB_SYNC_PASSWORD)
	Interval  time.Duration // Polling interval between sync sessions (TASKHUB_SYNC_INTERVAL)
	BatchSize int           // Max entities per push/pull batch (TASKHUB_SYNC_BATCH_SIZE)
}

// defaultSyncInterval is used when TASKHUB_SYNC_INTERVAL is not set.
// 5 minutes balances freshness with network overhead for a household-scale
// deployment.
const defaultSyncInterval = 5 * time.Minute

const defaultSyncBatchSize = 100

// LoadSyncConfig reads sync configuration from environment variables.
// Returns a config even when sync is disabled so callers can inspect
// the state without nil checks.
func LoadSyncConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{
		Interval:  defaultSyncInterval,
		BatchSize: defaultSyncBatchSize,
	}

	// Enabled flag defaults to false (opt-in design)
	if enabledStr := os.Getenv("TASKHUB_SYNC_ENABLED"); enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid TASKHUB_SYNC_ENABLED value, expected true/false")
		}
		cfg.Enabled = enabled
	}

	cfg.RemoteURL = os.Getenv("TASKHUB_SYNC_REMOTE_URL")
	cfg.Username = os.Getenv("TASKHUB_SYNC_USERNAME")
	cfg.Password = os.Getenv("TASKHUB_SYNC_PASSWORD")

	if intervalStr := os.Getenv("TASKHUB_SYNC_INTERVAL"); intervalStr != "" {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			return nil, serr.Wrap(err, "invalid TASKHUB_SYNC_INTERVAL value, expected duration like '5m' or '30s'")
		}
		cfg.Interval = interval
	}

	if batchStr := os.Getenv("TASKHUB_SYNC_BATCH_SIZE"); batchStr != "" {
		batch, err := strconv.Atoi(batchStr)
		if err != nil || batch <= 0 {
			return nil, serr.New("invalid TASKHUB_SYNC_BATCH_SIZE value, expected a positive integer")
		}
		cfg.BatchSize = batch
	}

	return cfg, nil
}

// Validate checks that all required fields are present when sync is enabled.
// Called before starting the sync client to fail fast on misconfiguration
// rather than discovering missing credentials mid-session.
func (c *SyncConfig) Validate() error {
	if !c.Enabled {
		return nil // Nothing to validate when sync is disabled
	}

	if c.RemoteURL == "" {
		return serr.New("TASKHUB_SYNC_REMOTE_URL is required when sync is enabled")
	}
	if c.Username == "" {
		return serr.New("TASKHUB_SYNC_USERNAME is required when sync is enabled")
	}
	if c.Password == "" {
		return serr.New("TASKHUB_SYNC_PASSWORD is required when sync is enabled")
	}
	if c.Interval < 10*time.Second {
		return serr.New("TASKHUB_SYNC_INTERVAL must be at least 10s to avoid overwhelming the remote")
	}

	return nil
}
