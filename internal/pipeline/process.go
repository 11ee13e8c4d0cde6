package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reef-io/reef/internal/dbclient"
)

// ProcessConfig is the pre/post-process step stored as JSON on a profile.
// SQL runs on the profile's connection with its own timeout. The remaining
// knobs only apply to post-process.
type ProcessConfig struct {
	SQL               string `json:"sql"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	OnZeroRows        bool   `json:"on_zero_rows"`        // run even when the query produced no rows
	SkipOnFailure     bool   `json:"skip_on_failure"`     // a failed step does not fail the run
	RollbackOnFailure bool   `json:"rollback_on_failure"` // compensate delivered artifacts on failure
}

// ParseProcessConfig decodes a pre/post-process JSON blob. Empty input means
// no step configured.
func ParseProcessConfig(raw string) (*ProcessConfig, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var cfg ProcessConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("pipeline: process config: %w", err)
	}
	if cfg.SQL == "" {
		return nil, nil
	}
	return &cfg, nil
}

func (c *ProcessConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return dbclient.DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// runProcess executes one pre/post-process statement.
func runProcess(ctx context.Context, client dbclient.Client, cfg *ProcessConfig) error {
	if cfg == nil {
		return nil
	}
	if _, err := client.Exec(ctx, cfg.SQL, cfg.timeout()); err != nil {
		return fmt.Errorf("pipeline: process step: %w", err)
	}
	return nil
}
