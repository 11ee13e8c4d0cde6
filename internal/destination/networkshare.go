package destination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// networkShareDriver writes to a UNC path or mounted share. Mounting and
// credential handling belong to the host; the driver sees a filesystem path
// and adds its own short retry loop for flaky mounts.
type networkShareDriver struct {
	cfg    *NetworkShareConfig
	logger *zap.Logger
}

func (d *networkShareDriver) root() string {
	return filepath.Join(d.cfg.BasePath, d.cfg.SubFolder)
}

func (d *networkShareDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	retries := d.cfg.RetryCount
	if retries <= 0 {
		retries = 1
	}
	delay := time.Duration(d.cfg.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}

	target := filepath.Join(d.root(), filepath.FromSlash(relPath))

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			lastErr = err
		} else if bytes, err := copyFile(localPath, target); err != nil {
			lastErr = err
		} else {
			return target, bytes, nil
		}

		if attempt < retries-1 {
			d.logger.Warn("network share write failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", 0, fmt.Errorf("destination: network share write: %w", lastErr)
}

func (d *networkShareDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(d.root(), name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("destination: network share mkdir: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", fmt.Errorf("destination: network share write: %w", err)
	}
	return target, nil
}

func (d *networkShareDriver) compensate(_ context.Context, _ string) error {
	return ErrCompensateUnsupported
}
