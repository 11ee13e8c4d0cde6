package destination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// DefaultMaxRetries is how many times a transient delivery failure is
// retried after the initial attempt.
const DefaultMaxRetries = 3

// ErrCompensateUnsupported marks kinds without artifact removal; rollback
// treats it as a no-op rather than a failure.
var ErrCompensateUnsupported = errors.New("destination: compensate not supported for this kind")

// errNonTransient wraps failures that retrying cannot fix (bad config,
// authentication rejection). Save short-circuits on these.
type errNonTransient struct{ err error }

func (e errNonTransient) Error() string { return e.err.Error() }
func (e errNonTransient) Unwrap() error { return e.err }

// nonTransient marks an error as not worth retrying.
func nonTransient(err error) error { return errNonTransient{err: err} }

// SaveResult reports one delivery.
type SaveResult struct {
	FinalPath string
	Bytes     int64
}

// TestResult reports a connectivity probe.
type TestResult struct {
	Success    bool
	FinalPath  string
	Bytes      int64
	ResponseMS int64
	Message    string
}

// driver is the per-kind delivery contract. relPath is the destination-side
// relative path derived by the dispatcher.
type driver interface {
	// save uploads the local file and returns the destination-side path.
	save(ctx context.Context, localPath, relPath string) (string, int64, error)

	// test probes connectivity with a small artifact.
	test(ctx context.Context, name string, content []byte) (string, error)

	// compensate removes a previously saved artifact, or returns
	// ErrCompensateUnsupported.
	compensate(ctx context.Context, finalPath string) error
}

// Dispatcher routes save/test/compensate calls to kind drivers, applying the
// shared retry policy and path derivation.
type Dispatcher struct {
	tempRoot    string // per-process scratch root exports are staged under
	baseDir     string // application base for relative local paths
	backoffUnit time.Duration
	logger      *zap.Logger
}

// Config carries dispatcher construction options.
type Config struct {
	TempRoot string
	BaseDir  string
	Logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	return &Dispatcher{
		tempRoot:    cfg.TempRoot,
		baseDir:     cfg.BaseDir,
		backoffUnit: time.Second,
		logger:      cfg.Logger.Named("destination"),
	}
}

// newDriver builds the kind driver from plaintext config JSON.
func (d *Dispatcher) newDriver(kind db.DestinationKind, configJSON string) (driver, error) {
	switch kind {
	case db.DestLocal:
		cfg, err := decodeConfig[LocalConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &localDriver{cfg: cfg, baseDir: d.baseDir}, nil
	case db.DestFTP:
		cfg, err := decodeConfig[FTPConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &ftpDriver{cfg: cfg}, nil
	case db.DestSFTP:
		cfg, err := decodeConfig[SFTPConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &sftpDriver{cfg: cfg}, nil
	case db.DestS3:
		cfg, err := decodeConfig[S3Config](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &s3Driver{cfg: cfg}, nil
	case db.DestAzureBlob:
		cfg, err := decodeConfig[AzureBlobConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &azureBlobDriver{cfg: cfg}, nil
	case db.DestHTTP:
		cfg, err := decodeConfig[HTTPConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &httpDriver{cfg: cfg}, nil
	case db.DestNetworkShare:
		cfg, err := decodeConfig[NetworkShareConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &networkShareDriver{cfg: cfg, logger: d.logger}, nil
	case db.DestWebDav:
		cfg, err := decodeConfig[WebDavConfig](kind, configJSON)
		if err != nil {
			return nil, err
		}
		return &webdavDriver{cfg: cfg}, nil
	case db.DestEmail:
		return &emailProbeDriver{}, nil
	default:
		return nil, fmt.Errorf("destination: unsupported kind %q", kind)
	}
}

// Save delivers a staged file. Transient failures are retried up to
// maxRetries times after the initial attempt, with exponential backoff
// (2, 4, 8... seconds). maxRetries <= 0 uses the default.
func (d *Dispatcher) Save(ctx context.Context, sourcePath string, kind db.DestinationKind, configJSON string, maxRetries int) (*SaveResult, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	drv, err := d.newDriver(kind, configJSON)
	if err != nil {
		return nil, err
	}
	return d.saveWithRetry(ctx, drv, kind, sourcePath, d.relativePath(sourcePath), maxRetries)
}

func (d *Dispatcher) saveWithRetry(ctx context.Context, drv driver, kind db.DestinationKind, sourcePath, relPath string, maxRetries int) (*SaveResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		finalPath, bytes, err := drv.save(ctx, sourcePath, relPath)
		if err == nil {
			d.logger.Info("artifact delivered",
				zap.String("kind", string(kind)),
				zap.String("final_path", finalPath),
				zap.Int64("bytes", bytes))
			return &SaveResult{FinalPath: finalPath, Bytes: bytes}, nil
		}
		lastErr = err

		var fatal errNonTransient
		if errors.As(err, &fatal) || attempt == maxRetries {
			break
		}

		backoff := d.backoffUnit << (attempt + 1)
		d.logger.Warn("delivery failed, retrying",
			zap.String("kind", string(kind)),
			zap.Int("retry", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("destination: save to %s: %w", kind, lastErr)
}

// Test probes a destination with a tiny artifact and reports timing.
func (d *Dispatcher) Test(ctx context.Context, kind db.DestinationKind, configJSON, testName string, testContent []byte) *TestResult {
	if testName == "" {
		testName = fmt.Sprintf("reef-test-%d.txt", time.Now().Unix())
	}
	if len(testContent) == 0 {
		testContent = []byte("reef destination test")
	}

	drv, err := d.newDriver(kind, configJSON)
	if err != nil {
		return &TestResult{Message: err.Error()}
	}

	start := time.Now()
	finalPath, err := drv.test(ctx, testName, testContent)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &TestResult{ResponseMS: elapsed, Message: err.Error()}
	}
	return &TestResult{
		Success:    true,
		FinalPath:  finalPath,
		Bytes:      int64(len(testContent)),
		ResponseMS: elapsed,
		Message:    "ok",
	}
}

// Compensate removes a previously delivered artifact during saga rollback.
// Unsupported kinds return ErrCompensateUnsupported.
func (d *Dispatcher) Compensate(ctx context.Context, finalPath string, kind db.DestinationKind, configJSON string) error {
	drv, err := d.newDriver(kind, configJSON)
	if err != nil {
		return err
	}
	if err := drv.compensate(ctx, finalPath); err != nil {
		return err
	}
	d.logger.Info("artifact compensated",
		zap.String("kind", string(kind)),
		zap.String("final_path", finalPath))
	return nil
}

// relativePath derives the destination-side relative path from a staged
// file: the path under the temp root, with a leading all-numeric
// process-isolation segment stripped. Files outside the temp root keep only
// their base name.
func (d *Dispatcher) relativePath(sourcePath string) string {
	rel, err := filepath.Rel(d.tempRoot, sourcePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(sourcePath)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 && isNumeric(parts[0]) {
		parts = parts[1:]
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
