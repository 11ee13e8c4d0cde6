package destination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// emailProbeDriver exists for dispatcher-level operations on email
// destinations. The actual send pipeline lives in internal/email; at this
// level a test writes a temp artifact, and save/compensate are not
// meaningful.
type emailProbeDriver struct{}

func (d *emailProbeDriver) save(_ context.Context, _, _ string) (string, int64, error) {
	return "", 0, nonTransient(fmt.Errorf("destination: email delivery goes through the email pipeline"))
}

func (d *emailProbeDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", fmt.Errorf("destination: email test: %w", err)
	}
	return target, nil
}

func (d *emailProbeDriver) compensate(_ context.Context, _ string) error {
	return ErrCompensateUnsupported
}
