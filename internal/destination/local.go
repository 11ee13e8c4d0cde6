package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// localDriver copies artifacts into a directory tree. Relative base paths
// resolve against the application base directory when so configured.
type localDriver struct {
	cfg     *LocalConfig
	baseDir string
}

func (d *localDriver) root() string {
	if d.cfg.UseRelativePath && !filepath.IsAbs(d.cfg.BasePath) {
		return filepath.Join(d.baseDir, d.cfg.BasePath)
	}
	return d.cfg.BasePath
}

func (d *localDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	target := filepath.Join(d.root(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: local mkdir: %w", err))
	}

	bytes, err := copyFile(localPath, target)
	if err != nil {
		return "", 0, fmt.Errorf("destination: local copy: %w", err)
	}
	return target, bytes, nil
}

func (d *localDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(d.root(), name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("destination: local mkdir: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", fmt.Errorf("destination: local write: %w", err)
	}
	return target, nil
}

func (d *localDriver) compensate(ctx context.Context, finalPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destination: local remove: %w", err)
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}
