package destination

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"
)

// webdavDriver uploads over WebDAV with basic auth.
type webdavDriver struct {
	cfg *WebDavConfig
}

func (d *webdavDriver) client() *gowebdav.Client {
	client := gowebdav.NewClient(d.cfg.URL, d.cfg.Username, d.cfg.Password)
	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.SetTimeout(timeout)
	return client
}

func (d *webdavDriver) remotePath(relPath string) string {
	return path.Join("/", d.cfg.RemotePath, relPath)
}

func (d *webdavDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: webdav read source: %w", err))
	}

	client := d.client()
	remote := d.remotePath(relPath)
	if err := client.MkdirAll(path.Dir(remote), 0o755); err != nil {
		return "", 0, fmt.Errorf("destination: webdav mkdir: %w", err)
	}
	if err := client.Write(remote, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("destination: webdav write: %w", err)
	}
	return remote, int64(len(data)), nil
}

func (d *webdavDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := d.remotePath(name)
	if err := d.client().Write(remote, content, 0o644); err != nil {
		return "", fmt.Errorf("destination: webdav write: %w", err)
	}
	return remote, nil
}

func (d *webdavDriver) compensate(_ context.Context, _ string) error {
	return ErrCompensateUnsupported
}
