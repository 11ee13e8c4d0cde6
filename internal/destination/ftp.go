package destination

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpDriver uploads over FTP/FTPS, creating missing remote directories along
// the relative path.
type ftpDriver struct {
	cfg *FTPConfig
}

func (d *ftpDriver) connect(ctx context.Context) (*ftp.ServerConn, error) {
	port := d.cfg.Port
	if port == 0 {
		port = 21
	}
	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if d.cfg.UseSSL {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: d.cfg.Host}))
	}
	if !d.cfg.UsePassiveMode {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", d.cfg.Host, port), opts...)
	if err != nil {
		return nil, fmt.Errorf("destination: ftp dial: %w", err)
	}
	if err := conn.Login(d.cfg.Username, d.cfg.Password); err != nil {
		conn.Quit()
		return nil, nonTransient(fmt.Errorf("destination: ftp login: %w", err))
	}
	return conn, nil
}

func (d *ftpDriver) remotePath(relPath string) string {
	base := d.cfg.RemotePath
	if base == "" {
		base = "/"
	}
	return path.Join(strings.ReplaceAll(base, "\\", "/"), relPath)
}

func (d *ftpDriver) upload(ctx context.Context, remote string, r io.Reader) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := mkdirAllFTP(conn, path.Dir(remote)); err != nil {
		return err
	}
	if err := conn.Stor(remote, r); err != nil {
		return fmt.Errorf("destination: ftp store: %w", err)
	}
	return nil
}

func (d *ftpDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: ftp open source: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, nonTransient(err)
	}

	remote := d.remotePath(relPath)
	if err := d.upload(ctx, remote, f); err != nil {
		return "", 0, err
	}
	return remote, info.Size(), nil
}

func (d *ftpDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	remote := d.remotePath(name)
	if err := d.upload(ctx, remote, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return remote, nil
}

func (d *ftpDriver) compensate(ctx context.Context, finalPath string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete(finalPath); err != nil {
		return fmt.Errorf("destination: ftp delete: %w", err)
	}
	return nil
}

// mkdirAllFTP creates each missing segment of a remote directory path.
// MakeDir on an existing directory errors; that is indistinguishable from a
// permission failure on many servers, so errors here are ignored and the
// upload itself is the arbiter.
func mkdirAllFTP(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, seg := range segments {
		current = path.Join(current, seg)
		_ = conn.MakeDir(current)
	}
	return nil
}
