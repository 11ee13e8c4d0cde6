package destination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpDriver uploads over SSH. Password and private key auth are both
// supported; the key takes precedence when present.
type sftpDriver struct {
	cfg *SFTPConfig
}

func (d *sftpDriver) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if d.cfg.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if d.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(d.cfg.PrivateKey), []byte(d.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(d.cfg.PrivateKey))
		}
		if err != nil {
			return nil, nonTransient(fmt.Errorf("destination: sftp private key: %w", err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.cfg.Password != "" {
		methods = append(methods, ssh.Password(d.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, nonTransient(fmt.Errorf("destination: sftp: no credentials configured"))
	}
	return methods, nil
}

func (d *sftpDriver) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	methods, err := d.authMethods()
	if err != nil {
		return nil, nil, err
	}

	port := d.cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User:            d.cfg.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	sshConn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", d.cfg.Host, port), sshCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("destination: sftp dial: %w", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, fmt.Errorf("destination: sftp session: %w", err)
	}

	if err := ctx.Err(); err != nil {
		client.Close()
		sshConn.Close()
		return nil, nil, err
	}
	return sshConn, client, nil
}

func (d *sftpDriver) remotePath(relPath string) string {
	base := d.cfg.RemotePath
	if base == "" {
		base = "/"
	}
	return path.Join(strings.ReplaceAll(base, "\\", "/"), relPath)
}

func (d *sftpDriver) upload(ctx context.Context, remote string, r io.Reader) error {
	sshConn, client, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer sshConn.Close()
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("destination: sftp mkdir: %w", err)
	}

	f, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("destination: sftp create: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("destination: sftp write: %w", err)
	}
	return nil
}

func (d *sftpDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: sftp open source: %w", err))
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

func (d *sftpDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	remote := d.remotePath(name)
	if err := d.upload(ctx, remote, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return remote, nil
}

func (d *sftpDriver) compensate(_ context.Context, _ string) error {
	return ErrCompensateUnsupported
}
