package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jlaffaye/ftp"
	sftpclient "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/reef-io/reef/internal/destination"
)

func decode[T any](configJSON string) (*T, error) {
	var cfg T
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("source: config: %w", err)
	}
	return &cfg, nil
}

// -----------------------------------------------------------------------------
// FTP
// -----------------------------------------------------------------------------

type ftpFetcher struct {
	cfg *destination.FTPConfig
}

func newFTPFetcher(configJSON string) (Fetcher, error) {
	cfg, err := decode[destination.FTPConfig](configJSON)
	if err != nil {
		return nil, err
	}
	return &ftpFetcher{cfg: cfg}, nil
}

func (f *ftpFetcher) connect(ctx context.Context) (*ftp.ServerConn, error) {
	port := f.cfg.Port
	if port == 0 {
		port = 21
	}
	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", f.cfg.Host, port),
		ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("source: ftp dial: %w", err)
	}
	if err := conn.Login(f.cfg.Username, f.cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("source: ftp login: %w", err)
	}
	return conn, nil
}

func (f *ftpFetcher) Fetch(ctx context.Context, pattern, rule string) ([]Item, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	dir := f.cfg.RemotePath
	if dir == "" {
		dir = "/"
	}
	entries, err := conn.List(dir)
	if err != nil {
		return nil, fmt.Errorf("source: ftp list: %w", err)
	}

	var candidates []Item
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile || !matchPattern(pattern, e.Name) {
			continue
		}
		candidates = append(candidates, Item{
			Identifier: path.Join(dir, e.Name),
			ModTime:    e.Time,
		})
	}

	selected := applySelection(candidates, rule)
	for i := range selected {
		resp, err := conn.Retr(selected[i].Identifier)
		if err != nil {
			return nil, fmt.Errorf("source: ftp retrieve %s: %w", selected[i].Identifier, err)
		}
		content, err := io.ReadAll(resp)
		resp.Close()
		if err != nil {
			return nil, fmt.Errorf("source: ftp read %s: %w", selected[i].Identifier, err)
		}
		selected[i].Content = content
	}
	return selected, nil
}

func (f *ftpFetcher) Archive(ctx context.Context, identifier, archivePath string) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	target := path.Join(archivePath, path.Base(identifier))
	_ = conn.MakeDir(archivePath)
	if err := conn.Rename(identifier, target); err != nil {
		return fmt.Errorf("source: ftp archive: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// SFTP
// -----------------------------------------------------------------------------

type sftpFetcher struct {
	cfg *destination.SFTPConfig
}

func newSFTPFetcher(configJSON string) (Fetcher, error) {
	cfg, err := decode[destination.SFTPConfig](configJSON)
	if err != nil {
		return nil, err
	}
	return &sftpFetcher{cfg: cfg}, nil
}

func (f *sftpFetcher) connect() (*ssh.Client, *sftpclient.Client, error) {
	var methods []ssh.AuthMethod
	if f.cfg.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if f.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(f.cfg.PrivateKey), []byte(f.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(f.cfg.PrivateKey))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("source: sftp private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if f.cfg.Password != "" {
		methods = append(methods, ssh.Password(f.cfg.Password))
	}

	port := f.cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	sshConn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", f.cfg.Host, port), &ssh.ClientConfig{
		User:            f.cfg.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("source: sftp dial: %w", err)
	}
	client, err := sftpclient.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, fmt.Errorf("source: sftp session: %w", err)
	}
	return sshConn, client, nil
}

func (f *sftpFetcher) Fetch(ctx context.Context, pattern, rule string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sshConn, client, err := f.connect()
	if err != nil {
		return nil, err
	}
	defer sshConn.Close()
	defer client.Close()

	dir := f.cfg.RemotePath
	if dir == "" {
		dir = "/"
	}
	entries, err := client.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("source: sftp list: %w", err)
	}

	var candidates []Item
	for _, e := range entries {
		if e.IsDir() || !matchPattern(pattern, e.Name()) {
			continue
		}
		candidates = append(candidates, Item{
			Identifier: path.Join(dir, e.Name()),
			ModTime:    e.ModTime(),
		})
	}

	selected := applySelection(candidates, rule)
	for i := range selected {
		remote, err := client.Open(selected[i].Identifier)
		if err != nil {
			return nil, fmt.Errorf("source: sftp open %s: %w", selected[i].Identifier, err)
		}
		content, err := io.ReadAll(remote)
		remote.Close()
		if err != nil {
			return nil, fmt.Errorf("source: sftp read %s: %w", selected[i].Identifier, err)
		}
		selected[i].Content = content
	}
	return selected, nil
}

func (f *sftpFetcher) Archive(ctx context.Context, identifier, archivePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sshConn, client, err := f.connect()
	if err != nil {
		return err
	}
	defer sshConn.Close()
	defer client.Close()

	_ = client.MkdirAll(archivePath)
	target := path.Join(archivePath, path.Base(identifier))
	if err := client.Rename(identifier, target); err != nil {
		return fmt.Errorf("source: sftp archive: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// S3
// -----------------------------------------------------------------------------

type s3Fetcher struct {
	cfg *destination.S3Config
}

func newS3Fetcher(configJSON string) (Fetcher, error) {
	cfg, err := decode[destination.S3Config](configJSON)
	if err != nil {
		return nil, err
	}
	return &s3Fetcher{cfg: cfg}, nil
}

func (f *s3Fetcher) client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(f.cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(f.cfg.AccessKey, f.cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("source: s3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.cfg.ServiceURL != "" {
			o.BaseEndpoint = aws.String(f.cfg.ServiceURL)
			o.UsePathStyle = true
		}
	}), nil
}

func (f *s3Fetcher) Fetch(ctx context.Context, pattern, rule string) ([]Item, error) {
	client, err := f.client(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []Item
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.cfg.BucketName),
		Prefix: aws.String(f.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !matchPattern(pattern, key) {
				continue
			}
			item := Item{Identifier: key}
			if obj.LastModified != nil {
				item.ModTime = *obj.LastModified
			}
			candidates = append(candidates, item)
		}
	}

	selected := applySelection(candidates, rule)
	for i := range selected {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(f.cfg.BucketName),
			Key:    aws.String(selected[i].Identifier),
		})
		if err != nil {
			return nil, fmt.Errorf("source: s3 get %s: %w", selected[i].Identifier, err)
		}
		content, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("source: s3 read %s: %w", selected[i].Identifier, err)
		}
		selected[i].Content = content
	}
	return selected, nil
}

func (f *s3Fetcher) Archive(ctx context.Context, identifier, archivePath string) error {
	client, err := f.client(ctx)
	if err != nil {
		return err
	}

	target := path.Join(archivePath, path.Base(identifier))
	if _, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(f.cfg.BucketName),
		CopySource: aws.String(f.cfg.BucketName + "/" + identifier),
		Key:        aws.String(target),
	}); err != nil {
		return fmt.Errorf("source: s3 archive copy: %w", err)
	}
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.cfg.BucketName),
		Key:    aws.String(identifier),
	}); err != nil {
		return fmt.Errorf("source: s3 archive delete: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Azure Blob
// -----------------------------------------------------------------------------

type azureBlobFetcher struct {
	cfg *destination.AzureBlobConfig
}

func newAzureBlobFetcher(configJSON string) (Fetcher, error) {
	cfg, err := decode[destination.AzureBlobConfig](configJSON)
	if err != nil {
		return nil, err
	}
	return &azureBlobFetcher{cfg: cfg}, nil
}

func (f *azureBlobFetcher) Fetch(ctx context.Context, pattern, rule string) ([]Item, error) {
	client, err := azblob.NewClientFromConnectionString(f.cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("source: azblob client: %w", err)
	}

	var candidates []Item
	pager := client.NewListBlobsFlatPager(f.cfg.ContainerName, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: azblob list: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			name := *blob.Name
			if !matchPattern(pattern, name) {
				continue
			}
			item := Item{Identifier: name}
			if blob.Properties != nil && blob.Properties.LastModified != nil {
				item.ModTime = *blob.Properties.LastModified
			}
			candidates = append(candidates, item)
		}
	}

	selected := applySelection(candidates, rule)
	for i := range selected {
		resp, err := client.DownloadStream(ctx, f.cfg.ContainerName, selected[i].Identifier, nil)
		if err != nil {
			return nil, fmt.Errorf("source: azblob get %s: %w", selected[i].Identifier, err)
		}
		content, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("source: azblob read %s: %w", selected[i].Identifier, err)
		}
		selected[i].Content = content
	}
	return selected, nil
}

func (f *azureBlobFetcher) Archive(ctx context.Context, identifier, archivePath string) error {
	client, err := azblob.NewClientFromConnectionString(f.cfg.ConnectionString, nil)
	if err != nil {
		return fmt.Errorf("source: azblob client: %w", err)
	}

	resp, err := client.DownloadStream(ctx, f.cfg.ContainerName, identifier, nil)
	if err != nil {
		return fmt.Errorf("source: azblob archive read: %w", err)
	}
	content, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("source: azblob archive read: %w", err)
	}

	target := path.Join(archivePath, path.Base(identifier))
	if _, err := client.UploadStream(ctx, f.cfg.ContainerName, target, bytes.NewReader(content), nil); err != nil {
		return fmt.Errorf("source: azblob archive write: %w", err)
	}
	if _, err := client.DeleteBlob(ctx, f.cfg.ContainerName, identifier, nil); err != nil {
		return fmt.Errorf("source: azblob archive delete: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------------

// httpFetcher fetches one payload per run from a URL. Pattern and selection
// do not apply; archive is a no-op because the remote owns the resource.
type httpFetcher struct {
	cfg *destination.HTTPConfig
}

func newHTTPFetcher(configJSON string) (Fetcher, error) {
	cfg, err := decode[destination.HTTPConfig](configJSON)
	if err != nil {
		return nil, err
	}
	return &httpFetcher{cfg: cfg}, nil
}

func (f *httpFetcher) Fetch(ctx context.Context, _, _ string) ([]Item, error) {
	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	method := f.cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: http request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case f.cfg.AuthToken != "":
		req.Header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	case f.cfg.Username != "":
		req.SetBasicAuth(f.cfg.Username, f.cfg.Password)
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source: http status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source: http read: %w", err)
	}
	return []Item{{Identifier: f.cfg.URL, Content: content, ModTime: time.Now()}}, nil
}

func (f *httpFetcher) Archive(_ context.Context, _, _ string) error {
	return nil
}
