package destination

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Driver uploads to S3 or an S3-compatible provider. A configured service
// URL switches to path-style addressing, which MinIO and friends require.
type s3Driver struct {
	cfg *S3Config
}

func (d *s3Driver) client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(d.cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.cfg.AccessKey, d.cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, nonTransient(fmt.Errorf("destination: s3 config: %w", err))
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if d.cfg.ServiceURL != "" {
			o.BaseEndpoint = aws.String(d.cfg.ServiceURL)
			o.UsePathStyle = true
		}
		if d.cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

func (d *s3Driver) key(relPath string) string {
	if d.cfg.Prefix != "" {
		return path.Join(d.cfg.Prefix, relPath)
	}
	return relPath
}

func (d *s3Driver) put(ctx context.Context, key string, body *bytes.Reader) error {
	client, err := d.client(ctx)
	if err != nil {
		return err
	}

	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(d.cfg.BucketName),
		Key:    aws.String(key),
		Body:   body,
	}
	if d.cfg.StorageClass != "" {
		input.StorageClass = types.StorageClass(d.cfg.StorageClass)
	}

	if _, err := client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("destination: s3 put: %w", err)
	}
	return nil
}

func (d *s3Driver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: s3 read source: %w", err))
	}

	key := d.key(relPath)
	if err := d.put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("s3://%s/%s", d.cfg.BucketName, key), int64(len(data)), nil
}

// test probes the bucket location, uploads a marker object under reef-test/,
// and removes it again.
func (d *s3Driver) test(ctx context.Context, name string, content []byte) (string, error) {
	client, err := d.client(ctx)
	if err != nil {
		return "", err
	}

	if _, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(d.cfg.BucketName),
	}); err != nil {
		return "", fmt.Errorf("destination: s3 bucket probe: %w", err)
	}

	key := path.Join("reef-test", name)
	if err := d.put(ctx, key, bytes.NewReader(content)); err != nil {
		return "", err
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.BucketName),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("destination: s3 cleanup: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", d.cfg.BucketName, key), nil
}

func (d *s3Driver) compensate(ctx context.Context, finalPath string) error {
	client, err := d.client(ctx)
	if err != nil {
		return err
	}

	key := finalPath
	prefix := fmt.Sprintf("s3://%s/", d.cfg.BucketName)
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		key = key[len(prefix):]
	}

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.BucketName),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("destination: s3 delete: %w", err)
	}
	return nil
}
