package destination

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// azureBlobDriver uploads to an Azure Blob container via the connection
// string from the destination config.
type azureBlobDriver struct {
	cfg *AzureBlobConfig
}

func (d *azureBlobDriver) client() (*azblob.Client, error) {
	client, err := azblob.NewClientFromConnectionString(d.cfg.ConnectionString, nil)
	if err != nil {
		return nil, nonTransient(fmt.Errorf("destination: azblob client: %w", err))
	}
	return client, nil
}

func (d *azureBlobDriver) save(ctx context.Context, localPath, relPath string) (string, int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, nonTransient(fmt.Errorf("destination: azblob read source: %w", err))
	}

	client, err := d.client()
	if err != nil {
		return "", 0, err
	}

	if _, err := client.UploadBuffer(ctx, d.cfg.ContainerName, relPath, data, nil); err != nil {
		return "", 0, fmt.Errorf("destination: azblob upload: %w", err)
	}
	return fmt.Sprintf("%s/%s", d.cfg.ContainerName, relPath), int64(len(data)), nil
}

func (d *azureBlobDriver) test(ctx context.Context, name string, content []byte) (string, error) {
	client, err := d.client()
	if err != nil {
		return "", err
	}

	blobName := "reef-test/" + name
	if _, err := client.UploadStream(ctx, d.cfg.ContainerName, blobName, bytes.NewReader(content), nil); err != nil {
		return "", fmt.Errorf("destination: azblob upload: %w", err)
	}
	if _, err := client.DeleteBlob(ctx, d.cfg.ContainerName, blobName, nil); err != nil {
		return "", fmt.Errorf("destination: azblob cleanup: %w", err)
	}
	return fmt.Sprintf("%s/%s", d.cfg.ContainerName, blobName), nil
}

func (d *azureBlobDriver) compensate(ctx context.Context, finalPath string) error {
	client, err := d.client()
	if err != nil {
		return err
	}

	blobName := finalPath
	prefix := d.cfg.ContainerName + "/"
	if len(blobName) > len(prefix) && blobName[:len(prefix)] == prefix {
		blobName = blobName[len(prefix):]
	}

	if _, err := client.DeleteBlob(ctx, d.cfg.ContainerName, blobName, nil); err != nil {
		return fmt.Errorf("destination: azblob delete: %w", err)
	}
	return nil
}
