package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/semmidev/backt/internal/config"
)

type AzureStorage struct {
	container azblob.ContainerURL
	prefix    string
}

// NewAzure authenticates with the account's shared key. Endpoint overrides the
// public blob host, e.g. for Azurite.
func NewAzure(cfg *config.UploadTarget) (*AzureStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	serviceURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Azure service URL: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	service := azblob.NewServiceURL(*serviceURL, pipeline)

	return &AzureStorage{
		container: service.NewContainerURL(cfg.Container),
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (a *AzureStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	blob := a.container.NewBlockBlobURL(joinKey(a.prefix, remoteName))
	_, err = azblob.UploadFileToBlockBlob(ctx, file, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to Azure: %w", err)
	}

	return nil
}

func (a *AzureStorage) List(ctx context.Context) ([]string, error) {
	var files []string
	err := a.walk(ctx, func(item azblob.BlobItemInternal) {
		if name := stripKey(a.prefix, item.Name); name != "" {
			files = append(files, name)
		}
	})
	return files, err
}

func (a *AzureStorage) Delete(ctx context.Context, remoteName string) error {
	blob := a.container.NewBlockBlobURL(joinKey(a.prefix, remoteName))
	if _, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		return fmt.Errorf("failed to delete from Azure: %w", err)
	}
	return nil
}

func (a *AzureStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	err := a.walk(ctx, func(item azblob.BlobItemInternal) {
		if !item.Properties.LastModified.Before(cutoffTime) {
			return
		}
		if name := stripKey(a.prefix, item.Name); name != "" {
			oldFiles = append(oldFiles, name)
		}
	})
	return oldFiles, err
}

func (a *AzureStorage) walk(ctx context.Context, visit func(azblob.BlobItemInternal)) error {
	opts := azblob.ListBlobsSegmentOptions{}
	if a.prefix != "" {
		opts.Prefix = a.prefix + "/"
	}

	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := a.container.ListBlobsFlatSegment(ctx, marker, opts)
		if err != nil {
			return fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range resp.Segment.BlobItems {
			visit(item)
		}
		marker = resp.NextMarker
	}
	return nil
}
