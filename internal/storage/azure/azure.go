// Package azure implements the Azure Blob Storage backend. A tenant namespace is the blob
// prefix "<prefix>/<identifier>/" inside the configured container, marked by a zero-byte
// block blob. The marker upload carries If-None-Match: * so an existing namespace is
// detected by the service rather than by a separate existence check.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements the Storage interface for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	prefix        string
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		serviceURL:    serviceURL,
		containerName: cfg.ContainerName,
		prefix:        cfg.Prefix,
	}, nil
}

func (s *AzureStorage) container() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName)
}

// EnsureDir uploads the namespace marker unless one already exists
func (s *AzureStorage) EnsureDir(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	blobClient := s.container().NewBlockBlobClient(storage.MarkerKey(s.prefix, key))
	_, err := blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: etagPtr(azcore.ETagAny),
			},
		},
	})
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return false, nil
	}
	return false, fmt.Errorf("failed to write namespace marker to Azure Blob: %w", err)
}

// RemoveDir deletes every blob under the namespace prefix
func (s *AzureStorage) RemoveDir(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	containerClient := s.container()
	prefix := storage.ObjectPrefix(s.prefix, key)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list namespace blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			_, err := containerClient.NewBlobClient(*item.Name).Delete(ctx, nil)
			if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
				return fmt.Errorf("failed to delete %s from Azure Blob: %w", *item.Name, err)
			}
		}
	}
	return nil
}

// Exists reports whether the namespace marker is present
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	_, err := s.container().NewBlobClient(storage.MarkerKey(s.prefix, key)).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check namespace marker in Azure Blob: %w", err)
}

// Location returns the URL of the namespace prefix
func (s *AzureStorage) Location(key string) string {
	return strings.TrimRight(s.serviceURL, "/") + "/" + s.containerName + "/" + storage.ObjectPrefix(s.prefix, key)
}

func etagPtr(etag azcore.ETag) *azcore.ETag {
	return &etag
}
