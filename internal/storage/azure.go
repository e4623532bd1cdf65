package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobBackend reads and writes blobs in one Azure Blob Storage container
type AzureBlobBackend struct {
	client        *azblob.Client
	containerName string
	logger        zerolog.Logger
}

// AzureBlobConfig holds Azure Blob Storage backend configuration.
// Exactly one authentication method is used, tried in field order.
type AzureBlobConfig struct {
	ConnectionString string

	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool

	ContainerName string

	// Endpoint overrides https://<account>.blob.core.windows.net (Azurite)
	Endpoint string
}

// NewAzureBlobBackend creates a new Azure Blob Storage backend
func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure container name is required")
	}

	log := logger.With().Str("component", "azure-storage").Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("auth", method).Msg("Created Azure Blob Storage client")

	backend := &AzureBlobBackend{
		client:        client,
		containerName: cfg.ContainerName,
		logger:        log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := backend.container().GetProperties(ctx, nil); err != nil {
		log.Warn().Err(err).Str("container", cfg.ContainerName).Msg("Could not verify container exists (may need to create it)")
	} else {
		log.Info().Str("container", cfg.ContainerName).Msg("Connected to Azure Blob Storage container")
	}

	return backend, nil
}

func newAzureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return client, "connection_string", nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return client, "shared_key", nil

	case cfg.AccountName != "" && cfg.SASToken != "":
		serviceURL := endpoint + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return client, "sas_token", nil

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		return client, "managed_identity", nil
	}

	return nil, "", fmt.Errorf("no valid Azure authentication method configured: provide connection_string, account_name+account_key, account_name+sas_token, or account_name+use_managed_identity")
}

func (b *AzureBlobBackend) container() *container.Client {
	return b.client.ServiceClient().NewContainerClient(b.containerName)
}

// Open streams a blob
func (b *AzureBlobBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := b.container().NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	return resp.Body, nil
}

// Read reads a whole blob
func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	body, err := b.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

// Write writes data to Azure Blob Storage
func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader uploads reader as a block blob
func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	ct := contentType(path)

	_, err := b.container().NewBlockBlobClient(path).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &ct,
		},
	})
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("path", path).
			Int64("size", size).
			Msg("Failed to write to Azure Blob Storage")
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int64("size", size).
		Str("container", b.containerName).
		Dur("duration", time.Since(start)).
		Msg("Wrote to Azure Blob Storage")

	return nil
}

// List lists blobs with the given prefix
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	blobs := []string{}

	pager := b.container().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				blobs = append(blobs, *item.Name)
			}
		}
	}

	return blobs, nil
}

// Exists checks if a blob exists
func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container().NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
	}
	return true, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing
func (b *AzureBlobBackend) Close() error {
	return nil
}

// Type returns the storage type identifier
func (b *AzureBlobBackend) Type() string {
	return "azure"
}

func isAzureNotFoundError(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}
