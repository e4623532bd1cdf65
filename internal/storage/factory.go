package storage

import (
	"fmt"

	"github.com/basekick-labs/elf/internal/config"
	"github.com/rs/zerolog"
)

// New creates the backend selected by cfg.Backend
func New(cfg *config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3":
		return NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "azure", "azblob":
		return NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
