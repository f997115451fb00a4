package storage

import (
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
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

const containerCheckLimit = 10 * time.Second

var errNoAzureAuth = errors.New("no Azure authentication configured: set connection_string, " +
	"account_name with account_key or sas_token, or account_name with use_managed_identity")

// AzureBlobConfig describes an Azure Blob Storage destination.
// The first usable method wins: connection string, SAS token, shared key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // service URL override, e.g. Azurite
}

func (cfg *AzureBlobConfig) serviceURL() string {
	if cfg.Endpoint != "" {
		return strings.TrimSuffix(cfg.Endpoint, "/")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
}

// AzureBlobBackend publishes block blobs into a single container
type AzureBlobBackend struct {
	container     *container.Client
	containerName string
	logger        zerolog.Logger
}

// NewAzureBlobBackend authenticates and checks that the container is reachable
func NewAzureBlobBackend(ctx context.Context, cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, errors.New("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("auth", method).Msg("Azure client created")

	cc := client.ServiceClient().NewContainerClient(cfg.ContainerName)

	checkCtx, cancel := context.WithTimeout(ctx, containerCheckLimit)
	defer cancel()
	if _, err := cc.GetProperties(checkCtx, nil); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %s: %w", cfg.ContainerName, err)
	}

	log.Info().Msg("Azure container reachable")

	return &AzureBlobBackend{
		container:     cc,
		containerName: cfg.ContainerName,
		logger:        log,
	}, nil
}

// newAzureClient returns the client and the name of the auth method used
func newAzureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, "", fmt.Errorf("invalid Azure connection string: %w", err)
		}
		return client, "connection_string", nil

	case cfg.AccountName != "" && cfg.SASToken != "":
		url := cfg.serviceURL() + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		client, err := azblob.NewClientWithNoCredential(url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return client, "sas_token", nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", fmt.Errorf("invalid Azure shared key: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(cfg.serviceURL(), cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return client, "shared_key", nil

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure identity credential: %w", err)
		}
		client, err := azblob.NewClient(cfg.serviceURL(), cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		return client, "managed_identity", nil
	}
	return nil, "", errNoAzureAuth
}

func blobName(path string) string {
	return strings.TrimPrefix(path, "/")
}

// WriteReader streams reader into a block blob; size is only logged
func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	name := blobName(path)
	contentType := contentTypeFor(name)

	_, err := b.container.NewBlockBlobClient(name).UploadStream(ctx, reader, &blockblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", b.Location(path), err)
	}

	b.logger.Debug().
		Str("blob", name).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Uploaded blob")
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container.NewBlobClient(blobName(path)).GetProperties(ctx, nil)
	switch {
	case err == nil:
		return true, nil
	case isAzureNotFoundError(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", b.Location(path), err)
	}
}

func isAzureNotFoundError(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// Close is a no-op
func (b *AzureBlobBackend) Close() error {
	return nil
}

func (b *AzureBlobBackend) GetContainer() string {
	return b.containerName
}

// Location returns the azure:// URL of path
func (b *AzureBlobBackend) Location(path string) string {
	return "azure://" + b.containerName + "/" + blobName(path)
}

func (b *AzureBlobBackend) Type() string {
	return "azure"
}
