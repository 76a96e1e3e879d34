package client

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/hamlet/api/internal/config"
)

// BlobPublisher uploads a local file and returns a time-limited read-only
// shareable URL, so external services can read the data without holding
// storage credentials.
type BlobPublisher interface {
	Publish(ctx context.Context, sourcePath, blobName string) (string, error)
}

// AzureBlobClient implements BlobPublisher on Azure block blobs with a
// shared-access signature.
type AzureBlobClient struct {
	accountName  string
	containerName string
	expiry       time.Duration
	credential   *azblob.SharedKeyCredential
	containerURL azblob.ContainerURL
}

func NewAzureBlobClient(cfg *config.AzureBlobConfig) (*AzureBlobClient, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azure blob configuration incomplete")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credential: %w", err)
	}

	containerEndpoint, err := url.Parse(fmt.Sprintf(
		"https://%s.blob.core.windows.net/%s", cfg.AccountName, cfg.Container))
	if err != nil {
		return nil, err
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	expiry := cfg.SASExpiry
	if expiry <= 0 {
		expiry = 30 * 24 * time.Hour
	}

	return &AzureBlobClient{
		accountName:   cfg.AccountName,
		containerName: cfg.Container,
		expiry:        expiry,
		credential:    credential,
		containerURL:  azblob.NewContainerURL(*containerEndpoint, pipeline),
	}, nil
}

// Publish uploads the file (create-or-overwrite) and returns the SAS URL.
func (c *AzureBlobClient) Publish(ctx context.Context, sourcePath, blobName string) (string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", sourcePath, err)
	}
	defer f.Close()

	blobURL := c.containerURL.NewBlockBlobURL(blobName)
	if _, err := azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{}); err != nil {
		return "", fmt.Errorf("failed to upload blob %s: %w", blobName, err)
	}

	sasQuery, err := azblob.BlobSASSignatureValues{
		Protocol:      azblob.SASProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(c.expiry),
		ContainerName: c.containerName,
		BlobName:      blobName,
		Permissions:   azblob.BlobSASPermissions{Read: true}.String(),
	}.NewSASQueryParameters(c.credential)
	if err != nil {
		return "", fmt.Errorf("failed to sign blob %s: %w", blobName, err)
	}

	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s?%s",
		c.accountName, c.containerName, blobName, sasQuery.Encode()), nil
}
