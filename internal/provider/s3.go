package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Adapter serves any S3-compatible backend. The external account id is
// the bucket name; item ids are object keys.
type S3Adapter struct {
	client   *minio.Client
	endpoint string
	useSSL   bool
}

// NewS3Adapter creates an adapter from the configured S3 credentials.
func NewS3Adapter(cfg config.StorageConfig) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Adapter{
		client:   client,
		endpoint: cfg.Endpoint,
		useSSL:   cfg.UseSSL,
	}, nil
}

// FetchMetadata returns the object's name and size.
func (a *S3Adapter) FetchMetadata(ctx context.Context, accountID, itemID string) (*ItemMetadata, error) {
	info, err := a.client.StatObject(ctx, accountID, itemID, minio.StatObjectOptions{})
	if err != nil {
		return nil, a.translateError(err)
	}
	return &ItemMetadata{
		Name: path.Base(info.Key),
		Size: info.Size,
	}, nil
}

// FindExisting looks for an object in the folder with the same name and
// size.
func (a *S3Adapter) FindExisting(ctx context.Context, accountID, folder, name string, size int64) (string, error) {
	key := objectKey(folder, name)
	info, err := a.client.StatObject(ctx, accountID, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return "", nil
		}
		return "", a.translateError(err)
	}
	if info.Size != size {
		// Same name, different content: not a duplicate.
		return "", nil
	}
	return info.Key, nil
}

// Download opens the object content for streaming.
func (a *S3Adapter) Download(ctx context.Context, accountID, itemID string) (io.ReadCloser, error) {
	object, err := a.client.GetObject(ctx, accountID, itemID, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.translateError(err)
	}
	return object, nil
}

// Upload streams content into the folder.
func (a *S3Adapter) Upload(ctx context.Context, accountID, folder, name string, content io.Reader, size int64) (*CopyResult, error) {
	key := objectKey(folder, name)
	info, err := a.client.PutObject(ctx, accountID, key, content, size, minio.PutObjectOptions{})
	if err != nil {
		return nil, a.translateError(err)
	}

	scheme := "http"
	if a.useSSL {
		scheme = "https"
	}
	return &CopyResult{
		TargetID:  info.Key,
		TargetURL: fmt.Sprintf("%s://%s/%s/%s", scheme, a.endpoint, accountID, info.Key),
	}, nil
}

// translateError maps minio error codes onto the adapter error taxonomy.
func (a *S3Adapter) translateError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "RequestLimitExceeded", "TooManyRequests":
		// S3 does not carry a Retry-After in the error body; use a flat
		// delay and let the orchestrator's cap bound total waiting.
		return &RateLimitError{RetryAfter: 5 * time.Second}
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrItemNotFound, resp.Key)
	}
	return err
}

func objectKey(folder, name string) string {
	if folder == "" || folder == "/" {
		return name
	}
	return path.Join(folder, name)
}
