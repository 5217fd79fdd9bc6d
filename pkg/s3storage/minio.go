package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxUploadSize caps every upload at 5 MiB. Enforced before any bytes
// hit the network.
const MaxUploadSize = 5 << 20

// ErrTooLarge is returned when an upload exceeds MaxUploadSize
var ErrTooLarge = fmt.Errorf("file exceeds the %d byte upload limit", MaxUploadSize)

// Object prefixes grouping uploads by purpose
const (
	PrefixAvatars     = "avatars"
	PrefixStories     = "stories"
	PrefixAttachments = "attachments"
)

// MinIOClient wraps the MinIO client for avatar, story and chat
// attachment storage
type MinIOClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinIOClient creates a new MinIO client and ensures bucket exists
func NewMinIOClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinIOClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	mc := &MinIOClient{
		client:     client,
		bucketName: bucketName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mc.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return mc, nil
}

// ensureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload stores a file under the given prefix and returns its object
// name. The original filename only contributes its extension; the
// object name is a fresh uuid so uploads never collide.
func (m *MinIOClient) Upload(ctx context.Context, prefix, filename string, data []byte) (string, error) {
	if len(data) > MaxUploadSize {
		return "", ErrTooLarge
	}

	ext := strings.ToLower(filepath.Ext(filename))

	// Format: prefix/YYYY/MM/DD/uuid.ext
	now := time.Now()
	objectName := fmt.Sprintf(
		"%s/%d/%02d/%02d/%s%s",
		prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		uuid.New().String(),
		ext,
	)

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(
		ctx,
		m.bucketName,
		objectName,
		reader,
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: contentType,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload to minio: %w", err)
	}

	return objectName, nil
}

// Download retrieves a stored object
func (m *MinIOClient) Download(ctx context.Context, objectName string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

// Delete removes a stored object
func (m *MinIOClient) Delete(ctx context.Context, objectName string) error {
	err := m.client.RemoveObject(ctx, m.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PublicURL builds the non-expiring URL of a public object
func (m *MinIOClient) PublicURL(objectName string) string {
	endpoint := m.client.EndpointURL()
	return fmt.Sprintf("%s/%s/%s", endpoint.String(), m.bucketName, objectName)
}

// GetPresignedURL generates a temporary download link
func (m *MinIOClient) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucketName, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned url: %w", err)
	}
	return url.String(), nil
}

// GetObjectInfo retrieves metadata about a stored object
func (m *MinIOClient) GetObjectInfo(ctx context.Context, objectName string) (*minio.ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object info: %w", err)
	}
	return &info, nil
}
