package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

type minioObjectReader struct {
	client *minio.Client
}

func (r *minioObjectReader) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyObjectError(err)
	}
	return data, nil
}

func classifyObjectError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case "SlowDown", "ServiceUnavailable":
		return fmt.Errorf("%w: %w", domain.ErrTemporarilyUnavailable, err)
	}
	return fmt.Errorf("failed to read object: %w", err)
}

func NewMinioObjectReader(endpoint, accessKey, secretKey string, secure bool) (ObjectReader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &minioObjectReader{client: client}, nil
}

// ObjectStore fetches s3://bucket/object keys.
type ObjectStore struct {
	reader ObjectReader
}

func NewObjectStore(reader ObjectReader) *ObjectStore {
	return &ObjectStore{reader: reader}
}

func (f *ObjectStore) Fetch(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
	bucket, object, err := parseObjectKey(request.Key)
	if err != nil {
		return nil, err
	}
	return f.reader.ReadObject(ctx, bucket, object)
}

func parseObjectKey(key string) (string, string, error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse object key: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	object := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("object key must look like s3://bucket/object, got %q", key)
	}
	return u.Host, object, nil
}
