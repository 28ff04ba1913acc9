package minio

import (
	"bytes"
	"collab-server/stores/objects"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type minioBucket struct {
	client *minio.Client
	bucket string
}

// NewStore connects to a MinIO (or other S3-compatible) endpoint and creates
// the bucket when it does not exist yet.
func NewStore(opts Options) *objects.Store {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		log.Fatalf("failed to create minio client: %v", err)
	}
	if err := ensureBucket(context.Background(), client, opts.Bucket); err != nil {
		log.Fatalf("failed to prepare bucket %s: %v", opts.Bucket, err)
	}
	return NewStoreWithClient(client, opts.Bucket)
}

func NewStoreWithClient(client *minio.Client, bucket string) *objects.Store {
	return objects.NewStore(&minioBucket{client: client, bucket: bucket})
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return err
	}
	logrus.WithField("bucket", bucket).Info("Created bucket")
	return nil
}

func (b *minioBucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.mapError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.mapError(key, err)
	}
	return data, nil
}

func (b *minioBucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (b *minioBucket) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return objects.ErrNotFound
	}
	return fmt.Errorf("failed to get object %s: %w", key, err)
}
