// Package blob wraps S3-compatible object storage for two concerns:
// attachment uploads (pre-signed, the server never proxies bytes) and
// room archives (server-written JSON transcripts).
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// UploadURLTTL bounds how long a pre-signed PUT stays usable.
	UploadURLTTL = 10 * time.Minute
	// DownloadURLTTL bounds pre-signed GETs handed to room participants.
	DownloadURLTTL = 1 * time.Hour
)

// Store is the behavior the lifecycle and HTTP layers need from object
// storage. The minio Client implements it; tests substitute fakes.
type Store interface {
	PresignedPut(ctx context.Context, bucket, objectKey string) (string, error)
	PresignedGet(ctx context.Context, bucket, objectKey string) (string, error)
	ObjectExists(ctx context.Context, bucket, objectKey string) (bool, error)
	Put(ctx context.Context, bucket, objectKey string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, objectKey string) ([]byte, error)
	RemovePrefix(ctx context.Context, bucket, prefix string) error
	Healthy(ctx context.Context) error
}

// Options configures the MinIO connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Buckets are created at startup if missing.
	Buckets []string
}

type Client struct {
	mc *minio.Client
}

var _ Store = (*Client)(nil)

// New connects to MinIO and ensures the configured buckets exist.
func New(ctx context.Context, opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	c := &Client{mc: mc}
	for _, bucket := range opts.Buckets {
		if err := c.ensureBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("ensuring bucket %q: %w", bucket, err)
		}
	}
	return c, nil
}

func (c *Client) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (c *Client) PresignedPut(ctx context.Context, bucket, objectKey string) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, bucket, objectKey, UploadURLTTL)
	if err != nil {
		return "", fmt.Errorf("presigning upload: %w", err)
	}
	return u.String(), nil
}

func (c *Client) PresignedGet(ctx context.Context, bucket, objectKey string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, bucket, objectKey, DownloadURLTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning download: %w", err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, bucket, objectKey string) (bool, error) {
	_, err := c.mc.StatObject(ctx, bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("statting object: %w", err)
	}
	return true, nil
}

func (c *Client) Put(ctx context.Context, bucket, objectKey string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("putting object: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return data, nil
}

// RemovePrefix deletes every object under the given prefix. Used when a
// room is destroyed before archival.
func (c *Client) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	objects := c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("listing objects for removal: %w", obj.Err)
		}
		if err := c.mc.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("removing object %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	return err
}
