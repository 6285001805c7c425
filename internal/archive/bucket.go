package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketConfig locates an S3-compatible bucket.
type BucketConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func (c BucketConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		missing = append(missing, "credentials")
	}
	if len(missing) != 0 {
		return fmt.Errorf("bucket config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Key returns the object key for an archived file name.
func (c BucketConfig) Key(name string) string {
	if c.Prefix == "" {
		return name
	}
	return path.Join(c.Prefix, name)
}

// BucketUploader mirrors archived files to a bucket.
type BucketUploader struct {
	cfg    BucketConfig
	client *minio.Client
}

func NewBucketUploader(cfg BucketConfig) (*BucketUploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return &BucketUploader{cfg: cfg, client: client}, nil
}

func (u *BucketUploader) Upload(ctx context.Context, name, filePath string) error {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket %s exists: %w", u.cfg.Bucket, err)
	}
	if !exists {
		return errors.New("bucket missing: " + u.cfg.Bucket)
	}
	_, err = u.client.FPutObject(ctx, u.cfg.Bucket, u.cfg.Key(name), filePath, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	return err
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".yaml":
		return "application/yaml"
	case ".db":
		return "application/vnd.sqlite3"
	}
	return "application/octet-stream"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
