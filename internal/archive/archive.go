// Package archive copies finished commands into object storage as JSON
// documents, one object per command.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fleetconsole/internal/config"
	"fleetconsole/internal/ledger"
)

// ObjectPutter is the part of the MinIO client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archive struct {
	client ObjectPutter
	bucket string
}

func New(client ObjectPutter, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// Dial connects to MinIO and makes sure the bucket exists.
func Dial(ctx context.Context, cfg config.MinIOConfig) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when the archive is enabled")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return New(client, cfg.Bucket), nil
}

func ObjectName(e ledger.Entry) string {
	return fmt.Sprintf("commands/%s/%s.json", e.DeviceID, e.ID)
}

// Record uploads the entry once it reaches a terminal state; earlier states
// are ignored.
func (a *Archive) Record(ctx context.Context, e ledger.Entry) error {
	if !e.State.Terminal() {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(e), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("archive %s: %w", e.ID, err)
	}
	return nil
}
