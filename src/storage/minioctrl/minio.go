package minioctrl

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"geobatch/src/core/fault"
)

// ArtifactService stores and serves batch job artifacts: export archives,
// job outputs and previews. Keys are namespaced by stack so several
// deployments can share one bucket.
type ArtifactService struct {
	client *minio.Client
	bucket string
}

func NewArtifactService(endpoint, accessKeyID, secretAccessKey, bucket string, useSSL bool) (*ArtifactService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ArtifactService{
		client: client,
		bucket: bucket,
	}, nil
}

// ExportKey is the artifact location of a completed export.
func ExportKey(stack string, exportID int64) string {
	return fmt.Sprintf("%s/export/%d/export.zip", stack, exportID)
}

// JobOutputKey is the artifact location of a processed job output.
func JobOutputKey(stack string, jobID int64, name string) string {
	return fmt.Sprintf("%s/job/%d/%s", stack, jobID, name)
}

func (s *ArtifactService) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// StreamObject copies an artifact to the sink without buffering it in
// memory. Absent objects map to NotFound.
func (s *ArtifactService) StreamObject(ctx context.Context, key string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.StatusCode == 404 {
			return 0, fault.NotFound("no artifact at %s", key)
		}
		return n, fmt.Errorf("failed to stream object %s: %w", key, err)
	}

	return n, nil
}

func (s *ArtifactService) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *ArtifactService) StatObject(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.StatusCode == 404 {
			return 0, fault.NotFound("no artifact at %s", key)
		}
		return 0, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return info.Size, nil
}
