// Package assets keeps project scene files and thumbnails as objects under
// a per-project prefix. Upload mechanics live elsewhere; this store only
// needs to copy a project's objects when it is duplicated and purge them
// when it is deleted.
package assets

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: opts.Bucket}, nil
}

func projectPrefix(projectID string) string {
	return "projects/" + projectID + "/"
}

// CopyProject copies every object under the source project's prefix to the
// destination project's prefix. Objects are copied server-side.
func (s *Store) CopyProject(ctx context.Context, srcProjectID, dstProjectID string) error {
	srcPrefix := projectPrefix(srcProjectID)
	dstPrefix := projectPrefix(dstProjectID)

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    srcPrefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", srcPrefix, object.Err)
		}
		dstKey := dstPrefix + strings.TrimPrefix(object.Key, srcPrefix)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
			minio.CopySrcOptions{Bucket: s.bucket, Object: object.Key},
		)
		if err != nil {
			return fmt.Errorf("copy %s: %w", object.Key, err)
		}
	}
	return nil
}

// PurgeProject removes every object under the project's prefix.
func (s *Store) PurgeProject(ctx context.Context, projectID string) error {
	prefix := projectPrefix(projectID)

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", object.Key, err)
		}
	}
	return nil
}
