// Package miniostore implements storage.Client with minio-go, for MinIO and
// other S3-compatible servers that do better with its request signing.
package miniostore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

// Store is a storage.Client backed by a minio Core client, which exposes the
// low-level multipart calls resume needs.
type Store struct {
	core   *minio.Core
	region string
}

// New connects to the endpoint of p. Without an endpoint it talks to AWS.
func New(_ context.Context, p storage.Profile) (*Store, error) {
	host, secure := "s3.amazonaws.com", true
	if p.EndpointURL != "" {
		u, err := url.Parse(p.EndpointURL)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %q: %w", p.EndpointURL, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("endpoint %q has no host", p.EndpointURL)
		}
		host, secure = u.Host, u.Scheme != "http"
	}

	lookup := minio.BucketLookupAuto
	if p.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}
	core, err := minio.NewCore(host, &minio.Options{
		Creds:        credentials.NewStaticV4(p.AccessKey, p.SecretKey, ""),
		Secure:       secure,
		Region:       p.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{core: core, region: p.Region}, nil
}

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{RangeReads: true, Multipart: true}
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	info, err := s.core.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translate("head", bucket, key, err)
	}
	return objectInfo(info, info.Size), nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, storage.ObjectInfo, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, storage.ObjectInfo{}, storage.NewError("get", bucket, key, storage.ErrInvalidRange, err)
		}
	}
	body, info, _, err := s.core.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, storage.ObjectInfo{}, translate("get", bucket, key, err)
	}
	return body, objectInfo(info, offset+info.Size), nil
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	_, err := s.core.Client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
	})
	if err != nil {
		return translate("put", bucket, key, err)
	}
	return nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", translate("create-multipart", bucket, key, err)
	}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, body io.ReadSeeker, size int64) (storage.Part, error) {
	part, err := s.core.PutObjectPart(ctx, bucket, key, uploadID, int(number), body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return storage.Part{}, translate("upload-part", bucket, key, err)
	}
	return storage.Part{Number: number, ETag: part.ETag}, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.Part) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: int(p.Number), ETag: p.ETag})
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return translate("complete-multipart", bucket, key, err)
	}
	return nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		return translate("abort-multipart", bucket, key, err)
	}
	return nil
}

func (s *Store) CreateBucket(ctx context.Context, name string) error {
	if err := s.core.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return translate("create-bucket", name, "", err)
	}
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := s.core.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return translate("delete", bucket, key, err)
	}
	return nil
}

func objectInfo(info minio.ObjectInfo, size int64) storage.ObjectInfo {
	return storage.ObjectInfo{
		Size:         size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func translate(op, bucket, key string, err error) error {
	return storage.NewError(op, bucket, key, kindOf(err), err)
}

func kindOf(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return storage.ErrNotFound
	case "NoSuchBucket":
		return storage.ErrBucketNotFound
	case "AccessDenied", "AllAccessDisabled":
		return storage.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return storage.ErrInvalidCredentials
	case "XMinioStorageFull", "QuotaExceeded", "EntityTooLarge":
		return storage.ErrQuotaExceeded
	case "InvalidRange":
		return storage.ErrInvalidRange
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestTimeout", "InternalError", "ServiceUnavailable", "XMinioServerNotInitialized":
		return storage.ErrTransient
	case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
		return storage.ErrBucketExists
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return storage.ErrNotFound
	case code == http.StatusForbidden:
		return storage.ErrAccessDenied
	case code == http.StatusRequestedRangeNotSatisfiable:
		return storage.ErrInvalidRange
	case code == http.StatusTooManyRequests, code >= 500:
		return storage.ErrTransient
	}
	return nil
}
