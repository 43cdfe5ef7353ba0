// Package s3store implements storage.Client on top of the AWS SDK for Go v2.
// It works against AWS S3 and any S3-compatible endpoint.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

const defaultRegion = "us-east-1"

// API is the part of *s3.Client the store uses.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store is a storage.Client backed by S3.
type Store struct {
	api    API
	region string
}

// New builds a Store from an account profile. Empty keys fall back to the
// SDK's default credential chain.
func New(ctx context.Context, p storage.Profile) (*Store, error) {
	region := p.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if p.AccessKey != "" || p.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKey, p.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = p.ForcePathStyle
		if p.EndpointURL != "" {
			o.BaseEndpoint = aws.String(p.EndpointURL)
		}
	})
	return NewWithAPI(client, region), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, region string) *Store {
	if region == "" {
		region = defaultRegion
	}
	return &Store{api: api, region: region}
}

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{RangeReads: true, Multipart: true}
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return storage.ObjectInfo{}, translate("head", bucket, key, err)
	}
	return storage.ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, storage.ObjectInfo, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.api.GetObject(ctx, in)
	if err != nil {
		return nil, storage.ObjectInfo{}, translate("get", bucket, key, err)
	}

	size := offset + aws.ToInt64(out.ContentLength)
	if total, ok := totalFromContentRange(aws.ToString(out.ContentRange)); ok {
		size = total
	}
	return out.Body, storage.ObjectInfo{
		Size:         size,
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return translate("put", bucket, key, err)
	}
	return nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	in := &s3.CreateMultipartUploadInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", translate("create-multipart", bucket, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, body io.ReadSeeker, size int64) (storage.Part, error) {
	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return storage.Part{}, translate("upload-part", bucket, key, err)
	}
	return storage.Part{Number: number, ETag: aws.ToString(out.ETag)}, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return translate("complete-multipart", bucket, key, err)
	}
	return nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return translate("abort-multipart", bucket, key, err)
	}
	return nil
}

func (s *Store) CreateBucket(ctx context.Context, name string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	// us-east-1 rejects an explicit location constraint.
	if s.region != defaultRegion {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.api.CreateBucket(ctx, in); err != nil {
		return translate("create-bucket", name, "", err)
	}
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return translate("delete", bucket, key, err)
	}
	return nil
}

// ============================================================================
// Error translation
// ============================================================================

// translate maps SDK errors onto storage sentinels. Unknown errors keep
// their raw cause so network failures stay detectable.
func translate(op, bucket, key string, err error) error {
	return storage.NewError(op, bucket, key, kindOf(err), err)
}

func kindOf(err error) error {
	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
		exists       *types.BucketAlreadyExists
		owned        *types.BucketAlreadyOwnedByYou
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return storage.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return storage.ErrBucketNotFound
	case errors.As(err, &exists), errors.As(err, &owned):
		return storage.ErrBucketExists
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.ErrNotFound
		case "NoSuchBucket":
			return storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "AccountProblem":
			return storage.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "AuthorizationHeaderMalformed":
			return storage.ErrInvalidCredentials
		case "QuotaExceeded", "XMinioStorageFull", "EntityTooLarge":
			return storage.ErrQuotaExceeded
		case "InvalidRange":
			return storage.ErrInvalidRange
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable", "Throttling":
			return storage.ErrTransient
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return storage.ErrBucketExists
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return kindOfStatus(respErr.HTTPStatusCode())
	}
	return nil
}

func kindOfStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return storage.ErrNotFound
	case code == http.StatusForbidden:
		return storage.ErrAccessDenied
	case code == http.StatusUnauthorized:
		return storage.ErrInvalidCredentials
	case code == http.StatusRequestedRangeNotSatisfiable:
		return storage.ErrInvalidRange
	case code == http.StatusInsufficientStorage:
		return storage.ErrQuotaExceeded
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return storage.ErrTransient
	}
	return nil
}

// totalFromContentRange parses "bytes 100-199/200".
func totalFromContentRange(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
