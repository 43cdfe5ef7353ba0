// Package storage defines the object store contract the transfer engine
// consumes, and resolves named account profiles into live clients.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is the subset of object metadata transfers rely on.
type ObjectInfo struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Part is an uploaded multipart chunk as acknowledged by the store.
type Part struct {
	Number int32
	ETag   string
}

// Capabilities describes which resume mechanisms a backend offers.
type Capabilities struct {
	RangeReads bool
	Multipart  bool
}

// Client is an S3-compatible object store.
type Client interface {
	Capabilities() Capabilities

	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// GetObject streams the object starting at offset. The returned info
	// carries the full object size, not the length of the range.
	GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error

	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, body io.ReadSeeker, size int64) (Part, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	CreateBucket(ctx context.Context, name string) error
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Provider hands out the client for a named account.
type Provider interface {
	Known(account string) bool
	Client(ctx context.Context, account string) (Client, error)
}

// Single serves every account with the same client.
func Single(c Client) Provider {
	return singleProvider{c: c}
}

type singleProvider struct{ c Client }

func (s singleProvider) Known(string) bool { return true }

func (s singleProvider) Client(context.Context, string) (Client, error) { return s.c, nil }
