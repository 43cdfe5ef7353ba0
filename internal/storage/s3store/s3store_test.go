package s3store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

// mockAPI answers the calls a test sets; any other call panics on the nil
// embedded interface.
type mockAPI struct {
	API
	getFunc          func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	headFunc         func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	createBucketFunc func(*s3.CreateBucketInput) (*s3.CreateBucketOutput, error)
	uploadPartFunc   func(*s3.UploadPartInput) (*s3.UploadPartOutput, error)
	completeFunc     func(*s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
}

func (m *mockAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.getFunc(in)
}

func (m *mockAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return m.headFunc(in)
}

func (m *mockAPI) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return m.createBucketFunc(in)
}

func (m *mockAPI) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return m.uploadPartFunc(in)
}

func (m *mockAPI) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return m.completeFunc(in)
}

func TestGetObjectRange(t *testing.T) {
	var gotRange *string
	api := &mockAPI{getFunc: func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		gotRange = in.Range
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(strings.NewReader("tail")),
			ContentLength: aws.Int64(4),
			ContentRange:  aws.String("bytes 96-99/100"),
			ETag:          aws.String(`"abc"`),
		}, nil
	}}
	store := NewWithAPI(api, "")

	body, info, err := store.GetObject(context.Background(), "b", "k", 96)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "bytes=96-", aws.ToString(gotRange))
	assert.Equal(t, int64(100), info.Size, "size comes from Content-Range")
	assert.Equal(t, `"abc"`, info.ETag)

	_, _, err = store.GetObject(context.Background(), "b", "k", 0)
	require.NoError(t, err)
	assert.Nil(t, gotRange, "no range header from offset zero")
}

func TestHeadObject(t *testing.T) {
	api := &mockAPI{headFunc: func(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		assert.Equal(t, "media", aws.ToString(in.Bucket))
		return &s3.HeadObjectOutput{ContentLength: aws.Int64(42), ContentType: aws.String("video/mp4")}, nil
	}}
	info, err := NewWithAPI(api, "eu-west-1").HeadObject(context.Background(), "media", "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, "video/mp4", info.ContentType)
}

func TestCreateBucketLocationConstraint(t *testing.T) {
	var got *s3.CreateBucketInput
	api := &mockAPI{createBucketFunc: func(in *s3.CreateBucketInput) (*s3.CreateBucketOutput, error) {
		got = in
		return &s3.CreateBucketOutput{}, nil
	}}

	require.NoError(t, NewWithAPI(api, "").CreateBucket(context.Background(), "a"))
	assert.Nil(t, got.CreateBucketConfiguration, "us-east-1 takes no constraint")

	require.NoError(t, NewWithAPI(api, "eu-central-1").CreateBucket(context.Background(), "b"))
	require.NotNil(t, got.CreateBucketConfiguration)
	assert.Equal(t, types.BucketLocationConstraint("eu-central-1"), got.CreateBucketConfiguration.LocationConstraint)
}

func TestMultipartParts(t *testing.T) {
	var completed []types.CompletedPart
	api := &mockAPI{
		uploadPartFunc: func(in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
			return &s3.UploadPartOutput{ETag: aws.String("etag-" + string(rune('0'+aws.ToInt32(in.PartNumber))))}, nil
		},
		completeFunc: func(in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
			completed = in.MultipartUpload.Parts
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}
	store := NewWithAPI(api, "")

	part, err := store.UploadPart(context.Background(), "b", "k", "up-1", 2, strings.NewReader("xx"), 2)
	require.NoError(t, err)
	assert.Equal(t, storage.Part{Number: 2, ETag: "etag-2"}, part)

	require.NoError(t, store.CompleteMultipartUpload(context.Background(), "b", "k", "up-1", []storage.Part{{Number: 1, ETag: "e1"}, part}))
	require.Len(t, completed, 2)
	assert.Equal(t, int32(2), aws.ToInt32(completed[1].PartNumber))
	assert.Equal(t, "etag-2", aws.ToString(completed[1].ETag))
}

func responseError(code int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      errors.New("http error"),
		},
	}
}

func TestErrorTranslation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"typed no such key", &types.NoSuchKey{}, storage.ErrNotFound},
		{"typed no such bucket", &types.NoSuchBucket{}, storage.ErrBucketNotFound},
		{"typed bucket owned", &types.BucketAlreadyOwnedByYou{}, storage.ErrBucketExists},
		{"access denied code", &smithy.GenericAPIError{Code: "AccessDenied"}, storage.ErrAccessDenied},
		{"bad signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, storage.ErrInvalidCredentials},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, storage.ErrTransient},
		{"quota", &smithy.GenericAPIError{Code: "QuotaExceeded"}, storage.ErrQuotaExceeded},
		{"status 404", responseError(http.StatusNotFound), storage.ErrNotFound},
		{"status 403", responseError(http.StatusForbidden), storage.ErrAccessDenied},
		{"status 503", responseError(http.StatusServiceUnavailable), storage.ErrTransient},
		{"status 416", responseError(http.StatusRequestedRangeNotSatisfiable), storage.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate("get", "b", "k", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err, "raw cause is kept")

			var se *storage.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "get", se.Op)
			assert.Equal(t, "k", se.Key)
		})
	}

	raw := errors.New("dial tcp: connection refused")
	err := translate("put", "b", "k", raw)
	assert.ErrorIs(t, err, raw)
	assert.NotErrorIs(t, err, storage.ErrTransient, "unknown errors carry no kind")
}

func TestTotalFromContentRange(t *testing.T) {
	n, ok := totalFromContentRange("bytes 0-99/1000")
	assert.True(t, ok)
	assert.Equal(t, int64(1000), n)

	_, ok = totalFromContentRange("bytes 0-99/*")
	assert.False(t, ok)
	_, ok = totalFromContentRange("")
	assert.False(t, ok)
}
