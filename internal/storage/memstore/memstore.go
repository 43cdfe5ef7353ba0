// Package memstore is an in-process object store used by tests and the demo.
// It supports range reads and multipart uploads, both of which can be turned
// off, and lets callers inject failures and stalls into object streams.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

// Store is a thread-safe in-memory storage.Client.
type Store struct {
	mu       sync.Mutex
	caps     storage.Capabilities
	buckets  map[string]map[string]object
	uploads  map[string]*upload
	faults   map[string]*Fault
	holds    map[string]*hold
	readSize int

	// Offsets records the offset of every GetObject call, per "bucket/key".
	offsets map[string][]int64
	aborted int
}

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

type upload struct {
	bucket, key string
	contentType string
	parts       map[int32][]byte
}

// Fault fails one stream of an object once it has delivered At bytes.
// For uploads, At is the part number that fails.
type Fault struct {
	At    int64
	Err   error
	Times int
}

type hold struct {
	at      int64
	release chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithoutRangeReads makes GetObject reject non-zero offsets.
func WithoutRangeReads() Option {
	return func(s *Store) { s.caps.RangeReads = false }
}

// WithoutMultipart makes the multipart calls fail with ErrUnsupported.
func WithoutMultipart() Option {
	return func(s *Store) { s.caps.Multipart = false }
}

// WithReadSize caps how many bytes a single Read returns.
func WithReadSize(n int) Option {
	return func(s *Store) { s.readSize = n }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		caps:     storage.Capabilities{RangeReads: true, Multipart: true},
		buckets:  make(map[string]map[string]object),
		uploads:  make(map[string]*upload),
		faults:   make(map[string]*Fault),
		holds:    make(map[string]*hold),
		offsets:  make(map[string][]int64),
		readSize: 64 << 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

// Put stores data directly, creating the bucket when needed.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]object)
	}
	s.buckets[bucket][key] = object{data: append([]byte(nil), data...), modified: time.Now()}
}

// Object returns a copy of the stored bytes.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// InjectFault registers f for the object at bucket/key.
func (s *Store) InjectFault(bucket, key string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Times == 0 {
		f.Times = 1
	}
	s.faults[objectKey(bucket, key)] = &f
}

// Hold makes streams of bucket/key stall once they reach at bytes, until the
// returned function is called or the stream's context ends.
func (s *Store) Hold(bucket, key string, at int64) (release func()) {
	h := &hold{at: at, release: make(chan struct{})}
	s.mu.Lock()
	s.holds[objectKey(bucket, key)] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[objectKey(bucket, key)] == h {
				delete(s.holds, objectKey(bucket, key))
			}
			s.mu.Unlock()
			close(h.release)
		})
	}
}

// Offsets returns the offsets GetObject was called with for bucket/key.
func (s *Store) Offsets(bucket, key string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets[objectKey(bucket, key)]...)
}

// PendingUploads returns the number of multipart uploads not yet completed
// or aborted.
func (s *Store) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Aborted returns how many multipart uploads were aborted.
func (s *Store) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// takeFault consumes one occurrence of the fault on name.
func (s *Store) takeFault(name string) *Fault {
	f, ok := s.faults[name]
	if !ok {
		return nil
	}
	f.Times--
	if f.Times <= 0 {
		delete(s.faults, name)
	}
	return f
}

// ============================================================================
// storage.Client
// ============================================================================

func (s *Store) Capabilities() storage.Capabilities { return s.caps }

func (s *Store) HeadObject(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, err := s.lookup("head", bucket, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return info(obj), nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := objectKey(bucket, key)
	s.offsets[name] = append(s.offsets[name], offset)

	obj, err := s.lookup("get", bucket, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	if offset > 0 && !s.caps.RangeReads {
		return nil, storage.ObjectInfo{}, storage.NewError("get", bucket, key, storage.ErrUnsupported, nil)
	}
	if offset > int64(len(obj.data)) {
		return nil, storage.ObjectInfo{}, storage.NewError("get", bucket, key, storage.ErrInvalidRange, nil)
	}

	r := &reader{
		ctx:      ctx,
		data:     obj.data,
		pos:      offset,
		readSize: s.readSize,
		hold:     s.holds[name],
	}
	if f := s.takeFault(name); f != nil {
		r.fault = f
	}
	return r, info(obj), nil
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	data, err := s.drain(ctx, bucket, key, body, size)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		return storage.NewError("put", bucket, key, storage.ErrBucketNotFound, nil)
	}
	s.buckets[bucket][key] = object{data: data, contentType: contentType, modified: time.Now()}
	return nil
}

func (s *Store) CreateMultipartUpload(_ context.Context, bucket, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Multipart {
		return "", storage.NewError("create-multipart", bucket, key, storage.ErrUnsupported, nil)
	}
	if _, ok := s.buckets[bucket]; !ok {
		return "", storage.NewError("create-multipart", bucket, key, storage.ErrBucketNotFound, nil)
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{bucket: bucket, key: key, contentType: contentType, parts: make(map[int32][]byte)}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, body io.ReadSeeker, size int64) (storage.Part, error) {
	s.mu.Lock()
	if f, ok := s.faults[objectKey(bucket, key)]; ok && f.At == int64(number) {
		s.takeFault(objectKey(bucket, key))
		s.mu.Unlock()
		return storage.Part{}, f.Err
	}
	s.mu.Unlock()

	data, err := s.drain(ctx, bucket, key, body, size)
	if err != nil {
		return storage.Part{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok {
		return storage.Part{}, storage.NewError("upload-part", bucket, key, storage.ErrNotFound, fmt.Errorf("no upload %s", uploadID))
	}
	up.parts[number] = data
	sum := md5.Sum(data)
	return storage.Part{Number: number, ETag: hex.EncodeToString(sum[:])}, nil
}

func (s *Store) CompleteMultipartUpload(_ context.Context, bucket, key, uploadID string, parts []storage.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok {
		return storage.NewError("complete-multipart", bucket, key, storage.ErrNotFound, fmt.Errorf("no upload %s", uploadID))
	}

	sorted := append([]storage.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := up.parts[p.Number]
		if !ok {
			return storage.NewError("complete-multipart", bucket, key, storage.ErrInvalidRange, fmt.Errorf("missing part %d", p.Number))
		}
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != p.ETag {
			return storage.NewError("complete-multipart", bucket, key, storage.ErrInvalidRange, fmt.Errorf("etag mismatch on part %d", p.Number))
		}
		buf.Write(data)
	}
	s.buckets[bucket][key] = object{data: buf.Bytes(), contentType: up.contentType, modified: time.Now()}
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) AbortMultipartUpload(_ context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return storage.NewError("abort-multipart", bucket, key, storage.ErrNotFound, nil)
	}
	delete(s.uploads, uploadID)
	s.aborted++
	return nil
}

func (s *Store) CreateBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; ok {
		return storage.NewError("create-bucket", name, "", storage.ErrBucketExists, nil)
	}
	s.buckets[name] = make(map[string]object)
	return nil
}

func (s *Store) DeleteObject(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup("delete", bucket, key); err != nil {
		return err
	}
	delete(s.buckets[bucket], key)
	return nil
}

// lookup must be called with s.mu held.
func (s *Store) lookup(op, bucket, key string) (object, error) {
	b, ok := s.buckets[bucket]
	if !ok {
		return object{}, storage.NewError(op, bucket, key, storage.ErrBucketNotFound, nil)
	}
	obj, ok := b[key]
	if !ok {
		return object{}, storage.NewError(op, bucket, key, storage.ErrNotFound, nil)
	}
	return obj, nil
}

// drain reads an upload body, honouring holds and cancellation.
func (s *Store) drain(ctx context.Context, bucket, key string, body io.Reader, size int64) ([]byte, error) {
	s.mu.Lock()
	h := s.holds[objectKey(bucket, key)]
	s.mu.Unlock()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	chunk := make([]byte, s.readSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if h != nil && int64(buf.Len()) >= h.at {
			select {
			case <-h.release:
				h = nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		n, err := body.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if int64(buf.Len()) != size {
		return nil, storage.NewError("put", bucket, key, storage.ErrTransient, fmt.Errorf("short body: %d of %d bytes", buf.Len(), size))
	}
	return buf.Bytes(), nil
}

func info(obj object) storage.ObjectInfo {
	sum := md5.Sum(obj.data)
	return storage.ObjectInfo{
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
}

// reader streams an object the way an HTTP response body would.
type reader struct {
	ctx      context.Context
	data     []byte
	pos      int64
	readSize int
	fault    *Fault
	hold     *hold
	closed   bool
}

func (r *reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.hold != nil && r.pos >= r.hold.at {
		select {
		case <-r.hold.release:
			r.hold = nil
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if r.fault != nil && r.pos >= r.fault.At {
		err := r.fault.Err
		r.fault = nil
		return 0, err
	}
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}

	limit := int64(len(p))
	if r.readSize > 0 && limit > int64(r.readSize) {
		limit = int64(r.readSize)
	}
	if r.fault != nil && r.pos+limit > r.fault.At {
		limit = r.fault.At - r.pos
	}
	if r.hold != nil && r.pos < r.hold.at && r.pos+limit > r.hold.at {
		limit = r.hold.at - r.pos
	}
	n := copy(p[:limit], r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}
