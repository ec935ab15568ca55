// Package memstore is an in-memory segment store used by tests and local
// development. It honors the same key derivation and not-found semantics as
// the s3 backend.
package memstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/timerange"
	"github.com/vastmedia/tams/tamsdb/backend"
)

type object struct {
	data        []byte
	metadata    map[string]string
	contentType string
	modified    time.Time
}

type Store struct {
	mtx     sync.Mutex
	bucket  string
	objects map[string]*object
	created bool
}

var _ backend.Store = (*Store)(nil)

func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		objects: map[string]*object{},
	}
}

func (s *Store) EnsureBucket(_ context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.created = true
	return nil
}

func (s *Store) StoreSegment(ctx context.Context, flowID string, info backend.SegmentInfo, payload backend.Payload, contentType string) (string, int64, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return "", 0, err
	}
	if contentType == "" {
		contentType = backend.DefaultContentType
	}

	reader, _, done, err := payload.Open()
	if err != nil {
		return "", 0, err
	}
	defer done()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, errors.Wrap(err, "reading payload")
	}

	key := backend.SegmentKey(flowID, info.SegmentID, info.TimeRange)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.objects[key] = &object{
		data:        data,
		metadata:    info.Metadata(flowID, contentType),
		contentType: contentType,
		modified:    time.Now().UTC(),
	}
	return key, int64(len(data)), nil
}

func (s *Store) GetSegment(_ context.Context, flowID, segmentID string, tr timerange.TimeRange) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	obj, ok := s.objects[backend.SegmentKey(flowID, segmentID, tr)]
	if !ok {
		return nil, backend.ErrDoesNotExist
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *Store) GetSegmentMetadata(_ context.Context, flowID, segmentID string, tr timerange.TimeRange) (backend.ObjectMetadata, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	obj, ok := s.objects[backend.SegmentKey(flowID, segmentID, tr)]
	if !ok {
		return nil, backend.ErrDoesNotExist
	}

	md := backend.ObjectMetadata{}
	for k, v := range obj.metadata {
		md[k] = v
	}
	md["size"] = fmt.Sprintf("%d", len(obj.data))
	md["last_modified"] = obj.modified.Format(time.RFC3339)
	md["content_type"] = obj.contentType
	return md, nil
}

func (s *Store) DeleteSegment(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) error {
	return s.DeleteObject(ctx, backend.SegmentKey(flowID, segmentID, tr))
}

// DeleteObject removes a payload. Deleting a missing key succeeds.
func (s *Store) DeleteObject(_ context.Context, storagePath string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.objects, storagePath)
	return nil
}

// PresignedURL fabricates a URL in the shape real object stores mint. The
// signature is not verifiable; only the key and expiry are meaningful.
func (s *Store) PresignedURL(_ context.Context, storagePath string, op backend.PresignOp, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = backend.DefaultPresignTTL
	}
	expires := time.Now().Add(ttl).UTC().Unix()
	return fmt.Sprintf("https://memstore.invalid/%s/%s?op=%s&expires=%d",
		s.bucket, url.PathEscape(storagePath), op, expires), nil
}

func (s *Store) GetURLs(ctx context.Context, storagePath, label string, ttl time.Duration) ([]backend.StoreDescriptor, error) {
	u, err := s.PresignedURL(ctx, storagePath, backend.PresignGet, ttl)
	if err != nil {
		return nil, err
	}
	return []backend.StoreDescriptor{{
		URL:          u,
		StoreType:    "http_object_store",
		Provider:     "memstore",
		StoreProduct: "memstore",
		Presigned:    true,
		Controlled:   true,
		Label:        label,
	}}, nil
}

// Len reports the number of stored payloads.
func (s *Store) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.objects)
}

// Has reports whether a payload exists at the given storage path.
func (s *Store) Has(storagePath string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.objects[storagePath]
	return ok
}
