// Package backend defines the segment payload store consumed by the segment
// service. Payloads are opaque blobs addressed by a deterministic key derived
// from (flow, segment, timerange); s3 talks to any S3-compatible store and
// memstore keeps everything in memory for tests and development.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/timerange"
)

var ErrDoesNotExist = errors.New("does not exist")

// DefaultContentType is applied when callers do not name one.
const DefaultContentType = "application/octet-stream"

// DefaultPresignTTL caps presigned URL lifetimes when a store has no
// configured limit.
const DefaultPresignTTL = time.Hour

// PresignOp selects the operation a presigned URL authorizes.
type PresignOp string

const (
	PresignGet    PresignOp = "get_object"
	PresignPut    PresignOp = "put_object"
	PresignDelete PresignOp = "delete_object"
)

// SegmentKey derives the deterministic object key for a segment:
// flow_id/YYYY/MM/DD/segment_id, dated from the timerange start. The
// derivation is a pure function of its inputs; a non-finite start falls back
// to the current date inside KeyComponents.
func SegmentKey(flowID, segmentID string, tr timerange.TimeRange) string {
	year, month, day := tr.KeyComponents()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s", flowID, year, int(month), day, segmentID)
}

// SegmentInfo is the metadata stored alongside a payload.
type SegmentInfo struct {
	SegmentID     string
	TimeRange     timerange.TimeRange
	TSOffset      string
	LastDuration  string
	SampleOffset  int64
	SampleCount   int64
	KeyFrameCount int64
	Created       string
}

// Metadata returns the stringified metadata map sent to the object store.
func (si SegmentInfo) Metadata(flowID, contentType string) map[string]string {
	return map[string]string{
		"flow_id":         flowID,
		"segment_id":      si.SegmentID,
		"timerange":       si.TimeRange.String(),
		"ts_offset":       si.TSOffset,
		"last_duration":   si.LastDuration,
		"sample_offset":   fmt.Sprintf("%d", si.SampleOffset),
		"sample_count":    fmt.Sprintf("%d", si.SampleCount),
		"key_frame_count": fmt.Sprintf("%d", si.KeyFrameCount),
		"created":         si.Created,
		"content_type":    contentType,
	}
}

// ObjectMetadata is the stringified metadata read back from the store,
// enriched with size, last_modified, content_type and etag.
type ObjectMetadata map[string]string

// Payload is a segment payload handed to StoreSegment: raw bytes, a file
// path, or a streaming handle with a known size.
type Payload struct {
	Data   []byte
	Path   string
	Reader io.Reader
	Size   int64
}

func BytesPayload(b []byte) Payload   { return Payload{Data: b} }
func FilePayload(path string) Payload { return Payload{Path: path} }

func ReaderPayload(r io.Reader, size int64) Payload {
	return Payload{Reader: r, Size: size}
}

// Open resolves the payload to a reader and its size.
func (p Payload) Open() (io.Reader, int64, func(), error) {
	switch {
	case p.Reader != nil:
		return p.Reader, p.Size, func() {}, nil
	case p.Path != "":
		f, err := os.Open(p.Path)
		if err != nil {
			return nil, 0, nil, errors.Wrapf(err, "opening payload file %s", p.Path)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, nil, errors.Wrapf(err, "stat payload file %s", p.Path)
		}
		return f, st.Size(), func() { f.Close() }, nil
	default:
		return bytes.NewReader(p.Data), int64(len(p.Data)), func() {}, nil
	}
}

// StoreDescriptor augments a presigned URL with the storage-backend
// description exposed to TAMS clients.
type StoreDescriptor struct {
	URL              string `json:"url"`
	StoreType        string `json:"store_type"`
	Provider         string `json:"provider"`
	Region           string `json:"region"`
	AvailabilityZone string `json:"availability_zone"`
	StoreProduct     string `json:"store_product"`
	StorageID        string `json:"storage_id"`
	Presigned        bool   `json:"presigned"`
	Controlled       bool   `json:"controlled"`
	Label            string `json:"label"`
}

// Store reads and writes segment payloads.
type Store interface {
	// EnsureBucket lazily creates the configured bucket when missing.
	EnsureBucket(ctx context.Context) error

	// StoreSegment writes a payload under the deterministic segment key and
	// returns that key plus the number of bytes stored.
	StoreSegment(ctx context.Context, flowID string, info SegmentInfo, payload Payload, contentType string) (string, int64, error)
	// GetSegment returns the payload bytes or ErrDoesNotExist.
	GetSegment(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) ([]byte, error)
	// GetSegmentMetadata returns the enriched metadata map or ErrDoesNotExist.
	GetSegmentMetadata(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) (ObjectMetadata, error)
	// DeleteSegment removes the payload; a missing key is success.
	DeleteSegment(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) error
	// DeleteObject removes a payload by its storage path directly.
	DeleteObject(ctx context.Context, storagePath string) error

	// PresignedURL mints a time-bounded URL for the given operation.
	PresignedURL(ctx context.Context, storagePath string, op PresignOp, ttl time.Duration) (string, error)
	// GetURLs wraps presigned GET URLs in storage-backend descriptors.
	GetURLs(ctx context.Context, storagePath, label string, ttl time.Duration) ([]StoreDescriptor, error)
}
