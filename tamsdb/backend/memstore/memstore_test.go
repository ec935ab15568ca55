package memstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastmedia/tams/pkg/timerange"
	"github.com/vastmedia/tams/tamsdb/backend"
)

func testRange(t *testing.T) timerange.TimeRange {
	t.Helper()
	tr, err := timerange.Parse("[1700000000:0_1700000004:0)")
	require.NoError(t, err)
	return tr
}

func TestStoreThenGetReturnsSameBytes(t *testing.T) {
	s := New("tams-segments")
	ctx := context.Background()
	tr := testRange(t)

	payload := []byte("mpeg-ts bytes go here")
	key, size, err := s.StoreSegment(ctx, "flow-1", backend.SegmentInfo{
		SegmentID: "seg-1",
		TimeRange: tr,
	}, backend.BytesPayload(payload), "video/mp2t")
	require.NoError(t, err)
	assert.Equal(t, backend.SegmentKey("flow-1", "seg-1", tr), key)
	assert.Equal(t, int64(len(payload)), size)

	got, err := s.GetSegment(ctx, "flow-1", "seg-1", tr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	md, err := s.GetSegmentMetadata(ctx, "flow-1", "seg-1", tr)
	require.NoError(t, err)
	assert.Equal(t, "video/mp2t", md["content_type"])
	assert.Equal(t, "21", md["size"])
	assert.Equal(t, tr.String(), md["timerange"])
}

func TestGetMissingSegment(t *testing.T) {
	s := New("tams-segments")
	tr := testRange(t)

	_, err := s.GetSegment(context.Background(), "flow-1", "nope", tr)
	assert.ErrorIs(t, err, backend.ErrDoesNotExist)

	_, err = s.GetSegmentMetadata(context.Background(), "flow-1", "nope", tr)
	assert.ErrorIs(t, err, backend.ErrDoesNotExist)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New("tams-segments")
	ctx := context.Background()
	tr := testRange(t)

	_, _, err := s.StoreSegment(ctx, "flow-1", backend.SegmentInfo{
		SegmentID: "seg-1",
		TimeRange: tr,
	}, backend.BytesPayload([]byte("x")), "")
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	require.NoError(t, s.DeleteSegment(ctx, "flow-1", "seg-1", tr))
	assert.Zero(t, s.Len())

	// deleting again still succeeds
	require.NoError(t, s.DeleteSegment(ctx, "flow-1", "seg-1", tr))

	_, err = s.GetSegment(ctx, "flow-1", "seg-1", tr)
	assert.ErrorIs(t, err, backend.ErrDoesNotExist)
}

func TestPresignedURLs(t *testing.T) {
	s := New("tams-segments")
	ctx := context.Background()

	u, err := s.PresignedURL(ctx, "flow/2023/11/14/seg", backend.PresignPut, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "op=put_object")
	assert.Contains(t, u, "tams-segments")

	descriptors, err := s.GetURLs(ctx, "flow/2023/11/14/seg", "primary", 0)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.True(t, descriptors[0].Presigned)
	assert.Equal(t, "primary", descriptors[0].Label)
	assert.True(t, strings.Contains(descriptors[0].URL, "op=get_object"))
}
