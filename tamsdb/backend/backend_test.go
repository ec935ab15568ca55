package backend

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastmedia/tams/pkg/timerange"
)

func TestSegmentKeyIsDeterministic(t *testing.T) {
	tr, err := timerange.Parse("[1700000000:0_1700000004:0)")
	require.NoError(t, err)

	flow := "7f9ab3c2-0000-4000-8000-000000000001"
	seg := "1c1bb9a1-0000-4000-8000-000000000002"

	key := SegmentKey(flow, seg, tr)
	// 1700000000 is 2023-11-14 UTC
	assert.Equal(t, flow+"/2023/11/14/"+seg, key)

	// same inputs, same key
	assert.Equal(t, key, SegmentKey(flow, seg, tr))
}

func TestSegmentKeyDatesFromRangeStart(t *testing.T) {
	// end crosses midnight, key stays on the start date
	tr, err := timerange.Parse("[1700006300:0_1700100000:0)")
	require.NoError(t, err)

	key := SegmentKey("f", "s", tr)
	assert.True(t, strings.HasPrefix(key, "f/2023/11/14/"))
}

func TestSegmentInfoMetadataRoundsTrip(t *testing.T) {
	tr, err := timerange.Parse("[10:0_20:0)")
	require.NoError(t, err)

	md := SegmentInfo{
		SegmentID:     "seg-1",
		TimeRange:     tr,
		SampleOffset:  100,
		SampleCount:   48000,
		KeyFrameCount: 2,
	}.Metadata("flow-1", "video/mp2t")

	assert.Equal(t, "flow-1", md["flow_id"])
	assert.Equal(t, "seg-1", md["segment_id"])
	assert.Equal(t, tr.String(), md["timerange"])
	assert.Equal(t, "48000", md["sample_count"])
	assert.Equal(t, "video/mp2t", md["content_type"])
}

func TestPayloadOpen(t *testing.T) {
	r, size, done, err := BytesPayload([]byte("abc")).Open()
	require.NoError(t, err)
	defer done()
	assert.Equal(t, int64(3), size)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.String())

	_, _, _, err = FilePayload("/does/not/exist").Open()
	assert.Error(t, err)
}
