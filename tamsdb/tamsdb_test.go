package tamsdb_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/pkg/timerange"
	"github.com/vastmedia/tams/tamsdb"
	"github.com/vastmedia/tams/tamsdb/backend"
	"github.com/vastmedia/tams/tamsdb/backend/memstore"
	"github.com/vastmedia/tams/tamsdb/vastdb"
	"github.com/vastmedia/tams/tamsdb/vastdb/vastlocal"
)

func newDB(t *testing.T) (*tamsdb.DB, *vastlocal.Engine, *memstore.Store) {
	t.Helper()

	engine := vastlocal.New("tams-bucket")
	objects := memstore.New("tams-segments")

	cfg := tamsdb.DefaultConfig()
	cfg.Vast.Endpoints = []string{"vast-1", "vast-2"}
	cfg.Vast.Bucket = "tams-bucket"

	db, err := tamsdb.New(context.Background(), cfg, engine, objects, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db, engine, objects
}

func seedFlow(t *testing.T, db *tamsdb.DB) (*tamsdb.Source, *tamsdb.Flow) {
	t.Helper()
	ctx := context.Background()

	src := &tamsdb.Source{Format: "urn:x-nmos:format:video", Label: "Cam A"}
	require.NoError(t, db.CreateSource(ctx, src))

	flow := &tamsdb.Flow{SourceID: src.ID, Format: src.Format, Codec: "h264", Label: "Cam A 1080p"}
	require.NoError(t, db.CreateFlow(ctx, flow))

	return src, flow
}

func eternity() timerange.TimeRange {
	return timerange.Eternity
}

// Source -> Flow -> Segment ingest, payload readback via the derived key,
// and default listing.
func TestSegmentIngestAndReadback(t *testing.T) {
	db, _, objects := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	tr, err := timerange.Parse("[0:0_10:0)")
	require.NoError(t, err)

	seg := &tamsdb.Segment{
		TimeRange:     tr,
		SampleOffset:  0,
		SampleCount:   1000,
		KeyFrameCount: 10,
	}
	require.NoError(t, db.PutSegment(ctx, flow.ID, seg, backend.BytesPayload([]byte("XYZ")), "video/mp2t"))
	require.NotEmpty(t, seg.ID)
	assert.Equal(t, backend.SegmentKey(flow.ID, seg.ID, tr), seg.StoragePath)

	// payload readable through the derived key
	payload, err := objects.GetSegment(ctx, flow.ID, seg.ID, tr)
	require.NoError(t, err)
	assert.Equal(t, []byte("XYZ"), payload)

	listed, err := db.ListSegments(ctx, flow.ID, eternity())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, seg.ID, listed[0].ID)
	assert.Equal(t, int64(1000), listed[0].SampleCount)

	got, urls, err := db.GetSegment(ctx, flow.ID, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, seg.StoragePath, got.StoragePath)
	require.Len(t, urls, 1)
	assert.True(t, urls[0].Presigned)
	assert.Contains(t, urls[0].URL, "op=get_object")
}

func TestListSegmentsOverlap(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	for _, spec := range []string{"[0:0_10:0)", "[10:0_20:0)", "[30:0_40:0)"} {
		tr, err := timerange.Parse(spec)
		require.NoError(t, err)
		require.NoError(t, db.PutSegment(ctx, flow.ID, &tamsdb.Segment{TimeRange: tr},
			backend.BytesPayload([]byte("x")), ""))
	}

	// [5,15) overlaps the first two but not [30,40)
	q, err := timerange.Parse("[5:0_15:0)")
	require.NoError(t, err)
	listed, err := db.ListSegments(ctx, flow.ID, q)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	// half-open: [20,30) touches neither [10,20) nor [30,40)
	q, err = timerange.Parse("[20:0_30:0)")
	require.NoError(t, err)
	listed, err = db.ListSegments(ctx, flow.ID, q)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

// A query starting at exactly 0 is a real bound, not an unbounded start.
func TestListSegmentsZeroStartBound(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	tr, err := timerange.Parse("[-10:0_-5:0)")
	require.NoError(t, err)
	require.NoError(t, db.PutSegment(ctx, flow.ID, &tamsdb.Segment{TimeRange: tr},
		backend.BytesPayload([]byte("x")), ""))

	// [0,10) lies entirely after [-10,-5)
	q, err := timerange.Parse("[0:0_10:0)")
	require.NoError(t, err)
	listed, err := db.ListSegments(ctx, flow.ID, q)
	require.NoError(t, err)
	assert.Empty(t, listed)

	q, err = timerange.Parse("[-20:0_0:0)")
	require.NoError(t, err)
	listed, err = db.ListSegments(ctx, flow.ID, q)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

// A failed index insert must not leave the payload behind.
func TestPutSegmentCompensatingDelete(t *testing.T) {
	db, engine, objects := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	tr, err := timerange.Parse("[0:0_4:0)")
	require.NoError(t, err)

	// preset object id so the only insert is the index row
	seg := &tamsdb.Segment{ObjectID: "obj-1", TimeRange: tr}
	engine.FailInserts(1)

	err = db.PutSegment(ctx, flow.ID, seg, backend.BytesPayload([]byte("doomed")), "")
	require.Error(t, err)

	assert.Zero(t, objects.Len())
	listed, err := db.ListSegments(ctx, flow.ID, eternity())
	require.NoError(t, err)
	assert.Empty(t, listed)
}

// The auto-created object row records the byte count the store accepted,
// including for payloads that are not raw byte slices.
func TestPutSegmentRecordsPayloadSize(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	tr, err := timerange.Parse("[0:0_4:0)")
	require.NoError(t, err)

	data := []byte("streamed segment bytes")
	seg := &tamsdb.Segment{TimeRange: tr}
	require.NoError(t, db.PutSegment(ctx, flow.ID, seg,
		backend.ReaderPayload(bytes.NewReader(data), int64(len(data))), ""))
	require.NotEmpty(t, seg.ObjectID)

	obj, err := db.GetObject(ctx, seg.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.Size)
}

func TestPutSegmentRequiresLiveFlow(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()

	err := db.PutSegment(ctx, "no-such-flow", &tamsdb.Segment{}, backend.BytesPayload(nil), "")
	assert.ErrorIs(t, err, tamsdb.ErrFlowNotLive)

	_, flow := seedFlow(t, db)
	require.NoError(t, db.DeleteFlow(ctx, flow.ID, false))

	err = db.PutSegment(ctx, flow.ID, &tamsdb.Segment{}, backend.BytesPayload(nil), "")
	assert.ErrorIs(t, err, tamsdb.ErrFlowNotLive)
}

func TestDeleteSegmentRemovesPayloadAndIndex(t *testing.T) {
	db, _, objects := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	tr, err := timerange.Parse("[0:0_4:0)")
	require.NoError(t, err)
	seg := &tamsdb.Segment{TimeRange: tr}
	require.NoError(t, db.PutSegment(ctx, flow.ID, seg, backend.BytesPayload([]byte("x")), ""))
	require.Equal(t, 1, objects.Len())

	require.NoError(t, db.DeleteSegment(ctx, flow.ID, seg.ID))
	assert.Zero(t, objects.Len())

	_, _, err = db.GetSegment(ctx, flow.ID, seg.ID)
	assert.ErrorIs(t, err, tamsdb.ErrNotFound)

	err = db.DeleteSegment(ctx, flow.ID, seg.ID)
	assert.ErrorIs(t, err, tamsdb.ErrNotFound)
}

// Soft-deleted entities vanish from default reads and reappear with
// WithDeleted.
func TestSourceSoftDelete(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()

	src := &tamsdb.Source{Format: "urn:x-nmos:format:video", Label: "Cam A"}
	require.NoError(t, db.CreateSource(ctx, src))

	require.NoError(t, db.DeleteSource(ctx, src.ID, false))

	_, err := db.GetSource(ctx, src.ID)
	assert.ErrorIs(t, err, tamsdb.ErrNotFound)

	listed, err := db.ListSources(ctx, tamsdb.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, listed)

	withDeleted, err := db.ListSources(ctx, tamsdb.ListOptions{WithDeleted: true})
	require.NoError(t, err)
	require.Len(t, withDeleted, 1)
	assert.True(t, withDeleted[0].SoftDeleted)

	// soft-deleting again misses
	assert.ErrorIs(t, db.DeleteSource(ctx, src.ID, false), tamsdb.ErrNotFound)
}

func TestHardDeleteRefusedWithLiveReferences(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, flow := seedFlow(t, db)

	assert.ErrorIs(t, db.DeleteSource(ctx, src.ID, true), tamsdb.ErrLiveReferences)

	tr, err := timerange.Parse("[0:0_4:0)")
	require.NoError(t, err)
	seg := &tamsdb.Segment{TimeRange: tr}
	require.NoError(t, db.PutSegment(ctx, flow.ID, seg, backend.BytesPayload([]byte("x")), ""))

	assert.ErrorIs(t, db.DeleteFlow(ctx, flow.ID, true), tamsdb.ErrLiveReferences)
	assert.ErrorIs(t, db.DeleteObject(ctx, seg.ObjectID), tamsdb.ErrLiveReferences)

	// drop the segment, then the chain unwinds
	require.NoError(t, db.DeleteSegment(ctx, flow.ID, seg.ID))
	require.NoError(t, db.DeleteObject(ctx, seg.ObjectID))
	require.NoError(t, db.DeleteFlow(ctx, flow.ID, true))
	require.NoError(t, db.DeleteSource(ctx, src.ID, true))
}

func TestCreateFlowRequiresLiveSource(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()

	err := db.CreateFlow(ctx, &tamsdb.Flow{SourceID: "missing"})
	assert.ErrorIs(t, err, tamsdb.ErrSourceNotLive)

	src := &tamsdb.Source{Format: "urn:x-nmos:format:audio"}
	require.NoError(t, db.CreateSource(ctx, src))
	require.NoError(t, db.DeleteSource(ctx, src.ID, false))

	err = db.CreateFlow(ctx, &tamsdb.Flow{SourceID: src.ID})
	assert.ErrorIs(t, err, tamsdb.ErrSourceNotLive)
}

func TestObjectReferencesDerivedFromSegments(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, flowA := seedFlow(t, db)

	flowB := &tamsdb.Flow{SourceID: src.ID, Format: src.Format, Codec: "h265"}
	require.NoError(t, db.CreateFlow(ctx, flowB))

	obj := &tamsdb.Object{ID: "shared-object", Size: 3}
	require.NoError(t, db.CreateObject(ctx, obj))

	tr, err := timerange.Parse("[0:0_4:0)")
	require.NoError(t, err)
	for _, flowID := range []string{flowA.ID, flowB.ID} {
		require.NoError(t, db.PutSegment(ctx, flowID, &tamsdb.Segment{ObjectID: obj.ID, TimeRange: tr},
			backend.BytesPayload([]byte("abc")), ""))
	}

	got, err := db.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	want := []string{flowA.ID, flowB.ID}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, got.ReferencedByFlows)
}

func TestPatchEntity(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, _ := seedFlow(t, db)

	affected, err := db.UpdateSource(ctx, src.ID, map[string]interface{}{"label": "Cam A (renamed)"})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	got, err := db.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cam A (renamed)", got.Label)
	assert.NotEmpty(t, got.Updated)

	// empty patch is a no-op
	affected, err = db.UpdateSource(ctx, src.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestReplaceAllTagsRoundTrip(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, _ := seedFlow(t, db)

	first := map[string]string{"location": "studio-1", "operator": "amy"}
	report, err := db.ReplaceAllTags(ctx, "source", src.ID, first, "amy")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Written)

	got, err := db.GetTags(ctx, "source", src.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	// wholesale replacement drops tags absent from the new set
	second := map[string]string{"location": "studio-2"}
	report, err = db.ReplaceAllTags(ctx, "source", src.ID, second, "amy")
	require.NoError(t, err)
	assert.True(t, report.OK())

	got, err = db.GetTags(ctx, "source", src.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSetAndDeleteTag(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, _ := seedFlow(t, db)

	require.NoError(t, db.SetTag(ctx, "source", src.ID, "location", "studio-1", "amy"))
	// upsert keeps (entity, name) unique
	require.NoError(t, db.SetTag(ctx, "source", src.ID, "location", "studio-2", "amy"))

	got, err := db.GetTags(ctx, "source", src.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"location": "studio-2"}, got)

	require.NoError(t, db.DeleteTag(ctx, "source", src.ID, "location"))
	// deleting a missing tag still succeeds
	require.NoError(t, db.DeleteTag(ctx, "source", src.ID, "location"))

	got, err = db.GetTags(ctx, "source", src.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// Every persisted tag row carries its own id and the audit principals.
func TestTagRowsCarryIdentityAndAudit(t *testing.T) {
	db, _, _ := newDB(t)
	ctx := context.Background()
	src, _ := seedFlow(t, db)

	require.NoError(t, db.SetTag(ctx, "source", src.ID, "location", "studio-1", "amy"))

	batch, err := db.Store().Select(ctx, tamsdb.TableTags, vastdb.SelectOptions{
		Predicate: predicate.Eq("entity_id", src.ID),
	})
	require.NoError(t, err)
	require.Equal(t, 1, batch.NumRows())

	row := batch.Row(0)
	assert.NotEmpty(t, row["id"])
	assert.Equal(t, "amy", row["created_by"])
	assert.Equal(t, "amy", row["updated_by"])
	assert.NotEmpty(t, row["created"])
	assert.NotEmpty(t, row["updated"])

	// the upsert mints a fresh row
	firstID := row["id"]
	require.NoError(t, db.SetTag(ctx, "source", src.ID, "location", "studio-2", "bob"))
	batch, err = db.Store().Select(ctx, tamsdb.TableTags, vastdb.SelectOptions{
		Predicate: predicate.Eq("entity_id", src.ID),
	})
	require.NoError(t, err)
	require.Equal(t, 1, batch.NumRows())
	assert.NotEqual(t, firstID, batch.Row(0)["id"])
	assert.Equal(t, "bob", batch.Row(0)["updated_by"])
}

func TestDeletionRequestLifecycle(t *testing.T) {
	db, _, objects := newDB(t)
	ctx := context.Background()
	_, flow := seedFlow(t, db)

	for _, spec := range []string{"[0:0_10:0)", "[10:0_20:0)", "[100:0_110:0)"} {
		tr, err := timerange.Parse(spec)
		require.NoError(t, err)
		require.NoError(t, db.PutSegment(ctx, flow.ID, &tamsdb.Segment{TimeRange: tr},
			backend.BytesPayload([]byte("x")), ""))
	}
	require.Equal(t, 3, objects.Len())

	tr, err := timerange.Parse("[0:0_50:0)")
	require.NoError(t, err)
	reqID, err := db.RequestFlowDeletion(ctx, flow.ID, tr)
	require.NoError(t, err)

	deleted, err := db.ProcessDeletionRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, objects.Len())

	remaining, err := db.ListSegments(ctx, flow.ID, eternity())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 100.0, remaining[0].TimeRange.Start)

	_, err = db.ProcessDeletionRequest(ctx, "no-such-request")
	assert.ErrorIs(t, err, tamsdb.ErrNotFound)
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tams.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"vast": {
			"endpoints": ["vast-a", "vast-b"],
			"bucket": "media",
			"timeout": "45s",
			"batch_size": 500
		},
		"s3": {"endpoint": "minio:9000", "bucket": "segments", "insecure": true},
		"perf": {"history_cap": 250},
		"mystery_knob": 7
	}`), 0o600))

	cfg, err := tamsdb.LoadConfig(path, kitlog.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"vast-a", "vast-b"}, cfg.Vast.Endpoints)
	assert.Equal(t, "media", cfg.Vast.Bucket)
	assert.Equal(t, 45*time.Second, cfg.Vast.Timeout)
	assert.Equal(t, 500, cfg.Vast.Batch.BatchSize)
	assert.Equal(t, "minio:9000", cfg.S3.Endpoint)
	assert.True(t, cfg.S3.Insecure)
	assert.Equal(t, 250, cfg.Perf.HistoryCap)

	// defaults survive where the file is silent
	assert.Equal(t, "tams", cfg.Vast.Schema)
	assert.NotZero(t, cfg.Perf.SlowQueryThreshold)
}

func TestLoadConfigMissingPathUsesDefaults(t *testing.T) {
	cfg, err := tamsdb.LoadConfig("", kitlog.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "tams", cfg.Vast.Schema)

	_, err = tamsdb.LoadConfig("/does/not/exist.json", kitlog.NewNopLogger())
	assert.Error(t, err)
}
