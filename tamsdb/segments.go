package tamsdb

import (
	"context"
	"math"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/pkg/timerange"
	"github.com/vastmedia/tams/tamsdb/backend"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Segment is one time-ranged slice of a flow: an index row in the columnar
// store plus a payload in the object store at StoragePath.
type Segment struct {
	ID            string              `json:"id"`
	FlowID        string              `json:"flow_id"`
	ObjectID      string              `json:"object_id"`
	TimeRange     timerange.TimeRange `json:"timerange"`
	SampleOffset  int64               `json:"sample_offset"`
	SampleCount   int64               `json:"sample_count"`
	KeyFrameCount int64               `json:"key_frame_count"`
	StoragePath   string              `json:"storage_path"`
	Created       string              `json:"created"`
}

// PutSegment writes the payload under the deterministic key, then indexes
// it. The payload lands first so a missing index row never points at
// nothing; if indexing fails the payload is deleted best-effort.
func (db *DB) PutSegment(ctx context.Context, flowID string, seg *Segment, payload backend.Payload, contentType string) error {
	if _, err := db.GetFlow(ctx, flowID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrFlowNotLive, "flow %s", flowID)
		}
		return err
	}

	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	seg.FlowID = flowID
	seg.Created = nowStamp()

	key, size, err := db.objects.StoreSegment(ctx, flowID, backend.SegmentInfo{
		SegmentID:     seg.ID,
		TimeRange:     seg.TimeRange,
		SampleOffset:  seg.SampleOffset,
		SampleCount:   seg.SampleCount,
		KeyFrameCount: seg.KeyFrameCount,
		Created:       seg.Created,
	}, payload, contentType)
	if err != nil {
		return errors.Wrap(err, "storing segment payload")
	}
	seg.StoragePath = key

	// the object row records the byte count the store accepted, so file and
	// reader payloads carry a real size
	if seg.ObjectID == "" {
		seg.ObjectID = uuid.NewString()
		if err := db.CreateObject(ctx, &Object{
			ID:   seg.ObjectID,
			Size: size,
		}); err != nil {
			db.compensatePayload(ctx, flowID, seg.ID, key)
			return errors.Wrap(err, "creating object row")
		}
	}

	err = db.store.InsertRow(ctx, TableSegments, map[string]interface{}{
		"id":              seg.ID,
		"flow_id":         flowID,
		"object_id":       seg.ObjectID,
		"timerange_start": seg.TimeRange.Start,
		"timerange_end":   seg.TimeRange.End,
		"sample_offset":   seg.SampleOffset,
		"sample_count":    seg.SampleCount,
		"key_frame_count": seg.KeyFrameCount,
		"storage_path":    key,
		"created":         seg.Created,
	})
	if err != nil {
		db.compensatePayload(ctx, flowID, seg.ID, key)
		return errors.Wrapf(err, "indexing segment %s", seg.ID)
	}

	level.Debug(db.logger).Log("msg", "stored segment", "flow", flowID, "segment", seg.ID, "key", key)
	return nil
}

// compensatePayload removes a stored payload after a failed index write. The
// payload must not outlive its index row.
func (db *DB) compensatePayload(ctx context.Context, flowID, segmentID, key string) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := db.objects.DeleteObject(cleanupCtx, key); err != nil {
		level.Error(db.logger).Log("msg", "orphaned payload: compensating delete failed",
			"flow", flowID, "segment", segmentID, "key", key, "err", err)
	}
}

// GetSegment reads the index row and mints presigned GET URLs for the
// stored payload.
func (db *DB) GetSegment(ctx context.Context, flowID, segmentID string) (*Segment, []backend.StoreDescriptor, error) {
	pred := predicate.Eq("flow_id", flowID).
		And(predicate.Clause{Column: "id", Op: predicate.OpEq, Operand: segmentID})

	batch, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Predicate: pred,
		Limit:     1,
	})
	if err != nil {
		return nil, nil, err
	}
	if batch.NumRows() == 0 {
		return nil, nil, errors.Wrapf(ErrNotFound, "segment %s/%s", flowID, segmentID)
	}

	seg := segmentFromRow(batch.Row(0))
	urls, err := db.objects.GetURLs(ctx, seg.StoragePath, "", 0)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "minting urls for %s", seg.StoragePath)
	}
	return seg, urls, nil
}

// ListSegments returns the flow's segments whose timerange overlaps tr,
// ordered as stored.
func (db *DB) ListSegments(ctx context.Context, flowID string, tr timerange.TimeRange) ([]Segment, error) {
	pred := predicate.Eq("flow_id", flowID)
	// half-open overlap: seg.start < q.end && seg.end > q.start; only an
	// infinite bound drops its clause, zero is a real boundary
	if !math.IsInf(tr.End, 1) {
		pred = pred.And(predicate.Clause{Column: "timerange_start", Op: predicate.OpLt, Operand: tr.End})
	}
	if !math.IsInf(tr.Start, -1) {
		pred = pred.And(predicate.Clause{Column: "timerange_end", Op: predicate.OpGt, Operand: tr.Start})
	}

	batch, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Predicate: pred,
		Request:   vastdb.QueryRequest{TimeRangeQuery: true},
	})
	if err != nil {
		return nil, err
	}

	out := make([]Segment, 0, batch.NumRows())
	for i := 0; i < batch.NumRows(); i++ {
		out = append(out, *segmentFromRow(batch.Row(i)))
	}
	return out, nil
}

// DeleteSegment removes the payload and the index row. A payload already
// gone does not fail the delete.
func (db *DB) DeleteSegment(ctx context.Context, flowID, segmentID string) error {
	pred := predicate.Eq("flow_id", flowID).
		And(predicate.Clause{Column: "id", Op: predicate.OpEq, Operand: segmentID})

	batch, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Columns:   []string{"storage_path"},
		Predicate: pred,
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if batch.NumRows() == 0 {
		return errors.Wrapf(ErrNotFound, "segment %s/%s", flowID, segmentID)
	}

	path := rowString(batch.Row(0), "storage_path")
	if path != "" {
		if err := db.objects.DeleteObject(ctx, path); err != nil {
			return errors.Wrapf(err, "deleting payload %s", path)
		}
	}

	_, err = db.store.Delete(ctx, TableSegments, pred)
	return err
}

// RequestFlowDeletion records a pending deletion of a flow's segments over
// a timerange and returns the request id.
func (db *DB) RequestFlowDeletion(ctx context.Context, flowID string, tr timerange.TimeRange) (string, error) {
	id := uuid.NewString()
	now := nowStamp()

	err := db.store.InsertRow(ctx, TableDeletionRequests, map[string]interface{}{
		"id":              id,
		"flow_id":         flowID,
		"timerange_start": tr.Start,
		"timerange_end":   tr.End,
		"status":          "pending",
		"created":         now,
		"updated":         now,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ProcessDeletionRequest deletes every overlapping segment of the request's
// flow and marks the request done. Returns the number of segments removed.
func (db *DB) ProcessDeletionRequest(ctx context.Context, requestID string) (int, error) {
	batch, err := db.store.Select(ctx, TableDeletionRequests, vastdb.SelectOptions{
		Predicate: predicate.Eq("id", requestID),
		Limit:     1,
	})
	if err != nil {
		return 0, err
	}
	if batch.NumRows() == 0 {
		return 0, errors.Wrapf(ErrNotFound, "deletion request %s", requestID)
	}

	row := batch.Row(0)
	flowID := rowString(row, "flow_id")
	tr := timerange.TimeRange{Start: rowFloat(row, "timerange_start"), End: rowFloat(row, "timerange_end")}

	segments, err := db.ListSegments(ctx, flowID, tr)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, seg := range segments {
		if err := db.DeleteSegment(ctx, flowID, seg.ID); err != nil {
			_, uerr := db.store.Update(ctx, TableDeletionRequests,
				map[string]interface{}{"status": "failed", "updated": nowStamp()},
				predicate.Eq("id", requestID))
			if uerr != nil {
				level.Warn(db.logger).Log("msg", "failed to mark deletion request", "request", requestID, "err", uerr)
			}
			return deleted, errors.Wrapf(err, "deleting segment %s", seg.ID)
		}
		deleted++
	}

	_, err = db.store.Update(ctx, TableDeletionRequests,
		map[string]interface{}{"status": "completed", "updated": nowStamp()},
		predicate.Eq("id", requestID))
	return deleted, err
}

func segmentFromRow(row map[string]interface{}) *Segment {
	return &Segment{
		ID:       rowString(row, "id"),
		FlowID:   rowString(row, "flow_id"),
		ObjectID: rowString(row, "object_id"),
		TimeRange: timerange.TimeRange{
			Start: rowFloat(row, "timerange_start"),
			End:   rowFloat(row, "timerange_end"),
		},
		SampleOffset:  rowInt64(row, "sample_offset"),
		SampleCount:   rowInt64(row, "sample_count"),
		KeyFrameCount: rowInt64(row, "key_frame_count"),
		StoragePath:   rowString(row, "storage_path"),
		Created:       rowString(row, "created"),
	}
}
