package tamsdb

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Source is the top-level content identity a set of flows renders.
type Source struct {
	ID          string `json:"id"`
	Format      string `json:"format"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Created     string `json:"created"`
	Updated     string `json:"updated"`
	SoftDeleted bool   `json:"soft_deleted"`
}

// Flow is one concrete rendition of a source.
type Flow struct {
	ID            string  `json:"id"`
	SourceID      string  `json:"source_id"`
	Format        string  `json:"format"`
	Codec         string  `json:"codec"`
	Label         string  `json:"label"`
	FrameRate     string  `json:"frame_rate"`
	SampleRate    int64   `json:"sample_rate"`
	MediaTimestep float64 `json:"media_timestep"`
	Created       string  `json:"created"`
	Updated       string  `json:"updated"`
	SoftDeleted   bool    `json:"soft_deleted"`
}

// Object is a stored payload blob. ReferencedByFlows is derived from the
// segment index on every read, never persisted.
type Object struct {
	ID                string   `json:"id"`
	Size              int64    `json:"size"`
	Created           string   `json:"created"`
	ReferencedByFlows []string `json:"referenced_by_flows"`
}

// ListOptions scope entity list reads. Soft-deleted rows are excluded unless
// WithDeleted is set.
type ListOptions struct {
	WithDeleted bool
	Predicate   *predicate.Expr
	Limit       int
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (o ListOptions) pred() *predicate.Expr {
	p := o.Predicate
	if !o.WithDeleted {
		if p == nil {
			p = (&predicate.Expr{}).And(predicate.NotDeleted())
		} else {
			p = p.And(predicate.NotDeleted())
		}
	}
	return p
}

// ---- sources ----

func (db *DB) CreateSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	src.Created = nowStamp()
	src.Updated = src.Created
	src.SoftDeleted = false

	return db.store.InsertRow(ctx, TableSources, map[string]interface{}{
		"id":           src.ID,
		"format":       src.Format,
		"label":        src.Label,
		"description":  src.Description,
		"created":      src.Created,
		"updated":      src.Updated,
		"soft_deleted": false,
	})
}

func (db *DB) GetSource(ctx context.Context, id string) (*Source, error) {
	row, err := db.getRow(ctx, TableSources, id, false)
	if err != nil {
		return nil, err
	}
	return sourceFromRow(row), nil
}

func (db *DB) ListSources(ctx context.Context, opts ListOptions) ([]Source, error) {
	batch, err := db.store.Select(ctx, TableSources, vastdb.SelectOptions{
		Predicate: opts.pred(),
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Source, 0, batch.NumRows())
	for i := 0; i < batch.NumRows(); i++ {
		out = append(out, *sourceFromRow(batch.Row(i)))
	}
	return out, nil
}

func (db *DB) UpdateSource(ctx context.Context, id string, patch map[string]interface{}) (int, error) {
	return db.patchRow(ctx, TableSources, id, patch)
}

// DeleteSource soft-deletes by default. A hard delete removes the row and is
// refused while live flows still reference the source.
func (db *DB) DeleteSource(ctx context.Context, id string, hard bool) error {
	if !hard {
		return db.softDelete(ctx, TableSources, id)
	}

	live, err := db.store.Select(ctx, TableFlows, vastdb.SelectOptions{
		Columns:   []string{"id"},
		Predicate: predicate.Eq("source_id", id).And(predicate.NotDeleted()),
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if live.NumRows() > 0 {
		return errors.Wrapf(ErrLiveReferences, "source %s has live flows", id)
	}

	_, err = db.store.Delete(ctx, TableSources, predicate.Eq("id", id))
	return err
}

// ---- flows ----

// CreateFlow requires a live source.
func (db *DB) CreateFlow(ctx context.Context, flow *Flow) error {
	if _, err := db.GetSource(ctx, flow.SourceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrSourceNotLive, "source %s", flow.SourceID)
		}
		return err
	}

	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	flow.Created = nowStamp()
	flow.Updated = flow.Created
	flow.SoftDeleted = false

	return db.store.InsertRow(ctx, TableFlows, map[string]interface{}{
		"id":             flow.ID,
		"source_id":      flow.SourceID,
		"format":         flow.Format,
		"codec":          flow.Codec,
		"label":          flow.Label,
		"frame_rate":     flow.FrameRate,
		"sample_rate":    flow.SampleRate,
		"media_timestep": flow.MediaTimestep,
		"created":        flow.Created,
		"updated":        flow.Updated,
		"soft_deleted":   false,
	})
}

func (db *DB) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row, err := db.getRow(ctx, TableFlows, id, false)
	if err != nil {
		return nil, err
	}
	return flowFromRow(row), nil
}

func (db *DB) ListFlows(ctx context.Context, opts ListOptions) ([]Flow, error) {
	batch, err := db.store.Select(ctx, TableFlows, vastdb.SelectOptions{
		Predicate: opts.pred(),
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Flow, 0, batch.NumRows())
	for i := 0; i < batch.NumRows(); i++ {
		out = append(out, *flowFromRow(batch.Row(i)))
	}
	return out, nil
}

func (db *DB) UpdateFlow(ctx context.Context, id string, patch map[string]interface{}) (int, error) {
	return db.patchRow(ctx, TableFlows, id, patch)
}

// DeleteFlow soft-deletes by default. A hard delete is refused while
// segments still reference the flow.
func (db *DB) DeleteFlow(ctx context.Context, id string, hard bool) error {
	if !hard {
		return db.softDelete(ctx, TableFlows, id)
	}

	refs, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Columns:   []string{"id"},
		Predicate: predicate.Eq("flow_id", id),
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if refs.NumRows() > 0 {
		return errors.Wrapf(ErrLiveReferences, "flow %s has segments", id)
	}

	_, err = db.store.Delete(ctx, TableFlows, predicate.Eq("id", id))
	return err
}

// ---- objects ----

func (db *DB) CreateObject(ctx context.Context, obj *Object) error {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	obj.Created = nowStamp()

	return db.store.InsertRow(ctx, TableObjects, map[string]interface{}{
		"id":      obj.ID,
		"size":    obj.Size,
		"created": obj.Created,
	})
}

// GetObject reads the object row and recomputes its referencing flow set
// from the segment index.
func (db *DB) GetObject(ctx context.Context, id string) (*Object, error) {
	row, err := db.getRow(ctx, TableObjects, id, true)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		ID:      rowString(row, "id"),
		Size:    rowInt64(row, "size"),
		Created: rowString(row, "created"),
	}

	refs, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Columns:   []string{"flow_id"},
		Predicate: predicate.Eq("object_id", id),
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, v := range refs.Column("flow_id") {
		flowID, ok := v.(string)
		if !ok || flowID == "" {
			continue
		}
		if _, dup := seen[flowID]; !dup {
			seen[flowID] = struct{}{}
			obj.ReferencedByFlows = append(obj.ReferencedByFlows, flowID)
		}
	}
	sort.Strings(obj.ReferencedByFlows)
	return obj, nil
}

// DeleteObject is always a hard delete and is refused while segments still
// reference the object.
func (db *DB) DeleteObject(ctx context.Context, id string) error {
	refs, err := db.store.Select(ctx, TableSegments, vastdb.SelectOptions{
		Columns:   []string{"id"},
		Predicate: predicate.Eq("object_id", id),
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if refs.NumRows() > 0 {
		return errors.Wrapf(ErrLiveReferences, "object %s has segments", id)
	}

	_, err = db.store.Delete(ctx, TableObjects, predicate.Eq("id", id))
	return err
}

// ---- shared row plumbing ----

// getRow fetches one entity row by id. Tables without a soft_deleted column
// pass ignoreSoftDelete.
func (db *DB) getRow(ctx context.Context, table, id string, ignoreSoftDelete bool) (map[string]interface{}, error) {
	pred := predicate.Eq("id", id)
	if !ignoreSoftDelete {
		pred = pred.And(predicate.NotDeleted())
	}

	batch, err := db.store.Select(ctx, table, vastdb.SelectOptions{
		Predicate: pred,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if batch.NumRows() == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", table, id)
	}
	return batch.Row(0), nil
}

func (db *DB) patchRow(ctx context.Context, table, id string, patch map[string]interface{}) (int, error) {
	if len(patch) == 0 {
		return 0, nil
	}

	values := make(map[string]interface{}, len(patch)+1)
	for k, v := range patch {
		values[k] = v
	}
	values["updated"] = nowStamp()

	return db.store.Update(ctx, table, values, predicate.Eq("id", id).And(predicate.NotDeleted()))
}

func (db *DB) softDelete(ctx context.Context, table, id string) error {
	affected, err := db.store.Update(ctx, table, map[string]interface{}{
		"soft_deleted": true,
		"updated":      nowStamp(),
	}, predicate.Eq("id", id).And(predicate.NotDeleted()))
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", table, id)
	}
	level.Debug(db.logger).Log("msg", "soft-deleted entity", "table", table, "id", id)
	return nil
}

func sourceFromRow(row map[string]interface{}) *Source {
	return &Source{
		ID:          rowString(row, "id"),
		Format:      rowString(row, "format"),
		Label:       rowString(row, "label"),
		Description: rowString(row, "description"),
		Created:     rowString(row, "created"),
		Updated:     rowString(row, "updated"),
		SoftDeleted: rowBool(row, "soft_deleted"),
	}
}

func flowFromRow(row map[string]interface{}) *Flow {
	return &Flow{
		ID:            rowString(row, "id"),
		SourceID:      rowString(row, "source_id"),
		Format:        rowString(row, "format"),
		Codec:         rowString(row, "codec"),
		Label:         rowString(row, "label"),
		FrameRate:     rowString(row, "frame_rate"),
		SampleRate:    rowInt64(row, "sample_rate"),
		MediaTimestep: rowFloat(row, "media_timestep"),
		Created:       rowString(row, "created"),
		Updated:       rowString(row, "updated"),
		SoftDeleted:   rowBool(row, "soft_deleted"),
	}
}

func rowString(row map[string]interface{}, col string) string {
	s, _ := row[col].(string)
	return s
}

func rowBool(row map[string]interface{}, col string) bool {
	b, _ := row[col].(bool)
	return b
}

func rowInt64(row map[string]interface{}, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func rowFloat(row map[string]interface{}, col string) float64 {
	switch v := row[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
