package tamsdb

import (
	"context"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// TagReport describes the outcome of a wholesale tag replacement. Inserts
// after the delete are individually best-effort; a partial write is reported,
// not rolled back.
type TagReport struct {
	Requested int      `json:"requested"`
	Written   int      `json:"written"`
	Failed    []string `json:"failed,omitempty"`
}

func (r TagReport) OK() bool { return len(r.Failed) == 0 }

func tagPred(entityType, entityID string) *predicate.Expr {
	return predicate.Eq("entity_type", entityType).
		And(predicate.Clause{Column: "entity_id", Op: predicate.OpEq, Operand: entityID})
}

// tagRow builds a full tag row. Each row carries its own id and the audit
// principal; an empty principal is recorded as-is.
func tagRow(entityType, entityID, name, value, principal, now string) map[string]interface{} {
	return map[string]interface{}{
		"id":          uuid.NewString(),
		"entity_type": entityType,
		"entity_id":   entityID,
		"tag_name":    name,
		"tag_value":   value,
		"created":     now,
		"updated":     now,
		"created_by":  principal,
		"updated_by":  principal,
	}
}

// GetTags returns all tags on an entity as a name→value map.
func (db *DB) GetTags(ctx context.Context, entityType, entityID string) (map[string]string, error) {
	batch, err := db.store.Select(ctx, TableTags, vastdb.SelectOptions{
		Columns:   []string{"tag_name", "tag_value"},
		Predicate: tagPred(entityType, entityID),
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, batch.NumRows())
	names := batch.Column("tag_name")
	values := batch.Column("tag_value")
	for i := range names {
		name, _ := names[i].(string)
		value, _ := values[i].(string)
		out[name] = value
	}
	return out, nil
}

// SetTag upserts a single tag. (entity_type, entity_id, tag_name) stays
// unique because any previous row is deleted first.
func (db *DB) SetTag(ctx context.Context, entityType, entityID, name, value, principal string) error {
	pred := tagPred(entityType, entityID).
		And(predicate.Clause{Column: "tag_name", Op: predicate.OpEq, Operand: name})
	if _, err := db.store.Delete(ctx, TableTags, pred); err != nil {
		return err
	}

	return db.store.InsertRow(ctx, TableTags, tagRow(entityType, entityID, name, value, principal, nowStamp()))
}

// DeleteTag removes a single tag; a missing tag is not an error.
func (db *DB) DeleteTag(ctx context.Context, entityType, entityID, name string) error {
	pred := tagPred(entityType, entityID).
		And(predicate.Clause{Column: "tag_name", Op: predicate.OpEq, Operand: name})
	_, err := db.store.Delete(ctx, TableTags, pred)
	return err
}

// ReplaceAllTags deletes every tag row for the entity and inserts the new
// set. Insert failures do not abort the remainder; the report carries the
// failed names.
func (db *DB) ReplaceAllTags(ctx context.Context, entityType, entityID string, tags map[string]string, principal string) (TagReport, error) {
	report := TagReport{Requested: len(tags)}

	if _, err := db.store.Delete(ctx, TableTags, tagPred(entityType, entityID)); err != nil {
		return report, err
	}

	// deterministic write order
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	now := nowStamp()
	for _, name := range names {
		err := db.store.InsertRow(ctx, TableTags, tagRow(entityType, entityID, name, tags[name], principal, now))
		if err != nil {
			level.Warn(db.logger).Log("msg", "tag insert failed during replace",
				"entity_type", entityType, "entity_id", entityID, "tag", name, "err", err)
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Written++
	}
	return report, nil
}
