package tamsdb

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Persisted table names.
const (
	TableSources          = "sources"
	TableFlows            = "flows"
	TableObjects          = "objects"
	TableSegments         = "segments"
	TableTags             = "tags"
	TableUsers            = "users"
	TableAPITokens        = "api_tokens"
	TableWebhooks         = "webhooks"
	TableDeletionRequests = "deletion_requests"
)

type tableDef struct {
	name        string
	schema      vastdb.Schema
	projections map[string][]string
}

// tableDefs is the full persisted layout. CreateTable is idempotent and
// add-only, so re-running bootstrap against an existing deployment evolves
// schemas in place.
var tableDefs = []tableDef{
	{
		name: TableSources,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "format", Type: "string"},
			{Name: "label", Type: "string"},
			{Name: "description", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "updated", Type: "string"},
			{Name: "soft_deleted", Type: "bool"},
		},
		projections: map[string][]string{
			"sources_by_format": {"format", "id"},
		},
	},
	{
		name: TableFlows,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "source_id", Type: "string"},
			{Name: "format", Type: "string"},
			{Name: "codec", Type: "string"},
			{Name: "label", Type: "string"},
			{Name: "frame_rate", Type: "string"},
			{Name: "sample_rate", Type: "int64"},
			{Name: "media_timestep", Type: "float64"},
			{Name: "created", Type: "string"},
			{Name: "updated", Type: "string"},
			{Name: "soft_deleted", Type: "bool"},
		},
		projections: map[string][]string{
			"flows_by_source": {"source_id", "id"},
		},
	},
	{
		name: TableObjects,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "size", Type: "int64"},
			{Name: "created", Type: "string"},
		},
	},
	{
		name: TableSegments,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "flow_id", Type: "string"},
			{Name: "object_id", Type: "string"},
			{Name: "timerange_start", Type: "float64"},
			{Name: "timerange_end", Type: "float64"},
			{Name: "sample_offset", Type: "int64"},
			{Name: "sample_count", Type: "int64"},
			{Name: "key_frame_count", Type: "int64"},
			{Name: "storage_path", Type: "string"},
			{Name: "created", Type: "string"},
		},
		projections: map[string][]string{
			// time column lands in the sorted half automatically
			"segments_by_flow_time": {"timerange_start", "flow_id", "id"},
			"segments_by_object":    {"object_id", "flow_id"},
		},
	},
	{
		name: TableTags,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "entity_type", Type: "string"},
			{Name: "entity_id", Type: "string"},
			{Name: "tag_name", Type: "string"},
			{Name: "tag_value", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "updated", Type: "string"},
			{Name: "created_by", Type: "string"},
			{Name: "updated_by", Type: "string"},
		},
		projections: map[string][]string{
			"tags_by_entity": {"entity_type", "entity_id"},
		},
	},
	{
		name: TableUsers,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "username", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "soft_deleted", Type: "bool"},
		},
	},
	{
		name: TableAPITokens,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "user_id", Type: "string"},
			{Name: "label", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "expires", Type: "string"},
		},
	},
	{
		name: TableWebhooks,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "owner_id", Type: "string"},
			{Name: "url", Type: "string"},
			{Name: "events", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "soft_deleted", Type: "bool"},
		},
	},
	{
		name: TableDeletionRequests,
		schema: vastdb.Schema{
			{Name: "id", Type: "string"},
			{Name: "flow_id", Type: "string"},
			{Name: "timerange_start", Type: "float64"},
			{Name: "timerange_end", Type: "float64"},
			{Name: "status", Type: "string"},
			{Name: "created", Type: "string"},
			{Name: "updated", Type: "string"},
		},
		projections: map[string][]string{
			"deletion_requests_by_flow": {"flow_id", "status"},
		},
	},
}

func bootstrapTables(ctx context.Context, store *vastdb.Store) error {
	for _, def := range tableDefs {
		if err := store.CreateTable(ctx, def.name, def.schema, def.projections); err != nil {
			return errors.Wrapf(err, "creating table %s", def.name)
		}
	}
	return nil
}
