// Package catalog implements the read-only source catalog query interface
// specified in section 6 of the design specification. It is the external
// collaborator the rest of this subsystem treats as out of scope except
// through this narrow interface.
package catalog

import (
	"context"
)

// SourceRecord identifies one candidate item for migration, as defined in
// section 3 of the design specification.
type SourceRecord struct {
	ShardKey           int64               // monotonic catalog primary key
	Path               string              // filesystem path to the binary
	FormatHint         string              // extension or magic-derived tag
	PrefetchedMetadata *PrefetchedMetadata // optional, may be nil
}

// PrefetchedMetadata is the optional metadata a catalog may already have on
// hand for a record, short-circuiting the external extraction tool (section
// 4.2) when present and non-empty.
type PrefetchedMetadata struct {
	Title       string
	Authors     []string
	Language    string
	Series      string
	SeriesIndex float64
}

// Catalog is the read-only query interface to the source library's index, as
// defined in section 6. Implementations must never mutate the underlying
// store (section 5 shared-resource policy: "the source library is opened
// read-only").
type Catalog interface {
	// NextBatch returns up to limit records with ShardKey > lastKey and
	// ShardKey mod nShards == shardID, ordered ascending by ShardKey.
	NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]SourceRecord, error)

	// CountTotal returns the total number of records in the catalog, for
	// reporting only.
	CountTotal(ctx context.Context) (int64, error)
}
