package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryCatalog is a slice-backed Catalog for unit and integration tests, the
// same role the teacher's checkpoint.MemoryStore plays for the progress
// store: every durable backend gets an in-memory twin.
type MemoryCatalog struct {
	mu      sync.RWMutex
	records []SourceRecord
}

// NewMemoryCatalog builds a MemoryCatalog from an unordered set of records.
func NewMemoryCatalog(records []SourceRecord) *MemoryCatalog {
	cp := make([]SourceRecord, len(records))
	copy(cp, records)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ShardKey < cp[j].ShardKey })
	return &MemoryCatalog{records: cp}
}

// NextBatch implements Catalog.NextBatch.
func (m *MemoryCatalog) NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]SourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SourceRecord
	for _, rec := range m.records {
		if rec.ShardKey <= lastKey {
			continue
		}
		if int(rec.ShardKey)%nShards != shardID {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountTotal implements Catalog.CountTotal.
func (m *MemoryCatalog) CountTotal(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}
