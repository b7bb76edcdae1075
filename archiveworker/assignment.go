package archiveworker

import (
	"context"
	"sync"
)

// AssignmentSource tells a worker which archive files it owns, and lets it
// see every shard's assignment so orphan recovery (section 4.7) can decide
// which archives belong to a dead peer and are not already claimed by
// another live one.
type AssignmentSource interface {
	Assignment(ctx context.Context, shardID int) ([]string, error)
	AllAssignments(ctx context.Context) (map[int][]string, error)
}

// StaticAssignmentSource is a fixed, in-memory shard-to-archives mapping,
// the archive-mode analogue of catalog.MemoryCatalog: a simple container
// standing in for whatever out-of-scope mechanism actually partitions the
// archive list (a manifest file, a database row range, a CLI-supplied glob).
type StaticAssignmentSource struct {
	mu          sync.Mutex
	assignments map[int][]string
}

// NewStaticAssignmentSource builds a StaticAssignmentSource from a fixed
// shard-to-archives mapping.
func NewStaticAssignmentSource(assignments map[int][]string) *StaticAssignmentSource {
	clone := make(map[int][]string, len(assignments))
	for shard, archives := range assignments {
		clone[shard] = append([]string(nil), archives...)
	}
	return &StaticAssignmentSource{assignments: clone}
}

// Assignment implements AssignmentSource.
func (s *StaticAssignmentSource) Assignment(ctx context.Context, shardID int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.assignments[shardID]...), nil
}

// AllAssignments implements AssignmentSource.
func (s *StaticAssignmentSource) AllAssignments(ctx context.Context) (map[int][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]string, len(s.assignments))
	for shard, archives := range s.assignments {
		out[shard] = append([]string(nil), archives...)
	}
	return out, nil
}

// Reassign appends archives to shardID's assignment, used when a worker
// claims orphaned archives from a dead peer (section 4.7).
func (s *StaticAssignmentSource) Reassign(shardID int, archives []string) error {
	if len(archives) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[shardID] = append(s.assignments[shardID], archives...)
	return nil
}

var _ AssignmentSource = (*StaticAssignmentSource)(nil)
