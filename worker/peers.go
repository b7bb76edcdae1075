package worker

import (
	"context"
	"fmt"

	"github.com/zzenonn/ingestd/progress"
)

// PeerProgressStore is the subset of progress.Store a peer-fingerprint scan
// needs; both *progress.FileStore and *progress.S3Store satisfy it.
type PeerProgressStore interface {
	Load(ctx context.Context, shardID int) (progress.WorkerProgress, error)
	AllShards(ctx context.Context) ([]int, error)
}

// FileStorePeerSource implements dedup.PeerSource over any PeerProgressStore
// (progress.FileStore or progress.S3Store), reading every other shard's
// committed completed_files, per section 4.3 layer 2 ("peer progress: union
// of peer workers' completed_files").
type FileStorePeerSource struct {
	Store  PeerProgressStore
	SelfID int
}

// PeerFingerprints implements dedup.PeerSource.
func (p FileStorePeerSource) PeerFingerprints(ctx context.Context) ([]string, error) {
	shards, err := p.Store.AllShards(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: list peer shards: %w", err)
	}

	var keys []string
	for _, shardID := range shards {
		if shardID == p.SelfID {
			continue
		}
		peerProgress, err := p.Store.Load(ctx, shardID)
		if err != nil {
			continue // section 4.3: refresh failures are non-fatal
		}
		for fp := range peerProgress.CompletedFiles {
			keys = append(keys, fp)
		}
	}
	return keys, nil
}
