package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/target"
)

type stubPeerSource struct {
	keys []string
}

func (s stubPeerSource) PeerFingerprints(ctx context.Context) ([]string, error) {
	return s.keys, nil
}

func TestCache_SeenLayers(t *testing.T) {
	remote := fingerprint.Fingerprint{Hash: "remote1", Size: 10}
	client := target.NewMemoryClient([]fingerprint.Fingerprint{remote})
	peers := stubPeerSource{keys: []string{"peer1:20"}}

	c := New(client, peers)
	c.Bootstrap(context.Background())

	if !c.Seen(remote) {
		t.Error("expected remote mirror fingerprint to be seen")
	}
	if !c.Seen(fingerprint.Fingerprint{Hash: "peer1", Size: 20}) {
		t.Error("expected peer fingerprint to be seen")
	}
	if c.Seen(fingerprint.Fingerprint{Hash: "unseen", Size: 1}) {
		t.Error("expected unknown fingerprint to be unseen")
	}
}

func TestCache_MarkUploadedAddsLocal(t *testing.T) {
	c := New(nil, nil)
	fp := fingerprint.Fingerprint{Hash: "local1", Size: 5}

	if c.Seen(fp) {
		t.Fatal("should not be seen before upload")
	}
	c.MarkUploaded(fp)
	if !c.Seen(fp) {
		t.Error("expected fingerprint to be seen immediately after MarkUploaded")
	}
}

func TestCache_MarkUploaded_TriggersRefreshAtCount(t *testing.T) {
	known := fingerprint.Fingerprint{Hash: "known", Size: 1}
	client := target.NewMemoryClient([]fingerprint.Fingerprint{known})

	c := New(client, nil, WithRefreshCount(1))
	c.MarkUploaded(fingerprint.Fingerprint{Hash: "trigger", Size: 2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Seen(known) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected background refresh to pick up remote mirror contents")
}

func TestCache_MaybeRefresh_OnDemandZeroNew(t *testing.T) {
	known := fingerprint.Fingerprint{Hash: "known2", Size: 3}
	client := target.NewMemoryClient([]fingerprint.Fingerprint{known})

	c := New(client, nil, WithRefreshInterval(time.Hour))
	if c.Seen(known) {
		t.Fatal("should not be seen before any refresh")
	}
	c.MaybeRefresh(context.Background(), true)
	if !c.Seen(known) {
		t.Error("expected on-demand refresh on zero-new batch to populate mirror")
	}
}
