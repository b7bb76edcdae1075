package uploader

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/metadata"
	"github.com/zzenonn/ingestd/target"
)

func openString(s string) BodyOpener {
	return func(path string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func TestUploader_NewUpload(t *testing.T) {
	client := target.NewMemoryClient(nil)
	u := New(client, openString("hello"), Config{}, nil)

	rec := Record{
		Fingerprint: fingerprint.Fingerprint{Hash: "h1", Size: 5},
		Metadata:    metadata.Record{Title: "t"},
		Format:      "epub",
		Path:        "/books/a.epub",
	}

	result := u.Upload(context.Background(), rec)
	if result.Outcome != OutcomeNewUploaded {
		t.Fatalf("expected OutcomeNewUploaded, got %q (%s)", result.Outcome, result.Reason)
	}
}

func TestUploader_AlreadyPresentPreCheck(t *testing.T) {
	fp := fingerprint.Fingerprint{Hash: "h2", Size: 5}
	client := target.NewMemoryClient([]fingerprint.Fingerprint{fp})
	u := New(client, openString("hello"), Config{}, nil)

	rec := Record{Fingerprint: fp, Format: "epub", Path: "/books/a.epub"}
	result := u.Upload(context.Background(), rec)
	if result.Outcome != OutcomeAlreadyPresent {
		t.Fatalf("expected OutcomeAlreadyPresent, got %q", result.Outcome)
	}
	if len(client.Uploads) != 0 {
		t.Error("pre-check should short-circuit the actual upload call")
	}
}

func TestUploader_RetriesTransientThenSucceeds(t *testing.T) {
	fp := fingerprint.Fingerprint{Hash: "h3", Size: 5}
	client := target.NewMemoryClient(nil)
	client.FailuresBeforeSuccess[fp.String()] = 2

	u := New(client, openString("hello"), Config{BackoffBase: time.Millisecond}, nil)
	rec := Record{Fingerprint: fp, Format: "epub", Path: "/books/a.epub"}

	result := u.Upload(context.Background(), rec)
	if result.Outcome != OutcomeNewUploaded {
		t.Fatalf("expected eventual success, got %q (%s)", result.Outcome, result.Reason)
	}
	if len(client.Uploads) != 3 {
		t.Errorf("expected 3 upload attempts, got %d", len(client.Uploads))
	}
}

func TestUploader_SymlinkModeSkipsBodyOpener(t *testing.T) {
	client := target.NewMemoryClient(nil)
	u := New(client, nil, Config{}, nil)

	rec := Record{
		Fingerprint: fingerprint.Fingerprint{Hash: "h4", Size: 5},
		Format:      "epub",
		Path:        "/books/a.epub",
		UseSymlinks: true,
	}
	result := u.Upload(context.Background(), rec)
	if result.Outcome != OutcomeNewUploaded {
		t.Fatalf("expected OutcomeNewUploaded, got %q (%s)", result.Outcome, result.Reason)
	}
}

func TestUploader_ByteModeWithoutOpenerIsPermanentFailure(t *testing.T) {
	client := target.NewMemoryClient(nil)
	u := New(client, nil, Config{}, nil)

	rec := Record{Fingerprint: fingerprint.Fingerprint{Hash: "h5", Size: 5}, Format: "epub", Path: "/books/a.epub"}
	result := u.Upload(context.Background(), rec)
	if result.Outcome != OutcomePermanentFailure {
		t.Fatalf("expected OutcomePermanentFailure, got %q", result.Outcome)
	}
}
