package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_ParsesValidRecommendation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Recommendation{
			RootCause:   "repeated timeout on catalog query",
			FixType:     FixRestart,
			Confidence:  0.9,
			Description: "worker appears hung on a slow query",
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", nil)
	rec, err := client.Analyze(context.Background(), Diagnostics{WorkerID: 1, RootCause: "stuck"})
	require.NoError(t, err)
	require.Equal(t, FixRestart, rec.FixType)
	require.InDelta(t, 0.9, rec.Confidence, 0.0001)
}

func TestHTTPClient_UnparseableBodyDefaultsToRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", nil)
	rec, err := client.Analyze(context.Background(), Diagnostics{WorkerID: 1, RootCause: "stuck"})
	require.NoError(t, err)
	require.Equal(t, FixRestart, rec.FixType)
	require.Equal(t, 0.5, rec.Confidence)
}

func TestHTTPClient_UnrecognizedFixTypeDefaultsToRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Recommendation{FixType: "reformat_disk", Confidence: 0.99})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", nil)
	rec, err := client.Analyze(context.Background(), Diagnostics{WorkerID: 1, RootCause: "stuck"})
	require.NoError(t, err)
	require.Equal(t, FixRestart, rec.FixType)
	require.Equal(t, 0.5, rec.Confidence)
}

func TestCachingClient_ServesRepeatSignatureFromCache(t *testing.T) {
	var calls int64
	inner := clientFunc(func(ctx context.Context, diag Diagnostics) (Recommendation, error) {
		atomic.AddInt64(&calls, 1)
		return Recommendation{FixType: FixRestart, Confidence: 0.8}, nil
	})

	cached := NewCachingClient(inner, time.Minute)
	diag := Diagnostics{WorkerID: 3, RootCause: "timeout talking to catalog"}

	_, err := cached.Analyze(context.Background(), diag)
	require.NoError(t, err)
	_, err = cached.Analyze(context.Background(), diag)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestCachingClient_DifferentSignatureMisses(t *testing.T) {
	var calls int64
	inner := clientFunc(func(ctx context.Context, diag Diagnostics) (Recommendation, error) {
		atomic.AddInt64(&calls, 1)
		return Recommendation{FixType: FixRestart, Confidence: 0.8}, nil
	})

	cached := NewCachingClient(inner, time.Minute)
	_, err := cached.Analyze(context.Background(), Diagnostics{WorkerID: 3, RootCause: "timeout talking to catalog"})
	require.NoError(t, err)
	_, err = cached.Analyze(context.Background(), Diagnostics{WorkerID: 3, RootCause: "disk full"})
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

type clientFunc func(ctx context.Context, diag Diagnostics) (Recommendation, error)

func (f clientFunc) Analyze(ctx context.Context, diag Diagnostics) (Recommendation, error) {
	return f(ctx, diag)
}
