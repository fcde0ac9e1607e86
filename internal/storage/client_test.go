package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/errs"
)

func testStorageCfg(publisher, aggregator string, fallbacks ...string) config.Storage {
	return config.Storage{
		PublisherURL:        publisher,
		AggregatorURL:       aggregator,
		FallbackAggregators: fallbacks,
		UploadTimeout:       2 * time.Second,
		DownloadTimeout:     2 * time.Second,
		HealthTimeout:       time.Second,
		HealthInterval:      10 * time.Millisecond,
		MaxRetries:          1,
		InitialBackoff:      time.Millisecond,
		BackoffMultiplier:   1.5,
		DefaultEpochs:       5,
	}
}

func blobServer(t *testing.T, blobs map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/blobs/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/blobs/"):]
		data, ok := blobs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func failingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Upload_OK(t *testing.T) {
	t.Parallel()

	var gotEpochs string
	pub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotEpochs = r.URL.Query().Get("epochs")
		_ = json.NewEncoder(w).Encode(map[string]string{"blobId": "blob-1"})
	}))
	defer pub.Close()

	c, err := NewClient(testStorageCfg(pub.URL, pub.URL), nil, zap.NewNop())
	require.NoError(t, err)

	ref, err := c.Upload(context.Background(), []byte("0123456789"), 3)
	require.NoError(t, err)
	require.Equal(t, "blob-1", ref.BlobID)
	require.Equal(t, int64(10), ref.Size)
	require.Equal(t, ContentHash([]byte("0123456789")), ref.ContentHash)
	require.Equal(t, "3", gotEpochs)
}

func TestClient_Upload_RetriesThenUnavailable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	pub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer pub.Close()

	c, err := NewClient(testStorageCfg(pub.URL, pub.URL), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), []byte("x"), 0)
	require.ErrorIs(t, err, errs.ErrStorageUnavailable)
	// initial attempt + MaxRetries
	require.Equal(t, int32(2), hits.Load())

	rec, ok := c.Health().Get(pub.URL)
	require.True(t, ok)
	require.False(t, rec.Healthy)
	require.GreaterOrEqual(t, rec.ConsecutiveErrors, 2)
}

func TestClient_Upload_EmptyPayloadRejected(t *testing.T) {
	t.Parallel()
	c, err := NewClient(testStorageCfg("http://pub.invalid", "http://agg.invalid"), nil, zap.NewNop())
	require.NoError(t, err)
	_, err = c.Upload(context.Background(), nil, 1)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestClient_Download_FallbackShortCircuits(t *testing.T) {
	t.Parallel()

	primary := failingServer(t, http.StatusInternalServerError)
	fallback := blobServer(t, map[string][]byte{"blob-9": []byte("payload")})

	c, err := NewClient(testStorageCfg(primary.URL, primary.URL, fallback.URL), nil, zap.NewNop())
	require.NoError(t, err)

	data, err := c.Download(context.Background(), "blob-9")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	rec, ok := c.Health().Get(primary.URL)
	require.True(t, ok)
	require.False(t, rec.Healthy)

	rec, ok = c.Health().Get(fallback.URL)
	require.True(t, ok)
	require.True(t, rec.Healthy)
}

func TestClient_Download_AllExhausted(t *testing.T) {
	t.Parallel()

	primary := failingServer(t, http.StatusInternalServerError)
	fb1 := failingServer(t, http.StatusBadGateway)

	c, err := NewClient(testStorageCfg(primary.URL, primary.URL, fb1.URL), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Download(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrBlobNotFound)
}

func TestClient_Download_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer agg.Close()

	c, err := NewClient(testStorageCfg(agg.URL, agg.URL), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Download(context.Background(), "nope")
	require.ErrorIs(t, err, errs.ErrBlobNotFound)
	require.Equal(t, int32(1), hits.Load())

	// A reachable endpoint that lacks the blob stays healthy.
	rec, ok := c.Health().Get(agg.URL)
	require.True(t, ok)
	require.True(t, rec.Healthy)
}

func TestClient_DownloadVerified_HashMismatch(t *testing.T) {
	t.Parallel()

	agg := blobServer(t, map[string][]byte{"blob-1": []byte("tampered")})
	c, err := NewClient(testStorageCfg(agg.URL, agg.URL), nil, zap.NewNop())
	require.NoError(t, err)

	ref, err := c.Upload(context.Background(), []byte("original"), 1)
	require.Error(t, err) // no publisher route on the blob server

	ref.BlobID = "blob-1"
	ref.ContentHash = ContentHash([]byte("original"))
	_, err = c.DownloadVerified(context.Background(), ref)
	require.ErrorIs(t, err, errs.ErrBlobNotFound)
}

func TestClient_Cancellation(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away;
		// blocking before the read would hang Close at test end.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slow.Close()

	c, err := NewClient(testStorageCfg(slow.URL, slow.URL), nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = c.Upload(ctx, []byte("x"), 1)
	require.ErrorIs(t, err, errs.ErrCancelled)
}

func TestTracker_RankedPrefersHealthyByLatency(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.ReportSuccess("b", 50*time.Millisecond)
	tr.ReportSuccess("c", 10*time.Millisecond)
	tr.ReportFailure("a")

	ranked := tr.Ranked([]string{"a", "b", "c", "d"})
	require.Equal(t, []string{"c", "b", "d", "a"}, ranked)
}

func TestClient_Probing(t *testing.T) {
	t.Parallel()

	up := blobServer(t, nil)
	down := failingServer(t, http.StatusInternalServerError)

	c, err := NewClient(testStorageCfg(up.URL, up.URL, down.URL), nil, zap.NewNop())
	require.NoError(t, err)

	c.StartProbing(context.Background())
	defer c.StopProbing()

	require.Eventually(t, func() bool {
		upRec, ok1 := c.Health().Get(up.URL)
		downRec, ok2 := c.Health().Get(down.URL)
		return ok1 && ok2 && upRec.Healthy && !downRec.Healthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdvisor_WidensAfterRepeatedTimeouts(t *testing.T) {
	t.Parallel()

	a := NewAdvisor(zap.NewNop())
	ev := ConnectivityEvent{Endpoint: "http://x", Kind: FailureTimeout, Err: context.DeadlineExceeded}

	require.False(t, a.Report(ev).WidenTimeouts)
	require.False(t, a.Report(ev).WidenTimeouts)
	require.True(t, a.Report(ev).WidenTimeouts)

	// A non-timeout failure resets the run.
	require.False(t, a.Report(ConnectivityEvent{Kind: FailureConnection}).WidenTimeouts)
	require.False(t, a.Report(ev).WidenTimeouts)

	adv := a.Report(ConnectivityEvent{Kind: FailureCrossOrigin})
	require.True(t, adv.RecommendProxy)
}
