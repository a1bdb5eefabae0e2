package mlxcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetcherListFilesAppliesAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "afm-gateway", r.Header.Get("User-Agent"))
		_ = json.NewEncoder(w).Encode([]RepoFile{
			{Type: "file", Path: "model.safetensors"},
			{Type: "file", Path: "README.md"},
			{Type: "file", Path: "config.json"},
		})
	}))
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL))
	files, err := f.ListFiles(context.Background(), "org/model", "")
	require.NoError(t, err)

	var paths []string
	for _, rf := range files {
		paths = append(paths, rf.Path)
	}
	require.ElementsMatch(t, []string{"model.safetensors", "config.json"}, paths)
}

func TestFetcherListFilesRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode([]RepoFile{{Type: "file", Path: "config.json"}})
	}))
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL))
	f.sleep = func(context.Context, time.Duration) error { return nil }

	files, err := f.ListFiles(context.Background(), "org/model", "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetcherListFilesGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL))
	f.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := f.ListFiles(context.Background(), "org/model", "")
	require.Error(t, err)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
}

func TestFetcherDownloadFileClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(WithBaseURL(srv.URL))
	_, _, err := f.DownloadFile(context.Background(), "org/model", "", "missing.safetensors")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}
