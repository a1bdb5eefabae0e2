package mlxcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedPathsOrdersDeterministically(t *testing.T) {
	files := []RepoFile{{Path: "c.safetensors"}, {Path: "a.safetensors"}, {Path: "b.safetensors"}}
	require.Equal(t, []string{"a.safetensors", "b.safetensors", "c.safetensors"}, sortedPaths(files))
}

func TestDownloadAllFetchesAllowlistedFiles(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/org/model/resolve/main/")
		order = append(order, name)
		_, _ = w.Write([]byte("blob-" + name))
	}))
	defer srv.Close()

	fetcher := NewFetcher(WithBaseURL(srv.URL))
	downloader := NewDownloader(fetcher)

	files := []RepoFile{
		{Type: "file", Path: "model-00002.safetensors", Size: 10},
		{Type: "directory", Path: "subdir"},
		{Type: "file", Path: "README.md", Size: 5},
		{Type: "file", Path: "model-00001.safetensors", Size: 10},
		{Type: "file", Path: "config.json", Size: 1},
	}
	destDir := t.TempDir()

	var progressed []int64
	err := downloader.DownloadAll(context.Background(), "org/model", "main", files, destDir, func(stage string, current, total int64) {
		require.Equal(t, "downloading", stage)
		progressed = append(progressed, current)
	})
	require.NoError(t, err)

	// Downloads are dispatched in path-sorted order but run concurrently,
	// so only the allowlisted set (not the arrival order) is guaranteed.
	require.ElementsMatch(t, sortedPaths([]RepoFile{
		{Path: "config.json"}, {Path: "model-00001.safetensors"}, {Path: "model-00002.safetensors"},
	}), order)
	require.NotEmpty(t, progressed)

	for _, name := range []string{"config.json", "model-00001.safetensors", "model-00002.safetensors"} {
		data, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		require.Equal(t, "blob-"+name, string(data))
	}
	_, err = os.Stat(filepath.Join(destDir, "README.md"))
	require.True(t, os.IsNotExist(err))
}

func TestDownloadAllRejectsRepoWithNoAllowlistedFiles(t *testing.T) {
	downloader := NewDownloader(NewFetcher())
	err := downloader.DownloadAll(context.Background(), "org/model", "main", []RepoFile{
		{Type: "file", Path: "README.md"},
	}, t.TempDir(), nil)
	require.Error(t, err)
}
