package mlxcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotence(t *testing.T) {
	cases := []string{"llama-3", "mlx-community/foo", "someorg/somename"}
	for _, id := range cases {
		once := Normalize(id)
		twice := Normalize(once)
		require.Equal(t, once, twice)
	}
	require.Equal(t, "mlx-community/foo", Normalize("mlx-community/foo"))
	require.Equal(t, "mlx-community/llama-3", Normalize("llama-3"))
}

func TestResolveOrgNameLayout(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "mlx-community", "Llama-3-8B")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.safetensors"), []byte("x"), 0o644))

	r := NewResolver(root)
	resolved, err := r.Resolve("Llama-3-8B")
	require.NoError(t, err)
	require.Equal(t, dir, resolved)
}

func TestResolveSnapshotsLayout(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "huggingface", "hub", "models--mlx-community--Llama-3-8B")
	snap := filepath.Join(base, "snapshots", "abcdef")
	require.NoError(t, os.MkdirAll(snap, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snap, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(snap, "model.safetensors.index.json"), []byte(`{}`), 0o644))

	r := NewResolver(root)
	resolved, err := r.Resolve("mlx-community/Llama-3-8B")
	require.NoError(t, err)
	require.Equal(t, snap, resolved)
}

func TestResolveNotFound(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.Resolve("nonexistent/model")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsEmptyID(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.Resolve("   ")
	require.Error(t, err)
}

func TestContentDigestStableAcrossResolves(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "mlx-community", "Llama-3-8B")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model_type":"llama"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.safetensors"), []byte("x"), 0o644))

	d1, err := ContentDigest(dir)
	require.NoError(t, err)
	d2, err := ContentDigest(dir)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.NoError(t, d1.Validate())
}

func TestApplyEnvironment(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	require.NoError(t, r.ApplyEnvironment())
	require.Equal(t, root, os.Getenv("HF_HOME"))
	require.Equal(t, filepath.Join(root, "huggingface", "hub"), os.Getenv("HUGGINGFACE_HUB_CACHE"))
}
