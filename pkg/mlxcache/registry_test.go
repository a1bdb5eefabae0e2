package mlxcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, reg.Register("b/model", 200))
	require.NoError(t, reg.Register("a/model", 100))
	require.NoError(t, reg.Register("a/model", 999)) // no-op, already present

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, "a/model", list[0].ID)
	require.Equal(t, int64(100), list[0].DownloadedAt)
	require.Equal(t, "b/model", list[1].ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "a/model")
}

func TestRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	reg, err := NewRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Register("a/model", 1))

	reg2, err := NewRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg2.List(), 1)
	require.Equal(t, "a/model", reg2.List()[0].ID)
}

func TestRegistryRevalidatePrunesVanishedDirs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "mlx-community", "present")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.safetensors"), []byte("x"), 0o644))

	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg, err := NewRegistry(regPath)
	require.NoError(t, err)
	require.NoError(t, reg.Register("mlx-community/present", 1))
	require.NoError(t, reg.Register("mlx-community/vanished", 2))

	resolver := NewResolver(root)
	survivors, err := reg.Revalidate(resolver)
	require.NoError(t, err)
	require.Equal(t, []string{"mlx-community/present"}, survivors)
}
