package mlxcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/moby/sys/atomicwriter"
)

// RegistryEntry is one persisted {id, downloaded_at} pair (spec.md §4.2).
type RegistryEntry struct {
	ID           string `json:"id"`
	DownloadedAt int64  `json:"downloaded_at"`
}

// Registry is a JSON file listing known-downloaded model ids, written
// atomically via a temporary file and rename (spec.md §4.2, §5: "File-system
// operations on the model registry use write-to-temp + atomic rename").
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[string]RegistryEntry
}

// NewRegistry loads (or initializes) the registry at path, typically
// "~/.afm/mlx-model-registry.json" (spec.md §6).
func NewRegistry(path string) (*Registry, error) {
	reg := &Registry{path: path, entries: map[string]RegistryEntry{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("mlxcache: read registry: %w", err)
	}
	var list []RegistryEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("mlxcache: decode registry: %w", err)
	}
	for _, e := range list {
		reg.entries[e.ID] = e
	}
	return reg, nil
}

// Register adds id to the registry with the given downloaded-at timestamp,
// a no-op if the id is already present (spec.md §4.2).
func (r *Registry) Register(id string, downloadedAtUnix int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return nil
	}
	r.entries[id] = RegistryEntry{ID: id, DownloadedAt: downloadedAtUnix}
	return r.persistLocked()
}

// List returns the sorted-by-id union of all known local models (spec.md
// §4.2 invariant).
func (r *Registry) List() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// FileSize returns the on-disk size of the registry's persisted JSON file,
// 0 if it has not been written yet.
func (r *Registry) FileSize() (int64, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("mlxcache: stat registry: %w", err)
	}
	return info.Size(), nil
}

// Revalidate prunes entries whose directories no longer resolve to a
// complete weight directory via resolver, persists the result, and returns
// the surviving id list (spec.md §4.2 revalidate).
func (r *Registry) Revalidate(resolver *Resolver) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	survivors := make(map[string]RegistryEntry, len(r.entries))
	for id, entry := range r.entries {
		if _, err := resolver.Resolve(id); err == nil {
			survivors[id] = entry
		}
	}
	r.entries = survivors

	if err := r.persistLocked(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(survivors))
	for _, e := range r.sortedLocked() {
		out = append(out, e.ID)
	}
	return out, nil
}

func (r *Registry) sortedLocked() []RegistryEntry {
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mlxcache: create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(r.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("mlxcache: encode registry: %w", err)
	}
	if err := atomicwriter.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("mlxcache: write registry: %w", err)
	}
	return nil
}
