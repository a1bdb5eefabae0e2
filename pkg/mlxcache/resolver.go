// Package mlxcache implements the Cache Resolver (spec.md §4.1) and Model
// Registry (spec.md §4.2): translating a raw model identifier into an
// absolute weight directory, and persisting the set of known-downloaded
// model ids.
package mlxcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/afm/gateway/pkg/diskusage"
)

// DefaultOrganization is prepended to bare model names that don't already
// carry an "org/name" shape (spec.md §4.1 normalize).
const DefaultOrganization = "mlx-community"

// ErrNotFound is returned by Resolve when no candidate layout contains a
// complete weight directory for the given id.
var ErrNotFound = fmt.Errorf("mlxcache: model not found in cache")

// Resolver locates weight directories under a configured cache root.
type Resolver struct {
	root string
}

// NewResolver builds a Resolver rooted at root (typically
// MACAFM_MLX_MODEL_CACHE or a platform default under the user cache dir).
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the resolver's configured cache root.
func (r *Resolver) Root() string { return r.root }

// DiskUsage sums the size of every file under the resolver's cache root,
// backing the registry disk-usage figures reported alongside GET /props.
func (r *Resolver) DiskUsage() (int64, error) {
	return diskusage.Size(r.root)
}

// Normalize implements spec.md §4.1's normalize(id): ids that already
// contain "/" pass through unchanged; bare names get DefaultOrganization
// prepended. It is idempotent -- Normalize(Normalize(x)) == Normalize(x) --
// since a normalized id always contains "/" and is returned unchanged on a
// second pass (spec.md §8 property 1).
func Normalize(id string) string {
	if strings.Contains(id, "/") {
		return id
	}
	return DefaultOrganization + "/" + id
}

// splitOrgName splits a normalized "org/name" id. Callers must Normalize
// first.
func splitOrgName(normalized string) (org, name string) {
	parts := strings.SplitN(normalized, "/", 2)
	if len(parts) != 2 {
		return "", normalized
	}
	return parts[0], parts[1]
}

// candidateDirs returns, in priority order, every directory layout
// spec.md §4.1 lists for a normalized "org/name" id: the three layouts
// rooted under this resolver's own configured root, plus a fourth mirror
// location under the platform's per-user cache directory (spec.md §4.1:
// "mirror locations under the platform user cache") -- the same path the
// huggingface_hub client itself defaults to when MACAFM_MLX_MODEL_CACHE
// isn't set, so weights a user already downloaded outside this gateway
// are still found.
func (r *Resolver) candidateDirs(normalized string) []string {
	org, name := splitOrgName(normalized)
	hubDir := "models--" + org + "--" + name
	dirs := []string{
		filepath.Join(r.root, org, name),
		filepath.Join(r.root, "models", org, name),
		filepath.Join(r.root, "huggingface", "hub", hubDir),
	}
	if userCache, ok := platformUserCacheDir(); ok {
		dirs = append(dirs, filepath.Join(userCache, "huggingface", "hub", hubDir))
	}
	return dirs
}

// platformUserCacheDir returns the OS's per-user cache directory (e.g.
// ~/.cache on Linux, ~/Library/Caches on macOS), or false if it cannot be
// determined.
func platformUserCacheDir() (string, bool) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", false
	}
	return dir, true
}

// Resolve implements spec.md §4.1's resolve(id): search candidate layouts
// in order and return the first directory that contains both config.json
// and either a .safetensors file or a shard index. If a directory contains
// a snapshots/<hash>/ subtree, that subtree is returned instead of the
// parent.
func (r *Resolver) Resolve(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("mlxcache: empty model id")
	}
	normalized := Normalize(id)
	for _, dir := range r.candidateDirs(normalized) {
		if resolved, ok := resolveSnapshot(dir); ok {
			return resolved, nil
		}
	}
	return "", ErrNotFound
}

// resolveSnapshot checks dir itself, and any snapshots/<hash>/ subtree
// under it, for a complete weight directory.
func resolveSnapshot(dir string) (string, bool) {
	if isCompleteWeightDir(dir) {
		return dir, true
	}
	snapshotsDir := filepath.Join(dir, "snapshots")
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return "", false
	}
	// Prefer the most recently modified snapshot when more than one hash
	// directory exists (a repository re-pulled at a newer revision).
	sort.Slice(entries, func(i, j int) bool {
		infoI, errI := entries[i].Info()
		infoJ, errJ := entries[j].Info()
		if errI != nil || errJ != nil {
			return entries[i].Name() > entries[j].Name()
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(snapshotsDir, entry.Name())
		if isCompleteWeightDir(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// isCompleteWeightDir reports whether dir contains config.json and either a
// .safetensors file or a safetensors shard index
// (model.safetensors.index.json).
func isCompleteWeightDir(dir string) bool {
	if !fileExists(filepath.Join(dir, "config.json")) {
		return false
	}
	if fileExists(filepath.Join(dir, "model.safetensors.index.json")) {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".safetensors") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ContentDigest computes a content-addressing digest for a resolved weight
// directory, keyed off config.json -- the one file every complete weight
// directory is guaranteed to have (isCompleteWeightDir requires it). The
// gateway uses this as the content-addressed cache key spec.md §1
// describes ("loads quantized weight sets from a content-addressed
// cache"): EnsureLoaded records it on Container.Digest. Nothing reads it
// back: the already-loaded check compares model ids only, so a weight
// directory re-pulled with different bytes at the same path is not told
// apart from the previously loaded one.
func ContentDigest(resolvedDir string) (digest.Digest, error) {
	data, err := os.ReadFile(filepath.Join(resolvedDir, "config.json"))
	if err != nil {
		return "", fmt.Errorf("mlxcache: read config.json for digest: %w", err)
	}
	return digest.FromBytes(data), nil
}

// ApplyEnvironment exports HF_HOME and HUGGINGFACE_HUB_CACHE so the weight
// fetcher (the opaque blob-download transport per spec.md §1) honors this
// resolver's configured root (spec.md §4.1 apply_environment).
func (r *Resolver) ApplyEnvironment() error {
	if err := os.Setenv("HF_HOME", r.root); err != nil {
		return fmt.Errorf("mlxcache: set HF_HOME: %w", err)
	}
	if err := os.Setenv("HUGGINGFACE_HUB_CACHE", filepath.Join(r.root, "huggingface", "hub")); err != nil {
		return fmt.Errorf("mlxcache: set HUGGINGFACE_HUB_CACHE: %w", err)
	}
	return nil
}
