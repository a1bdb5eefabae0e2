// Package mlxengine provides the process's concrete mlxmodel.EngineFactory.
// The actual MLX tensor runtime only exists on Apple Silicon; this default
// factory reports it as unavailable everywhere else, mirroring the
// teacher's build-tag-gated backend stubs for an optional runtime that
// isn't linked into the current build.
package mlxengine

import (
	"fmt"

	"github.com/afm/gateway/pkg/mlxmodel"
)

// ErrRuntimeNotAvailable is returned by the default factory on any
// platform without a linked MLX runtime (spec.md §7: "Not available --
// the on-device foundation framework is absent, or the host OS is too
// old").
var ErrRuntimeNotAvailable = fmt.Errorf("mlxengine: MLX runtime is not available on this build")

// DefaultFactory is the mlxmodel.EngineFactory wired in by cmd/afm-server.
// A real deployment on Apple Silicon replaces this with a factory backed
// by the actual MLX runtime; this repository only owns the orchestration
// layer around that Engine boundary (spec.md §1).
func DefaultFactory(weightDir string, cfg mlxmodel.ModelConfig) (mlxmodel.Engine, error) {
	return nil, ErrRuntimeNotAvailable
}
