// Package foundationengine provides the process's concrete
// foundation.BackendFactory. Apple's on-device Foundation Models session
// is only constructible on real hardware running a recent OS; this
// default factory reports it as unavailable elsewhere, mirroring
// pkg/mlxengine's stub for the MLX runtime.
package foundationengine

import (
	"fmt"

	"github.com/afm/gateway/pkg/foundation"
)

// ErrNotAvailable is returned by the default factory wherever the
// on-device foundation framework cannot be constructed (spec.md §7).
var ErrNotAvailable = fmt.Errorf("foundationengine: on-device foundation model framework is not available on this build")

// DefaultFactory is the foundation.BackendFactory wired in by
// cmd/afm-server. A real deployment replaces this with a factory backed by
// Apple's actual on-device session.
func DefaultFactory(adapterPath string) (foundation.Backend, error) {
	return nil, ErrNotAvailable
}
