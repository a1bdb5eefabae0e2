//go:build !darwin

package memory

import "runtime"

// FallbackRAMDetector is used on non-Darwin build/test hosts (CI, local
// development off-target); it does not attempt real hardware probing since
// this gateway's production target is exclusively Apple Silicon.
type FallbackRAMDetector struct{}

// PhysicalRAMBytes returns a conservative placeholder (8GiB) so code paths
// that depend on a tier resolve deterministically in tests run on
// non-Darwin hosts. It never returns an error; production always runs the
// darwin.go SysctlRAMDetector instead.
func (FallbackRAMDetector) PhysicalRAMBytes() (uint64, error) {
	_ = runtime.GOOS
	return 8 << 30, nil
}
