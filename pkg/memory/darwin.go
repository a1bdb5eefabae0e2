//go:build darwin

package memory

import "golang.org/x/sys/unix"

// SysctlRAMDetector reads physical RAM via the Darwin hw.memsize sysctl.
// This is macOS-only: the pack's general-purpose hardware-probing
// libraries (jaypipes/ghw, elastic/go-sysinfo) are Linux-focused and were
// deliberately not wired for this concern (see SPEC_FULL.md's DOMAIN
// STACK); golang.org/x/sys/unix exposes the raw Darwin sysctl this gateway
// actually runs on.
type SysctlRAMDetector struct{}

// PhysicalRAMBytes reads hw.memsize.
func (SysctlRAMDetector) PhysicalRAMBytes() (uint64, error) {
	v, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, err
	}
	return v, nil
}
