//go:build darwin

package memory

// NewDefaultRAMDetector returns the production RAMDetector for the host
// platform this process is actually running on.
func NewDefaultRAMDetector() RAMDetector {
	return SysctlRAMDetector{}
}
