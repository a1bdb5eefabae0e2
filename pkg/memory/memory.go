// Package memory implements the Apple-Silicon GPU memory tiering spec.md
// §5 describes: tiered cache limits keyed off physical RAM and a wired-
// working-set cap, configured once per process and gated behind a flag so
// a second model load never reconfigures the GPU out from under an
// in-flight generation.
package memory

import (
	"fmt"
	"sync"
)

// Tier is one entry in the cache-size ladder spec.md §5 lists: "tiered:
// 128/256/512/1024 MiB cache".
type Tier struct {
	MinPhysicalRAMBytes uint64
	CacheLimitBytes     uint64
}

// Tiers is the ladder from the largest RAM threshold down to the smallest,
// so the first tier TierFor matches is the most specific one.
var Tiers = []Tier{
	{MinPhysicalRAMBytes: 64 << 30, CacheLimitBytes: 1024 << 20},
	{MinPhysicalRAMBytes: 32 << 30, CacheLimitBytes: 512 << 20},
	{MinPhysicalRAMBytes: 16 << 30, CacheLimitBytes: 256 << 20},
	{MinPhysicalRAMBytes: 0, CacheLimitBytes: 128 << 20},
}

// WiredWorkingSetFraction is the 90% cap spec.md §5 specifies: "wired-
// working-set cap at 90% of the OS-reported recommendation".
const WiredWorkingSetFraction = 0.90

// TierFor returns the cache-limit tier matching physicalRAMBytes, picking
// the most specific (largest MinPhysicalRAMBytes) tier the value qualifies
// for.
func TierFor(physicalRAMBytes uint64) Tier {
	for _, t := range Tiers {
		if physicalRAMBytes >= t.MinPhysicalRAMBytes {
			return t
		}
	}
	return Tiers[len(Tiers)-1]
}

// Limits is the resolved GPU memory configuration for this process.
type Limits struct {
	PhysicalRAMBytes       uint64
	CacheLimitBytes        uint64
	WiredWorkingSetMaxBytes uint64
}

// RAMDetector reports the host's physical RAM in bytes. Implementations
// live in platform-specific files (darwin.go uses golang.org/x/sys/unix
// sysctl; other.go is a portable fallback for non-Darwin build/test hosts).
type RAMDetector interface {
	PhysicalRAMBytes() (uint64, error)
}

// Configurator resolves GPU memory limits exactly once per process,
// matching spec.md §4.3.1 step 4's "configure GPU memory limits once per
// process based on detected physical RAM" and the gpu_configured flag in
// the MLX service's state (spec.md §4.3). It computes and records the
// limits; nothing in this package passes them to a GPU runtime.
type Configurator struct {
	detector RAMDetector

	mu         sync.Mutex
	configured bool
	lastLimits Limits
}

// NewConfigurator builds a Configurator backed by detector.
func NewConfigurator(detector RAMDetector) *Configurator {
	return &Configurator{detector: detector}
}

// EnsureConfigured computes GPU memory limits on the first call only;
// subsequent calls are no-ops that return the limits computed the first
// time. It returns whether this call performed the (idempotent) first-time
// configuration, and the resolved limits.
func (c *Configurator) EnsureConfigured() (configuredNow bool, limits Limits, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.configured {
		return false, c.lastLimits, nil
	}

	ramBytes, err := c.detector.PhysicalRAMBytes()
	if err != nil {
		return false, Limits{}, fmt.Errorf("memory: detect physical RAM: %w", err)
	}

	tier := TierFor(ramBytes)
	limits = Limits{
		PhysicalRAMBytes:        ramBytes,
		CacheLimitBytes:         tier.CacheLimitBytes,
		WiredWorkingSetMaxBytes: uint64(float64(ramBytes) * WiredWorkingSetFraction),
	}

	c.lastLimits = limits
	c.configured = true
	return true, limits, nil
}

// Configured reports whether EnsureConfigured has already run.
func (c *Configurator) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}
