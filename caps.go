package ahv

import (
	"strconv"
	"strings"
)

// Tier identifies the Hypervisor.framework capability set available to a
// VM. Tiers form a strict ladder: each one includes everything below it and
// maps to a minimum host macOS version. The tier is fixed at VM construction
// and every gated register or operation is checked against it, so a VM
// configured for an older host never invokes framework features that host
// does not have.
type Tier int

const (
	// TierBigSur is the baseline feature set (macOS 11.0): VM and vCPU
	// lifecycle, memory map/unmap/protect, general purpose and core system
	// registers, run, cancellation and debug-exception trapping.
	TierBigSur Tier = iota

	// TierMonterey (macOS 12.1) adds hv_vm_allocate backed guest memory
	// and virtual timer mask/offset control including the CNTV registers.
	TierMonterey

	// TierVentura (macOS 13.0) adds the VM configuration object with an
	// explicit intermediate physical address bit length.
	TierVentura
)

func (t Tier) String() string {
	switch t {
	case TierBigSur:
		return "macOS 11.0 baseline"
	case TierMonterey:
		return "macOS 12.1"
	case TierVentura:
		return "macOS 13.0"
	default:
		return "unknown tier " + strconv.Itoa(int(t))
	}
}

// Supports reports whether t includes the capabilities of min.
func (t Tier) Supports(min Tier) bool {
	return t >= min
}

// HostTier returns the highest tier the running host supports. On
// non-Darwin platforms it returns TierBigSur; VM creation fails there
// regardless.
func HostTier() Tier {
	return hostTier()
}

// tierForProductVersion maps a macOS product version string such as
// "14.6.1" to the highest usable tier.
func tierForProductVersion(version string) Tier {
	parts := strings.SplitN(version, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return TierBigSur
	}
	minor := 0
	if len(parts) > 1 {
		if m, err := strconv.Atoi(parts[1]); err == nil {
			minor = m
		}
	}

	switch {
	case major >= 13:
		return TierVentura
	case major == 12 && minor >= 1:
		return TierMonterey
	default:
		return TierBigSur
	}
}
