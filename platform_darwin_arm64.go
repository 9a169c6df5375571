//go:build darwin && arm64

package ahv

import (
	"golang.org/x/sys/unix"
)

// Supported reports whether the hardware virtualization facility is
// available and accessible to this process.
func Supported() (bool, error) {
	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, err
	}
	return supported != 0, nil
}

// hostTier derives the highest capability tier the running OS offers.
func hostTier() Tier {
	version, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		return TierBigSur
	}
	return tierForProductVersion(version)
}

func newHardwareFacility() (facility, error) {
	ok, err := Supported()
	if err != nil {
		return nil, errf(KindUnauthorized, "probing virtualization support: %v", err)
	}
	if !ok {
		return nil, errf(KindUnsupportedFeature, "hardware virtualization is not available on this host")
	}
	return newHVFacility()
}
