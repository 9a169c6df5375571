//go:build !darwin || !arm64

package ahv

// Supported reports false everywhere but Apple Silicon macOS.
func Supported() (bool, error) {
	return false, nil
}

func hostTier() Tier {
	return TierBigSur
}

func newHardwareFacility() (facility, error) {
	return nil, errf(KindUnsupportedFeature, "hardware virtualization requires darwin/arm64")
}
