package ahv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierSupports(t *testing.T) {
	assert.True(t, TierVentura.Supports(TierBigSur))
	assert.True(t, TierVentura.Supports(TierMonterey))
	assert.True(t, TierMonterey.Supports(TierMonterey))
	assert.False(t, TierBigSur.Supports(TierMonterey))
	assert.False(t, TierMonterey.Supports(TierVentura))
}

func TestTierForProductVersion(t *testing.T) {
	tests := []struct {
		version string
		want    Tier
	}{
		{"11.0", TierBigSur},
		{"11.7.10", TierBigSur},
		{"12.0", TierBigSur},
		{"12.0.1", TierBigSur},
		{"12.1", TierMonterey},
		{"12.6.3", TierMonterey},
		{"13.0", TierVentura},
		{"13.5", TierVentura},
		{"14.1", TierVentura},
		{"15.0", TierVentura},
		{"", TierBigSur},
		{"garbage", TierBigSur},
		{"12", TierBigSur},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, tierForProductVersion(tt.version))
		})
	}
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "macOS 11.0 baseline", TierBigSur.String())
	assert.Equal(t, "macOS 12.1", TierMonterey.String())
	assert.Equal(t, "macOS 13.0", TierVentura.String())
	assert.Contains(t, Tier(99).String(), "99")
}
