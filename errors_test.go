package ahv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnString(t *testing.T) {
	assert.Equal(t, "HV_SUCCESS", HV_SUCCESS.String())
	assert.Equal(t, "HV_BUSY", HV_BUSY.String())
	assert.Equal(t, "HV_BAD_ARGUMENT", HV_BAD_ARGUMENT.String())
	assert.Equal(t, "HV_DENIED", HV_DENIED.String())
	assert.Contains(t, Return(0x12345678).String(), "0x12345678")
}

func TestKindForReturn(t *testing.T) {
	tests := []struct {
		code Return
		want ErrorKind
	}{
		{HV_BAD_ARGUMENT, KindInvalidArgument},
		{HV_NO_RESOURCES, KindResourceExhausted},
		{HV_DENIED, KindUnauthorized},
		{HV_UNSUPPORTED, KindUnsupportedFeature},
		{HV_BUSY, KindBusy},
		{HV_ERROR, KindHardwareFault},
		{HV_ILLEGAL_GUEST_STATE, KindHardwareFault},
		{HV_NO_DEVICE, KindHardwareFault},
		{Return(0xDEAD0001), KindHardwareFault},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, kindForReturn(tt.code))
		})
	}
}

func TestHvErrPreservesRawCode(t *testing.T) {
	err := hvErr(HV_DENIED)
	require.ErrorIs(t, err, ErrUnauthorized)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, HV_DENIED, e.Code)
	assert.Contains(t, e.Error(), "HV_DENIED")
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := errf(KindInvalidArgument, "bad guest address 0x%x", 0x123)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NotErrorIs(t, err, ErrBusy)
	assert.NotErrorIs(t, err, ErrAlreadyDestroyed)

	wrapped := fmt.Errorf("mapping guest code: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidArgument)
}

func TestWithBusyRetry(t *testing.T) {
	t.Run("immediate success", func(t *testing.T) {
		calls := 0
		ret := withBusyRetry(func() Return {
			calls++
			return HV_SUCCESS
		})
		assert.Equal(t, HV_SUCCESS, ret)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers within budget", func(t *testing.T) {
		calls := 0
		ret := withBusyRetry(func() Return {
			calls++
			if calls < busyRetryLimit {
				return HV_BUSY
			}
			return HV_SUCCESS
		})
		assert.Equal(t, HV_SUCCESS, ret)
		assert.Equal(t, busyRetryLimit, calls)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		ret := withBusyRetry(func() Return {
			calls++
			return HV_BUSY
		})
		assert.Equal(t, HV_BUSY, ret)
		assert.Equal(t, busyRetryLimit, calls)
	})

	t.Run("non-busy failure is not retried", func(t *testing.T) {
		calls := 0
		ret := withBusyRetry(func() Return {
			calls++
			return HV_BAD_ARGUMENT
		})
		assert.Equal(t, HV_BAD_ARGUMENT, ret)
		assert.Equal(t, 1, calls)
	})
}
