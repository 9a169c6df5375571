package ahv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackOperations(t *testing.T) {
	ResetMetrics()

	vm, _ := mustVM(t, nil)

	handle, err := vm.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, vm.Map(handle, 0x20000, MemRead|MemWrite))
	require.NoError(t, vm.Protect(0x20000, vm.PageSize(), MemRead))
	require.NoError(t, vm.Unmap(0x20000, vm.PageSize()))
	require.NoError(t, vm.Deallocate(handle))

	c, err := vm.NewVCPU(nil)
	require.NoError(t, err)
	require.NoError(t, c.SetReg(RegX0, 1))
	_, err = c.GetReg(RegX0)
	require.NoError(t, err)
	_, err = c.Run()
	require.NoError(t, err)

	m := GetMetrics()
	assert.Equal(t, uint64(1), m.VMCreated)
	assert.Equal(t, uint64(1), m.Allocations)
	assert.Equal(t, uint64(1), m.Deallocations)
	assert.Equal(t, uint64(1), m.MapOperations)
	assert.Equal(t, uint64(1), m.UnmapOperations)
	assert.Equal(t, uint64(1), m.ProtectOperations)
	assert.Equal(t, uint64(1), m.VCPUCreated)
	assert.Equal(t, uint64(2), m.RegisterOps)
	assert.Equal(t, uint64(1), m.RunOperations)
}

func TestMetricsBusyRetries(t *testing.T) {
	ResetMetrics()

	vm, fac := mustVM(t, nil)

	fac.allocBusyLeft = 2
	_, err := vm.Allocate(100)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), GetMetrics().BusyRetries)
}

func TestMetricsReset(t *testing.T) {
	ResetMetrics()

	vm, _ := mustVM(t, nil)
	_, err := vm.Allocate(100)
	require.NoError(t, err)
	require.NotZero(t, GetMetrics().Allocations)

	ResetMetrics()

	m := GetMetrics()
	assert.Zero(t, m.Allocations)
	assert.Zero(t, m.VMCreated)
	assert.Zero(t, m.RunOperations)
}
