package ahv

import (
	"sync/atomic"
	"time"
)

// Operation counters, updated atomically from the hot paths.
var (
	vmCreateCount    atomic.Uint64
	vmDestroyCount   atomic.Uint64
	vcpuCreateCount  atomic.Uint64
	vcpuDestroyCount atomic.Uint64
	allocCount       atomic.Uint64
	deallocCount     atomic.Uint64
	mapCount         atomic.Uint64
	unmapCount       atomic.Uint64
	protectCount     atomic.Uint64
	registerOpCount  atomic.Uint64
	runCount         atomic.Uint64
	cancelCount      atomic.Uint64
	busyRetryCount   atomic.Uint64
	facilityErrCount atomic.Uint64

	totalVMCreateTime atomic.Uint64 // nanoseconds
	totalRunTime      atomic.Uint64 // nanoseconds
)

// Metrics is a snapshot of the library's operation counters.
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	Allocations       uint64 `json:"allocations"`
	Deallocations     uint64 `json:"deallocations"`
	MapOperations     uint64 `json:"map_operations"`
	UnmapOperations   uint64 `json:"unmap_operations"`
	ProtectOperations uint64 `json:"protect_operations"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	Cancellations     uint64 `json:"cancellations"`
	BusyRetries       uint64 `json:"busy_retries"`
	FacilityErrors    uint64 `json:"facility_errors"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
}

// GetMetrics returns the current counters.
func GetMetrics() Metrics {
	vmCreated := vmCreateCount.Load()
	runOps := runCount.Load()

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = totalVMCreateTime.Load() / vmCreated
	}
	if runOps > 0 {
		avgRun = totalRunTime.Load() / runOps
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       vmDestroyCount.Load(),
		VCPUCreated:       vcpuCreateCount.Load(),
		VCPUDestroyed:     vcpuDestroyCount.Load(),
		Allocations:       allocCount.Load(),
		Deallocations:     deallocCount.Load(),
		MapOperations:     mapCount.Load(),
		UnmapOperations:   unmapCount.Load(),
		ProtectOperations: protectCount.Load(),
		RegisterOps:       registerOpCount.Load(),
		RunOperations:     runOps,
		Cancellations:     cancelCount.Load(),
		BusyRetries:       busyRetryCount.Load(),
		FacilityErrors:    facilityErrCount.Load(),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
	}
}

// ResetMetrics clears all counters.
func ResetMetrics() {
	vmCreateCount.Store(0)
	vmDestroyCount.Store(0)
	vcpuCreateCount.Store(0)
	vcpuDestroyCount.Store(0)
	allocCount.Store(0)
	deallocCount.Store(0)
	mapCount.Store(0)
	unmapCount.Store(0)
	protectCount.Store(0)
	registerOpCount.Store(0)
	runCount.Store(0)
	cancelCount.Store(0)
	busyRetryCount.Store(0)
	facilityErrCount.Store(0)
	totalVMCreateTime.Store(0)
	totalRunTime.Store(0)
}

func recordVMCreate(d time.Duration) {
	vmCreateCount.Add(1)
	totalVMCreateTime.Add(uint64(d.Nanoseconds()))
}

func recordVMDestroy()   { vmDestroyCount.Add(1) }
func recordVCPUCreate()  { vcpuCreateCount.Add(1) }
func recordVCPUDestroy() { vcpuDestroyCount.Add(1) }
func recordAlloc()       { allocCount.Add(1) }
func recordDealloc()     { deallocCount.Add(1) }
func recordMap()         { mapCount.Add(1) }
func recordUnmap()       { unmapCount.Add(1) }
func recordProtect()     { protectCount.Add(1) }
func recordRegisterOp()  { registerOpCount.Add(1) }
func recordCancel()      { cancelCount.Add(1) }
func recordBusyRetry()   { busyRetryCount.Add(1) }
func recordFacilityErr() { facilityErrCount.Add(1) }

func recordRun(d time.Duration) {
	runCount.Add(1)
	totalRunTime.Add(uint64(d.Nanoseconds()))
}
