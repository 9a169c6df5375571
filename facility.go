package ahv

// InterruptType selects which interrupt line to assert on a vCPU
// (hv_interrupt_type_t).
type InterruptType uint32

const (
	InterruptIRQ InterruptType = 0
	InterruptFIQ InterruptType = 1
)

// vcpuHandle is the framework's opaque vCPU instance id (hv_vcpu_t).
type vcpuHandle uint64

// facility is the privileged hardware virtualization control surface. The
// production implementation calls Hypervisor.framework through
// internal/bindings; tests substitute an in-memory fake so the registry,
// gating and teardown logic can be exercised without hardware or
// entitlements.
//
// Thread affinity: vcpuCreate, vcpuDestroy, register access, trap and timer
// configuration, and run must all be invoked on the OS thread that created
// the vCPU. VCPU funnels these calls through its owning thread; cancel is
// the single call that is valid from any thread.
type facility interface {
	pageSize() uint64
	maxTier() Tier

	vmCreate(tier Tier, ipaBits uint32) Return
	vmDestroy() Return

	memAllocate(size uint64) ([]byte, Return)
	memDeallocate(region []byte) Return

	vmMap(region []byte, guestAddr uint64, perm MemPerm) Return
	vmUnmap(guestAddr, size uint64) Return
	vmProtect(guestAddr, size uint64, perm MemPerm) Return

	vcpuCreate() (vcpuHandle, *rawExit, Return)
	vcpuDestroy(h vcpuHandle) Return

	regRead(h vcpuHandle, sel uint32) (uint64, Return)
	regWrite(h vcpuHandle, sel uint32, value uint64) Return
	sysRegRead(h vcpuHandle, sel uint16) (uint64, Return)
	sysRegWrite(h vcpuHandle, sel uint16, value uint64) Return

	setTrapDebugExceptions(h vcpuHandle, enable bool) Return
	setTrapDebugRegAccesses(h vcpuHandle, enable bool) Return
	setPendingInterrupt(h vcpuHandle, typ InterruptType, pending bool) Return

	vtimerMask(h vcpuHandle) (bool, Return)
	setVTimerMask(h vcpuHandle, masked bool) Return
	vtimerOffset(h vcpuHandle) (uint64, Return)
	setVTimerOffset(h vcpuHandle, offset uint64) Return

	run(h vcpuHandle) Return
	cancel(hs []vcpuHandle) Return
}
