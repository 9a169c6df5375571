//go:build darwin && arm64

package ahv

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/marysaka/ahv/internal/bindings"
)

// hvFacility is the facility implementation backed by the real framework.
type hvFacility struct {
	max Tier

	// Set at vmCreate time. When true, guest memory comes from the
	// framework allocator instead of anonymous mmap.
	useVMAllocate bool
}

func newHVFacility() (facility, error) {
	if err := bindings.Load(); err != nil {
		return nil, errf(KindHardwareFault, "loading virtualization framework: %v", err)
	}

	// The OS version sets the ceiling; missing symbols lower it further.
	max := hostTier()
	if max >= TierVentura && !bindings.HasVMConfig() {
		max = TierMonterey
	}
	if max >= TierMonterey && (!bindings.HasAllocate() || !bindings.HasVTimerOffset()) {
		max = TierBigSur
	}

	return &hvFacility{max: max}, nil
}

func (f *hvFacility) pageSize() uint64 {
	return uint64(os.Getpagesize())
}

func (f *hvFacility) maxTier() Tier {
	return f.max
}

func (f *hvFacility) vmCreate(tier Tier, ipaBits uint32) Return {
	f.useVMAllocate = tier.Supports(TierMonterey)

	var config uintptr
	if ipaBits != 0 {
		config = bindings.VMConfigCreate()
		if ret := Return(bindings.VMConfigSetIPASize(config, ipaBits)); ret != HV_SUCCESS {
			return ret
		}
	}
	return Return(bindings.VMCreate(config))
}

func (f *hvFacility) vmDestroy() Return {
	return Return(bindings.VMDestroy())
}

func (f *hvFacility) memAllocate(size uint64) ([]byte, Return) {
	if f.useVMAllocate {
		uva, ret := bindings.VMAllocate(size)
		if Return(ret) != HV_SUCCESS {
			return nil, Return(ret)
		}
		return unsafe.Slice((*byte)(uva), size), HV_SUCCESS
	}

	region, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, HV_NO_RESOURCES
	}
	return region, HV_SUCCESS
}

func (f *hvFacility) memDeallocate(region []byte) Return {
	if f.useVMAllocate {
		return Return(bindings.VMDeallocate(unsafe.Pointer(&region[0]), uint64(len(region))))
	}
	if err := unix.Munmap(region); err != nil {
		return HV_ERROR
	}
	return HV_SUCCESS
}

func (f *hvFacility) vmMap(region []byte, guestAddr uint64, perm MemPerm) Return {
	return Return(bindings.VMMap(unsafe.Pointer(&region[0]), guestAddr, uint64(len(region)), uint64(perm)))
}

func (f *hvFacility) vmUnmap(guestAddr, size uint64) Return {
	return Return(bindings.VMUnmap(guestAddr, size))
}

func (f *hvFacility) vmProtect(guestAddr, size uint64, perm MemPerm) Return {
	return Return(bindings.VMProtect(guestAddr, size, uint64(perm)))
}

func (f *hvFacility) vcpuCreate() (vcpuHandle, *rawExit, Return) {
	handle, exit, ret := bindings.VcpuCreate(bindings.VcpuConfigCreate())
	if Return(ret) != HV_SUCCESS {
		return 0, nil, Return(ret)
	}
	return vcpuHandle(handle), (*rawExit)(unsafe.Pointer(exit)), HV_SUCCESS
}

func (f *hvFacility) vcpuDestroy(h vcpuHandle) Return {
	return Return(bindings.VcpuDestroy(uint64(h)))
}

func (f *hvFacility) regRead(h vcpuHandle, sel uint32) (uint64, Return) {
	value, ret := bindings.VcpuGetReg(uint64(h), sel)
	return value, Return(ret)
}

func (f *hvFacility) regWrite(h vcpuHandle, sel uint32, value uint64) Return {
	return Return(bindings.VcpuSetReg(uint64(h), sel, value))
}

func (f *hvFacility) sysRegRead(h vcpuHandle, sel uint16) (uint64, Return) {
	value, ret := bindings.VcpuGetSysReg(uint64(h), sel)
	return value, Return(ret)
}

func (f *hvFacility) sysRegWrite(h vcpuHandle, sel uint16, value uint64) Return {
	return Return(bindings.VcpuSetSysReg(uint64(h), sel, value))
}

func (f *hvFacility) setTrapDebugExceptions(h vcpuHandle, enable bool) Return {
	return Return(bindings.VcpuSetTrapDebugExceptions(uint64(h), enable))
}

func (f *hvFacility) setTrapDebugRegAccesses(h vcpuHandle, enable bool) Return {
	return Return(bindings.VcpuSetTrapDebugRegAccesses(uint64(h), enable))
}

func (f *hvFacility) setPendingInterrupt(h vcpuHandle, typ InterruptType, pending bool) Return {
	return Return(bindings.VcpuSetPendingInterrupt(uint64(h), uint32(typ), pending))
}

func (f *hvFacility) vtimerMask(h vcpuHandle) (bool, Return) {
	masked, ret := bindings.VcpuGetVTimerMask(uint64(h))
	return masked, Return(ret)
}

func (f *hvFacility) setVTimerMask(h vcpuHandle, masked bool) Return {
	return Return(bindings.VcpuSetVTimerMask(uint64(h), masked))
}

func (f *hvFacility) vtimerOffset(h vcpuHandle) (uint64, Return) {
	if !bindings.HasVTimerOffset() {
		return 0, HV_UNSUPPORTED
	}
	offset, ret := bindings.VcpuGetVTimerOffset(uint64(h))
	return offset, Return(ret)
}

func (f *hvFacility) setVTimerOffset(h vcpuHandle, offset uint64) Return {
	if !bindings.HasVTimerOffset() {
		return HV_UNSUPPORTED
	}
	return Return(bindings.VcpuSetVTimerOffset(uint64(h), offset))
}

func (f *hvFacility) run(h vcpuHandle) Return {
	return Return(bindings.VcpuRun(uint64(h)))
}

func (f *hvFacility) cancel(hs []vcpuHandle) Return {
	handles := make([]uint64, len(hs))
	for i, h := range hs {
		handles[i] = uint64(h)
	}
	return Return(bindings.VcpusExit(handles))
}
