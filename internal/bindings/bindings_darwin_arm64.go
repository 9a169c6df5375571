//go:build darwin && arm64

// Package bindings loads the Hypervisor framework at runtime and exposes
// its C entry points to the rest of the module. Nothing here validates
// arguments or serializes callers; that is the caller's job.
package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const frameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

// Success is the framework's zero return code.
const Success uint32 = 0

// AllocateDefault is the flag word for hv_vm_allocate.
const AllocateDefault uint64 = 0

// VcpuExitException is the layout of hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
}

// VcpuExit is the layout of hv_vcpu_exit_t. The framework writes into
// this struct in place before hv_vcpu_run returns.
type VcpuExit struct {
	Reason    uint32
	_         uint32
	Exception VcpuExitException
}

var (
	loadOnce sync.Once
	loadErr  error

	lib uintptr

	vmCreate     func(config uintptr) uint32
	vmDestroy    func() uint32
	vmMap        func(uva unsafe.Pointer, ipa uint64, size uint64, flags uint64) uint32
	vmUnmap      func(ipa uint64, size uint64) uint32
	vmProtect    func(ipa uint64, size uint64, flags uint64) uint32
	vcpuCreate   func(vcpu *uint64, exit **VcpuExit, config uintptr) uint32
	vcpuDestroy  func(vcpu uint64) uint32
	vcpuRun      func(vcpu uint64) uint32
	vcpusExit    func(vcpus *uint64, count uint32) uint32
	vcpuGetReg   func(vcpu uint64, reg uint32, value *uint64) uint32
	vcpuSetReg   func(vcpu uint64, reg uint32, value uint64) uint32
	vcpuGetSys   func(vcpu uint64, reg uint32, value *uint64) uint32
	vcpuSetSys   func(vcpu uint64, reg uint32, value uint64) uint32
	vcpuTrapExc  func(vcpu uint64, enable bool) uint32
	vcpuTrapDbg  func(vcpu uint64, enable bool) uint32
	vcpuPendIrq  func(vcpu uint64, typ uint32, pending bool) uint32
	vcpuGetVMask func(vcpu uint64, masked *bool) uint32
	vcpuSetVMask func(vcpu uint64, masked bool) uint32

	vcpuCfgCreate func() uintptr

	// Present on macOS 12.1 and later.
	vmAllocate    func(uva *unsafe.Pointer, size uint64, flags uint64) uint32
	vmDeallocate  func(uva unsafe.Pointer, size uint64) uint32
	vcpuGetVTOff  func(vcpu uint64, offset *uint64) uint32
	vcpuSetVTOff  func(vcpu uint64, offset uint64) uint32

	// Present on macOS 13.0 and later.
	vmCfgCreate     func() uintptr
	vmCfgSetIPABits func(config uintptr, bits uint32) uint32
	vmCfgDefaultIPA func(bits *uint32) uint32
)

// Load resolves the framework and its symbols. Safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		var err error
		lib, err = purego.Dlopen(frameworkPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			loadErr = fmt.Errorf("bindings: dlopen Hypervisor.framework: %w", err)
			return
		}

		register := func(sym any, name string) {
			purego.RegisterLibFunc(sym, lib, name)
		}
		// Symbols that only exist on newer OS releases must not panic the
		// load on older ones.
		registerOptional := func(sym any, name string) bool {
			if _, err := purego.Dlsym(lib, name); err != nil {
				return false
			}
			purego.RegisterLibFunc(sym, lib, name)
			return true
		}

		register(&vmCreate, "hv_vm_create")
		register(&vmDestroy, "hv_vm_destroy")
		register(&vmMap, "hv_vm_map")
		register(&vmUnmap, "hv_vm_unmap")
		register(&vmProtect, "hv_vm_protect")
		register(&vcpuCreate, "hv_vcpu_create")
		register(&vcpuDestroy, "hv_vcpu_destroy")
		register(&vcpuRun, "hv_vcpu_run")
		register(&vcpusExit, "hv_vcpus_exit")
		register(&vcpuGetReg, "hv_vcpu_get_reg")
		register(&vcpuSetReg, "hv_vcpu_set_reg")
		register(&vcpuGetSys, "hv_vcpu_get_sys_reg")
		register(&vcpuSetSys, "hv_vcpu_set_sys_reg")
		register(&vcpuTrapExc, "hv_vcpu_set_trap_debug_exceptions")
		register(&vcpuTrapDbg, "hv_vcpu_set_trap_debug_reg_accesses")
		register(&vcpuPendIrq, "hv_vcpu_set_pending_interrupt")
		register(&vcpuGetVMask, "hv_vcpu_get_vtimer_mask")
		register(&vcpuSetVMask, "hv_vcpu_set_vtimer_mask")
		register(&vcpuCfgCreate, "hv_vcpu_config_create")

		hasAllocate = registerOptional(&vmAllocate, "hv_vm_allocate") &&
			registerOptional(&vmDeallocate, "hv_vm_deallocate")
		hasVTimerOffset = registerOptional(&vcpuGetVTOff, "hv_vcpu_get_vtimer_offset") &&
			registerOptional(&vcpuSetVTOff, "hv_vcpu_set_vtimer_offset")
		hasVMConfig = registerOptional(&vmCfgCreate, "hv_vm_config_create") &&
			registerOptional(&vmCfgSetIPABits, "hv_vm_config_set_ipa_size") &&
			registerOptional(&vmCfgDefaultIPA, "hv_vm_config_get_default_ipa_size")
	})
	return loadErr
}

var (
	hasAllocate     bool
	hasVTimerOffset bool
	hasVMConfig     bool
)

// HasAllocate reports whether hv_vm_allocate/hv_vm_deallocate resolved.
func HasAllocate() bool { return hasAllocate }

// HasVTimerOffset reports whether the vtimer offset accessors resolved.
func HasVTimerOffset() bool { return hasVTimerOffset }

// HasVMConfig reports whether the VM configuration object API resolved.
func HasVMConfig() bool { return hasVMConfig }

func VMCreate(config uintptr) uint32 { return vmCreate(config) }
func VMDestroy() uint32              { return vmDestroy() }

func VMMap(uva unsafe.Pointer, ipa, size, flags uint64) uint32 {
	return vmMap(uva, ipa, size, flags)
}

func VMUnmap(ipa, size uint64) uint32 { return vmUnmap(ipa, size) }

func VMProtect(ipa, size, flags uint64) uint32 { return vmProtect(ipa, size, flags) }

// VMAllocate asks the framework for page-aligned guest-mappable memory.
func VMAllocate(size uint64) (unsafe.Pointer, uint32) {
	var uva unsafe.Pointer
	ret := vmAllocate(&uva, size, AllocateDefault)
	return uva, ret
}

func VMDeallocate(uva unsafe.Pointer, size uint64) uint32 {
	return vmDeallocate(uva, size)
}

func VMConfigCreate() uintptr { return vmCfgCreate() }

func VMConfigSetIPASize(config uintptr, bits uint32) uint32 {
	return vmCfgSetIPABits(config, bits)
}

func VMConfigGetDefaultIPASize() (uint32, uint32) {
	var bits uint32
	ret := vmCfgDefaultIPA(&bits)
	return bits, ret
}

func VcpuConfigCreate() uintptr { return vcpuCfgCreate() }

func VcpuCreate(config uintptr) (uint64, *VcpuExit, uint32) {
	var handle uint64
	var exit *VcpuExit
	ret := vcpuCreate(&handle, &exit, config)
	return handle, exit, ret
}

func VcpuDestroy(vcpu uint64) uint32 { return vcpuDestroy(vcpu) }

func VcpuRun(vcpu uint64) uint32 { return vcpuRun(vcpu) }

// VcpusExit forces the named vCPUs out of the guest. Safe from any thread.
func VcpusExit(vcpus []uint64) uint32 {
	if len(vcpus) == 0 {
		return Success
	}
	return vcpusExit(&vcpus[0], uint32(len(vcpus)))
}

func VcpuGetReg(vcpu uint64, reg uint32) (uint64, uint32) {
	var value uint64
	ret := vcpuGetReg(vcpu, reg, &value)
	return value, ret
}

func VcpuSetReg(vcpu uint64, reg uint32, value uint64) uint32 {
	return vcpuSetReg(vcpu, reg, value)
}

func VcpuGetSysReg(vcpu uint64, reg uint16) (uint64, uint32) {
	var value uint64
	ret := vcpuGetSys(vcpu, uint32(reg), &value)
	return value, ret
}

func VcpuSetSysReg(vcpu uint64, reg uint16, value uint64) uint32 {
	return vcpuSetSys(vcpu, uint32(reg), value)
}

func VcpuSetTrapDebugExceptions(vcpu uint64, enable bool) uint32 {
	return vcpuTrapExc(vcpu, enable)
}

func VcpuSetTrapDebugRegAccesses(vcpu uint64, enable bool) uint32 {
	return vcpuTrapDbg(vcpu, enable)
}

func VcpuSetPendingInterrupt(vcpu uint64, typ uint32, pending bool) uint32 {
	return vcpuPendIrq(vcpu, typ, pending)
}

func VcpuGetVTimerMask(vcpu uint64) (bool, uint32) {
	var masked bool
	ret := vcpuGetVMask(vcpu, &masked)
	return masked, ret
}

func VcpuSetVTimerMask(vcpu uint64, masked bool) uint32 {
	return vcpuSetVMask(vcpu, masked)
}

func VcpuGetVTimerOffset(vcpu uint64) (uint64, uint32) {
	var offset uint64
	ret := vcpuGetVTOff(vcpu, &offset)
	return offset, ret
}

func VcpuSetVTimerOffset(vcpu uint64, offset uint64) uint32 {
	return vcpuSetVTOff(vcpu, offset)
}
