package ahv

import (
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"
)

// VMConfig configures VM creation. The zero value selects the baseline
// capability tier and the framework's default address space size.
type VMConfig struct {
	// Tier is the capability tier the VM is allowed to use. It must not
	// exceed what the host supports; see HostTier.
	Tier Tier

	// IPABits sets the guest physical address bit length. Non-zero values
	// require TierVentura.
	IPABits uint32
}

// VM represents the process's hardware virtual machine context together
// with its allocation registry and guest address mapping table.
//
// A VM and its derived state are not internally synchronized beyond vCPU
// cancellation; callers needing concurrent access must serialize externally.
type VM struct {
	fac  facility
	tier Tier
	page uint64

	closeMu sync.Mutex // protects against concurrent Close and finalizer
	closed  bool

	nextHandle  AllocationHandle
	allocations map[AllocationHandle]*allocation
	freed       map[AllocationHandle]struct{}
	mappings    []mapping
	vcpus       map[*VCPU]struct{}
}

var (
	vmMu     sync.Mutex
	vmActive bool
)

// NewVM creates the process's hardware VM context. Only one VM may exist
// per process; a second call fails until the first VM is closed. A nil
// config selects the baseline tier.
func NewVM(cfg *VMConfig) (*VM, error) {
	fac, err := newHardwareFacility()
	if err != nil {
		return nil, err
	}
	return newVM(cfg, fac)
}

// newVM is the facility-injected constructor shared with the tests.
func newVM(cfg *VMConfig, fac facility) (*VM, error) {
	start := time.Now()

	var tier Tier
	var ipaBits uint32
	if cfg != nil {
		tier = cfg.Tier
		ipaBits = cfg.IPABits
	}
	if tier > fac.maxTier() {
		return nil, errf(KindUnsupportedFeature, "tier %s exceeds host tier %s", tier, fac.maxTier())
	}
	if ipaBits != 0 && !tier.Supports(TierVentura) {
		return nil, errf(KindUnsupportedFeature, "IPA size configuration requires %s", TierVentura)
	}

	vmMu.Lock()
	defer vmMu.Unlock()

	if vmActive {
		return nil, errf(KindInvalidArgument, "a VM already exists in this process")
	}

	if ret := fac.vmCreate(tier, ipaBits); ret != HV_SUCCESS {
		recordFacilityErr()
		return nil, hvErr(ret)
	}

	vmActive = true
	vm := &VM{
		fac:         fac,
		tier:        tier,
		page:        fac.pageSize(),
		allocations: make(map[AllocationHandle]*allocation),
		freed:       make(map[AllocationHandle]struct{}),
		vcpus:       make(map[*VCPU]struct{}),
	}

	// Safety net in case Close is never called.
	runtime.SetFinalizer(vm, (*VM).finalize)

	recordVMCreate(time.Since(start))
	return vm, nil
}

// Tier returns the capability tier the VM was configured with.
func (vm *VM) Tier() Tier {
	return vm.tier
}

// PageSize returns the allocation and mapping granularity in bytes.
func (vm *VM) PageSize() uint64 {
	return vm.page
}

// Allocate reserves a zero-filled host region of at least size bytes,
// rounded up to page granularity, and registers it under a fresh handle.
func (vm *VM) Allocate(size uint64) (AllocationHandle, error) {
	if vm.closed {
		return 0, errAlreadyClosed()
	}
	if size == 0 {
		return 0, errf(KindInvalidArgument, "allocation size must be non-zero")
	}
	if size > math.MaxUint64-vm.page {
		return 0, errf(KindInvalidArgument, "allocation size overflows page round-up")
	}

	rounded := roundUpToPage(size, vm.page)

	var region []byte
	ret := withBusyRetry(func() Return {
		var r Return
		region, r = vm.fac.memAllocate(rounded)
		return r
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return 0, hvErr(ret)
	}

	vm.nextHandle++
	handle := vm.nextHandle
	vm.allocations[handle] = &allocation{region: region}

	recordAlloc()
	return handle, nil
}

// AllocateFrom reserves a region sized to the payload (rounded up to page
// granularity), initialized with the payload and zero padded.
func (vm *VM) AllocateFrom(data []byte) (AllocationHandle, error) {
	handle, err := vm.Allocate(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	copy(vm.allocations[handle].region, data)
	return handle, nil
}

// AllocationBytes returns the host view of an allocation's full
// page-granular backing region. The slice stays valid until the allocation
// is deallocated or the VM is closed.
func (vm *VM) AllocationBytes(handle AllocationHandle) ([]byte, error) {
	if vm.closed {
		return nil, errAlreadyClosed()
	}
	alloc, err := vm.lookupAllocation(handle)
	if err != nil {
		return nil, err
	}
	return alloc.region, nil
}

func (vm *VM) lookupAllocation(handle AllocationHandle) (*allocation, error) {
	if alloc, ok := vm.allocations[handle]; ok {
		return alloc, nil
	}
	if _, wasFreed := vm.freed[handle]; wasFreed {
		return nil, errf(KindAlreadyDestroyed, "allocation %d was deallocated", handle)
	}
	return nil, errf(KindInvalidArgument, "unknown allocation handle %d", handle)
}

// Deallocate frees the host region behind handle. It fails while any live
// mapping still references the allocation, and with an AlreadyDestroyed
// error if the handle was already freed.
func (vm *VM) Deallocate(handle AllocationHandle) error {
	if vm.closed {
		return errAlreadyClosed()
	}
	alloc, err := vm.lookupAllocation(handle)
	if err != nil {
		return err
	}
	for _, m := range vm.mappings {
		if m.handle == handle {
			return errf(KindInvalidArgument, "allocation %d is still mapped at 0x%x", handle, m.addr)
		}
	}

	if ret := vm.fac.memDeallocate(alloc.region); ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	delete(vm.allocations, handle)
	vm.freed[handle] = struct{}{}

	recordDealloc()
	return nil
}

// Map installs a guest mapping covering the allocation's full length at
// guestAddr. The call validates alignment, handle liveness and overlap
// before touching the framework, so a failed Map leaves the mapping table
// unchanged.
func (vm *VM) Map(handle AllocationHandle, guestAddr uint64, perm MemPerm) error {
	if vm.closed {
		return errAlreadyClosed()
	}
	if err := checkPerm(perm); err != nil {
		return err
	}

	alloc, err := vm.lookupAllocation(handle)
	if err != nil {
		if errors.Is(err, ErrAlreadyDestroyed) {
			// A freed handle is a caller bug, same as an unknown one.
			return errf(KindInvalidArgument, "allocation %d was already freed", handle)
		}
		return err
	}

	size := uint64(len(alloc.region))
	if !isAligned(guestAddr, vm.page) {
		return errf(KindInvalidArgument, "guest address 0x%x is not aligned to page size %d", guestAddr, vm.page)
	}
	if guestAddr > math.MaxUint64-size {
		return errf(KindInvalidArgument, "guest range 0x%x+0x%x overflows", guestAddr, size)
	}
	for _, m := range vm.mappings {
		if m.overlaps(guestAddr, size) {
			return errf(KindInvalidArgument,
				"guest range 0x%x+0x%x overlaps existing mapping at 0x%x+0x%x", guestAddr, size, m.addr, m.size)
		}
	}

	ret := withBusyRetry(func() Return {
		return vm.fac.vmMap(alloc.region, guestAddr, perm)
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	vm.mappings = append(vm.mappings, mapping{
		handle: handle,
		addr:   guestAddr,
		size:   size,
		perm:   perm,
	})

	recordMap()
	return nil
}

// findMapping returns the index of the mapping matching exactly
// (guestAddr, size), or an error when none does.
func (vm *VM) findMapping(guestAddr, size uint64) (int, error) {
	for i, m := range vm.mappings {
		if m.addr == guestAddr && m.size == size {
			return i, nil
		}
	}
	return 0, errf(KindInvalidArgument, "no mapping matches 0x%x+0x%x exactly", guestAddr, size)
}

// Unmap removes the mapping that matches (guestAddr, size) exactly.
func (vm *VM) Unmap(guestAddr, size uint64) error {
	if vm.closed {
		return errAlreadyClosed()
	}
	i, err := vm.findMapping(guestAddr, size)
	if err != nil {
		return err
	}

	if ret := vm.fac.vmUnmap(guestAddr, size); ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	vm.mappings = append(vm.mappings[:i], vm.mappings[i+1:]...)

	recordUnmap()
	return nil
}

// Protect changes the permission of the mapping matching (guestAddr, size)
// exactly.
func (vm *VM) Protect(guestAddr, size uint64, perm MemPerm) error {
	if vm.closed {
		return errAlreadyClosed()
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	i, err := vm.findMapping(guestAddr, size)
	if err != nil {
		return err
	}

	if ret := vm.fac.vmProtect(guestAddr, size, perm); ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	vm.mappings[i].perm = perm

	recordProtect()
	return nil
}

// Mappings returns a snapshot of the live mapping table.
func (vm *VM) Mappings() []MappingInfo {
	infos := make([]MappingInfo, 0, len(vm.mappings))
	for _, m := range vm.mappings {
		infos = append(infos, MappingInfo{
			Handle:       m.handle,
			GuestAddress: m.addr,
			Size:         m.size,
			Permission:   m.perm,
		})
	}
	return infos
}

// NewVCPU creates a vCPU bound to this VM. The VM must outlive every vCPU
// created from it.
func (vm *VM) NewVCPU(cfg *VCPUConfig) (*VCPU, error) {
	if vm.closed {
		return nil, errAlreadyClosed()
	}
	c, err := newVCPU(vm, cfg)
	if err != nil {
		return nil, err
	}
	vm.vcpus[c] = struct{}{}
	return c, nil
}

// Close tears the VM down: every vCPU is destroyed, every mapping removed,
// every allocation freed, and finally the hardware context is destroyed so
// the process can create a fresh VM. Idempotent. Close fails without
// touching anything while a vCPU is still inside Run.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil
	}
	for c := range vm.vcpus {
		if c.currentState() == stateRunning {
			return errf(KindInvalidArgument, "vCPU %d is still running; cancel or await Run first", c.id)
		}
	}

	var errs []error
	for c := range vm.vcpus {
		if err := c.Close(); err != nil && !errors.Is(err, ErrAlreadyDestroyed) {
			slog.Error("ahv: vCPU teardown failed", "vcpu", c.id, "error", err)
			errs = append(errs, err)
		}
	}

	// Unmap before deallocating so no hardware mapping ever points at
	// freed host memory.
	for _, m := range vm.mappings {
		if ret := vm.fac.vmUnmap(m.addr, m.size); ret != HV_SUCCESS {
			slog.Error("ahv: teardown unmap failed", "addr", m.addr, "error", hvErr(ret))
			errs = append(errs, hvErr(ret))
		} else {
			recordUnmap()
		}
	}
	vm.mappings = nil

	for handle, alloc := range vm.allocations {
		if ret := vm.fac.memDeallocate(alloc.region); ret != HV_SUCCESS {
			slog.Error("ahv: teardown deallocate failed", "handle", handle, "error", hvErr(ret))
			errs = append(errs, hvErr(ret))
		} else {
			recordDealloc()
		}
		delete(vm.allocations, handle)
		vm.freed[handle] = struct{}{}
	}

	if ret := vm.fac.vmDestroy(); ret != HV_SUCCESS {
		recordFacilityErr()
		errs = append(errs, hvErr(ret))
	}

	vm.closed = true

	vmMu.Lock()
	vmActive = false
	vmMu.Unlock()

	runtime.SetFinalizer(vm, nil)
	recordVMDestroy()

	return errors.Join(errs...)
}

// finalize is the garbage collector safety net for a leaked VM.
func (vm *VM) finalize() {
	if vm.closeMu.TryLock() {
		closed := vm.closed
		vm.closeMu.Unlock()
		if !closed {
			slog.Warn("ahv: VM leaked without Close, tearing down from finalizer")
			_ = vm.Close()
		}
	}
}

func errAlreadyClosed() error {
	return errf(KindAlreadyDestroyed, "VM is closed")
}
