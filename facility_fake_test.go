package ahv

import (
	"fmt"
	"sync"
)

// fakeFacility is an in-memory facility used to exercise the registry,
// gating and teardown logic without hardware or entitlements.
type fakeFacility struct {
	mu sync.Mutex

	page uint64
	max  Tier

	vmCreated   bool
	vmDestroyed bool
	createdTier Tier
	createdIPA  uint32

	regions  map[*byte]uint64 // live host regions by base pointer
	mapTable map[uint64]uint64 // guest addr -> size

	nextVCPU vcpuHandle
	vcpus    map[vcpuHandle]*fakeVCPU

	// callLog records facility calls in order so tests can assert
	// teardown ordering.
	callLog []string

	// Failure injection.
	allocBusyLeft int    // return HV_BUSY from memAllocate this many times
	failMap       Return // non-zero fails vmMap
	failRun       Return // non-zero fails run

	// runScript, when set, produces the exit record for each run call.
	runScript func(c *fakeVCPU) rawExit
}

type fakeVCPU struct {
	handle vcpuHandle
	exit   rawExit

	regs    map[uint32]uint64
	sysRegs map[uint16]uint64

	trapDebugExceptions  bool
	trapDebugRegAccesses bool
	pendingIRQ           bool
	pendingFIQ           bool
	vtimerMasked         bool
	vtimerOff            uint64

	destroyed bool

	// blockRun makes run wait for cancel, modelling a guest that never
	// exits on its own.
	blockRun bool
	cancelCh chan struct{}
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{
		page:     16384,
		max:      TierVentura,
		regions:  make(map[*byte]uint64),
		mapTable: make(map[uint64]uint64),
		vcpus:    make(map[vcpuHandle]*fakeVCPU),
	}
}

func (f *fakeFacility) log(format string, args ...any) {
	f.callLog = append(f.callLog, fmt.Sprintf(format, args...))
}

func (f *fakeFacility) pageSize() uint64 { return f.page }
func (f *fakeFacility) maxTier() Tier    { return f.max }

func (f *fakeFacility) vmCreate(tier Tier, ipaBits uint32) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vmCreated = true
	f.createdTier = tier
	f.createdIPA = ipaBits
	f.log("vmCreate")
	return HV_SUCCESS
}

func (f *fakeFacility) vmDestroy() Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vmDestroyed = true
	f.log("vmDestroy")
	return HV_SUCCESS
}

func (f *fakeFacility) memAllocate(size uint64) ([]byte, Return) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocBusyLeft > 0 {
		f.allocBusyLeft--
		f.log("memAllocate busy")
		return nil, HV_BUSY
	}
	region := make([]byte, size)
	f.regions[&region[0]] = size
	f.log("memAllocate %d", size)
	return region, HV_SUCCESS
}

func (f *fakeFacility) memDeallocate(region []byte) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regions[&region[0]]; !ok {
		return HV_BAD_ARGUMENT
	}
	delete(f.regions, &region[0])
	f.log("memDeallocate %d", len(region))
	return HV_SUCCESS
}

func (f *fakeFacility) vmMap(region []byte, guestAddr uint64, perm MemPerm) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMap != HV_SUCCESS {
		return f.failMap
	}
	f.mapTable[guestAddr] = uint64(len(region))
	f.log("vmMap 0x%x", guestAddr)
	return HV_SUCCESS
}

func (f *fakeFacility) vmUnmap(guestAddr, size uint64) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapTable[guestAddr] != size {
		return HV_BAD_ARGUMENT
	}
	delete(f.mapTable, guestAddr)
	f.log("vmUnmap 0x%x", guestAddr)
	return HV_SUCCESS
}

func (f *fakeFacility) vmProtect(guestAddr, size uint64, perm MemPerm) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapTable[guestAddr] != size {
		return HV_BAD_ARGUMENT
	}
	f.log("vmProtect 0x%x", guestAddr)
	return HV_SUCCESS
}

func (f *fakeFacility) vcpuCreate() (vcpuHandle, *rawExit, Return) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextVCPU++
	c := &fakeVCPU{
		handle:   f.nextVCPU,
		regs:     make(map[uint32]uint64),
		sysRegs:  make(map[uint16]uint64),
		cancelCh: make(chan struct{}, 1),
	}
	f.vcpus[c.handle] = c
	f.log("vcpuCreate %d", c.handle)
	return c.handle, &c.exit, HV_SUCCESS
}

func (f *fakeFacility) vcpuDestroy(h vcpuHandle) Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.vcpus[h]
	if !ok || c.destroyed {
		return HV_BAD_ARGUMENT
	}
	c.destroyed = true
	f.log("vcpuDestroy %d", h)
	return HV_SUCCESS
}

func (f *fakeFacility) vcpu(h vcpuHandle) *fakeVCPU {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vcpus[h]
}

func (f *fakeFacility) regRead(h vcpuHandle, sel uint32) (uint64, Return) {
	c := f.vcpu(h)
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.regs[sel], HV_SUCCESS
}

func (f *fakeFacility) regWrite(h vcpuHandle, sel uint32, value uint64) Return {
	c := f.vcpu(h)
	f.mu.Lock()
	defer f.mu.Unlock()
	c.regs[sel] = value
	return HV_SUCCESS
}

func (f *fakeFacility) sysRegRead(h vcpuHandle, sel uint16) (uint64, Return) {
	c := f.vcpu(h)
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.sysRegs[sel], HV_SUCCESS
}

func (f *fakeFacility) sysRegWrite(h vcpuHandle, sel uint16, value uint64) Return {
	c := f.vcpu(h)
	f.mu.Lock()
	defer f.mu.Unlock()
	c.sysRegs[sel] = value
	return HV_SUCCESS
}

func (f *fakeFacility) setTrapDebugExceptions(h vcpuHandle, enable bool) Return {
	f.vcpu(h).trapDebugExceptions = enable
	return HV_SUCCESS
}

func (f *fakeFacility) setTrapDebugRegAccesses(h vcpuHandle, enable bool) Return {
	f.vcpu(h).trapDebugRegAccesses = enable
	return HV_SUCCESS
}

func (f *fakeFacility) setPendingInterrupt(h vcpuHandle, typ InterruptType, pending bool) Return {
	c := f.vcpu(h)
	switch typ {
	case InterruptIRQ:
		c.pendingIRQ = pending
	case InterruptFIQ:
		c.pendingFIQ = pending
	default:
		return HV_BAD_ARGUMENT
	}
	return HV_SUCCESS
}

func (f *fakeFacility) vtimerMask(h vcpuHandle) (bool, Return) {
	return f.vcpu(h).vtimerMasked, HV_SUCCESS
}

func (f *fakeFacility) setVTimerMask(h vcpuHandle, masked bool) Return {
	f.vcpu(h).vtimerMasked = masked
	return HV_SUCCESS
}

func (f *fakeFacility) vtimerOffset(h vcpuHandle) (uint64, Return) {
	return f.vcpu(h).vtimerOff, HV_SUCCESS
}

func (f *fakeFacility) setVTimerOffset(h vcpuHandle, offset uint64) Return {
	f.vcpu(h).vtimerOff = offset
	return HV_SUCCESS
}

func (f *fakeFacility) run(h vcpuHandle) Return {
	c := f.vcpu(h)
	f.mu.Lock()
	failRun := f.failRun
	script := f.runScript
	f.mu.Unlock()

	if failRun != HV_SUCCESS {
		return failRun
	}
	if c.blockRun {
		<-c.cancelCh
		c.exit = rawExit{reason: rawExitCanceled}
		return HV_SUCCESS
	}
	if script != nil {
		c.exit = script(c)
		return HV_SUCCESS
	}
	c.exit = rawExit{reason: rawExitCanceled}
	return HV_SUCCESS
}

func (f *fakeFacility) cancel(hs []vcpuHandle) Return {
	for _, h := range hs {
		c := f.vcpu(h)
		if c == nil {
			return HV_BAD_ARGUMENT
		}
		select {
		case c.cancelCh <- struct{}{}:
		default:
		}
	}
	return HV_SUCCESS
}

// mustVM builds a VM over a fresh fake facility and registers cleanup.
func mustVM(t interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}, cfg *VMConfig) (*VM, *fakeFacility) {
	t.Helper()
	fac := newFakeFacility()
	vm, err := newVM(cfg, fac)
	if err != nil {
		t.Fatalf("newVM: %v", err)
	}
	t.Cleanup(func() { _ = vm.Close() })
	return vm, fac
}
