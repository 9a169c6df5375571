package ahv

import (
	"runtime"
	"sync/atomic"
	"time"
)

// VCPUConfig configures vCPU creation. The zero value traps nothing.
type VCPUConfig struct {
	// TrapDebugExceptions routes guest debug exceptions to the host
	// instead of the guest's own vector table.
	TrapDebugExceptions bool

	// TrapDebugRegAccesses routes guest accesses to debug registers to
	// the host.
	TrapDebugRegAccesses bool
}

// vCPU lifecycle states.
const (
	stateReady uint32 = iota
	stateRunning
	stateDestroyed
)

// VCPU is a virtual processor bound to a VM.
//
// The hardware requires every vCPU operation to happen on the OS thread
// that created the vCPU. VCPU hides that: it owns a locked OS thread and
// marshals each call onto it, so any goroutine may use the API, one call
// at a time. Cancel is the exception and is safe to call concurrently
// with Run from any goroutine.
type VCPU struct {
	vm     *VM
	id     uint64
	handle vcpuHandle
	exit   *rawExit

	state     atomic.Uint32
	runQueue  chan func()
	destroyed chan struct{} // closed once the hardware vCPU is gone
}

func newVCPU(vm *VM, cfg *VCPUConfig) (*VCPU, error) {
	c := &VCPU{
		vm:        vm,
		runQueue:  make(chan func()),
		destroyed: make(chan struct{}),
	}

	errCh := make(chan error, 1)
	go c.loop(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}

	if cfg != nil {
		if cfg.TrapDebugExceptions {
			if err := c.SetTrapDebugExceptions(true); err != nil {
				c.Close()
				return nil, err
			}
		}
		if cfg.TrapDebugRegAccesses {
			if err := c.SetTrapDebugRegAccesses(true); err != nil {
				c.Close()
				return nil, err
			}
		}
	}

	recordVCPUCreate()
	return c, nil
}

// loop is the vCPU's owning goroutine. It creates the hardware vCPU on a
// locked OS thread, then serves marshalled calls until the queue closes.
func (c *VCPU) loop(errCh chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle, exit, ret := c.vm.fac.vcpuCreate()
	if ret != HV_SUCCESS {
		recordFacilityErr()
		errCh <- hvErr(ret)
		return
	}
	c.handle = handle
	c.id = uint64(handle)
	c.exit = exit
	errCh <- nil

	for fn := range c.runQueue {
		fn()
	}

	// Destroy on the owning thread; the hardware rejects anything else.
	if ret := c.vm.fac.vcpuDestroy(c.handle); ret != HV_SUCCESS {
		recordFacilityErr()
	}
	close(c.destroyed)
}

// call runs fn on the owning thread and waits for it to finish.
func (c *VCPU) call(fn func()) {
	done := make(chan struct{})
	c.runQueue <- func() {
		fn()
		close(done)
	}
	<-done
}

// checkIdle rejects calls that need the vCPU stopped and live.
func (c *VCPU) checkIdle() error {
	switch c.state.Load() {
	case stateRunning:
		return errf(KindInvalidArgument, "vCPU %d is running", c.id)
	case stateDestroyed:
		return errf(KindAlreadyDestroyed, "vCPU %d was destroyed", c.id)
	}
	return nil
}

// checkReg validates the register selector against the VM's tier.
func (c *VCPU) checkReg(reg Reg) (regInfo, error) {
	if !reg.Valid() {
		return regInfo{}, errf(KindInvalidArgument, "invalid register selector %d", int(reg))
	}
	info := regTable[reg]
	if !c.vm.tier.Supports(info.tier) {
		return regInfo{}, errf(KindUnsupportedFeature, "register %s requires %s, VM tier is %s", info.name, info.tier, c.vm.tier)
	}
	return info, nil
}

// GetReg reads a general purpose or system register.
func (c *VCPU) GetReg(reg Reg) (uint64, error) {
	if err := c.checkIdle(); err != nil {
		return 0, err
	}
	info, err := c.checkReg(reg)
	if err != nil {
		return 0, err
	}

	var value uint64
	var ret Return
	c.call(func() {
		if info.sys {
			value, ret = c.vm.fac.sysRegRead(c.handle, uint16(info.sel))
		} else {
			value, ret = c.vm.fac.regRead(c.handle, info.sel)
		}
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return 0, hvErr(ret)
	}

	recordRegisterOp()
	return value, nil
}

// SetReg writes a general purpose or system register.
func (c *VCPU) SetReg(reg Reg, value uint64) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	info, err := c.checkReg(reg)
	if err != nil {
		return err
	}

	var ret Return
	c.call(func() {
		if info.sys {
			ret = c.vm.fac.sysRegWrite(c.handle, uint16(info.sel), value)
		} else {
			ret = c.vm.fac.regWrite(c.handle, info.sel, value)
		}
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	recordRegisterOp()
	return nil
}

// SetTrapDebugExceptions controls whether guest debug exceptions exit to
// the host.
func (c *VCPU) SetTrapDebugExceptions(enable bool) error {
	return c.simpleOp(func() Return {
		return c.vm.fac.setTrapDebugExceptions(c.handle, enable)
	})
}

// SetTrapDebugRegAccesses controls whether guest debug register accesses
// exit to the host.
func (c *VCPU) SetTrapDebugRegAccesses(enable bool) error {
	return c.simpleOp(func() Return {
		return c.vm.fac.setTrapDebugRegAccesses(c.handle, enable)
	})
}

// SetPendingInterrupt asserts or clears a pending IRQ or FIQ. The pending
// state is consumed when the guest takes the interrupt; it must be set
// again before each Run that should observe it.
func (c *VCPU) SetPendingInterrupt(typ InterruptType, pending bool) error {
	if typ != InterruptIRQ && typ != InterruptFIQ {
		return errf(KindInvalidArgument, "invalid interrupt type %d", typ)
	}
	return c.simpleOp(func() Return {
		return c.vm.fac.setPendingInterrupt(c.handle, typ, pending)
	})
}

// VTimerMask reports whether virtual timer interrupts are masked.
func (c *VCPU) VTimerMask() (bool, error) {
	if err := c.checkIdle(); err != nil {
		return false, err
	}

	var masked bool
	var ret Return
	c.call(func() {
		masked, ret = c.vm.fac.vtimerMask(c.handle)
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return false, hvErr(ret)
	}
	return masked, nil
}

// SetVTimerMask masks or unmasks virtual timer interrupts. The hardware
// sets the mask on a vtimer exit; the host clears it once the timer has
// been handled.
func (c *VCPU) SetVTimerMask(masked bool) error {
	return c.simpleOp(func() Return {
		return c.vm.fac.setVTimerMask(c.handle, masked)
	})
}

// VTimerOffset returns the vtimer offset applied to this vCPU. Requires
// TierMonterey.
func (c *VCPU) VTimerOffset() (uint64, error) {
	if !c.vm.tier.Supports(TierMonterey) {
		return 0, errf(KindUnsupportedFeature, "vtimer offset requires %s, VM tier is %s", TierMonterey, c.vm.tier)
	}
	if err := c.checkIdle(); err != nil {
		return 0, err
	}

	var offset uint64
	var ret Return
	c.call(func() {
		offset, ret = c.vm.fac.vtimerOffset(c.handle)
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return 0, hvErr(ret)
	}
	return offset, nil
}

// SetVTimerOffset sets the vtimer offset for this vCPU. Requires
// TierMonterey.
func (c *VCPU) SetVTimerOffset(offset uint64) error {
	if !c.vm.tier.Supports(TierMonterey) {
		return errf(KindUnsupportedFeature, "vtimer offset requires %s, VM tier is %s", TierMonterey, c.vm.tier)
	}
	return c.simpleOp(func() Return {
		return c.vm.fac.setVTimerOffset(c.handle, offset)
	})
}

func (c *VCPU) simpleOp(op func() Return) error {
	if err := c.checkIdle(); err != nil {
		return err
	}

	var ret Return
	c.call(func() {
		ret = op()
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}
	return nil
}

// Run enters the guest and blocks until the next exit, returning the
// decoded exit record. Run may be called again after it returns; guest
// state is preserved across exits. Concurrent Run calls on the same vCPU
// are rejected.
func (c *VCPU) Run() (ExitInfo, error) {
	if !c.state.CompareAndSwap(stateReady, stateRunning) {
		switch c.state.Load() {
		case stateDestroyed:
			return ExitInfo{}, errf(KindAlreadyDestroyed, "vCPU %d was destroyed", c.id)
		default:
			return ExitInfo{}, errf(KindInvalidArgument, "vCPU %d is already running", c.id)
		}
	}
	defer c.state.Store(stateReady)

	start := time.Now()

	var ret Return
	var raw rawExit
	c.call(func() {
		ret = withBusyRetry(func() Return {
			return c.vm.fac.run(c.handle)
		})
		raw = *c.exit
	})
	if ret != HV_SUCCESS {
		recordFacilityErr()
		return ExitInfo{}, hvErr(ret)
	}

	recordRun(time.Since(start))
	return decodeExit(raw), nil
}

// Cancel forces a running vCPU out of the guest; its Run call then returns
// an ExitCanceled record. Cancel is safe from any goroutine. Cancelling a
// vCPU that is not inside Run is a no-op on the next exit boundary.
func (c *VCPU) Cancel() error {
	if c.state.Load() == stateDestroyed {
		return errf(KindAlreadyDestroyed, "vCPU %d was destroyed", c.id)
	}

	// Deliberately not marshalled through the owning thread: forcing an
	// exit from another thread is the whole point.
	if ret := c.vm.fac.cancel([]vcpuHandle{c.handle}); ret != HV_SUCCESS {
		recordFacilityErr()
		return hvErr(ret)
	}

	recordCancel()
	return nil
}

// Close destroys the vCPU and releases its OS thread. Close fails while
// the vCPU is inside Run; Cancel first. Closing twice returns an
// AlreadyDestroyed error.
func (c *VCPU) Close() error {
	if !c.state.CompareAndSwap(stateReady, stateDestroyed) {
		switch c.state.Load() {
		case stateRunning:
			return errf(KindInvalidArgument, "vCPU %d is running; cancel or await Run first", c.id)
		default:
			return errf(KindAlreadyDestroyed, "vCPU %d was destroyed", c.id)
		}
	}

	close(c.runQueue)
	<-c.destroyed
	delete(c.vm.vcpus, c)

	recordVCPUDestroy()
	return nil
}

// currentState exposes the lifecycle state to the VM's teardown check.
func (c *VCPU) currentState() uint32 {
	return c.state.Load()
}
