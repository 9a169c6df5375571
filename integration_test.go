//go:build darwin && arm64 && hypervisor

package ahv

import (
	"os"
	"testing"
)

// isCI reports whether the tests run in a CI environment, where the
// hypervisor is usually unavailable.
func isCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func integrationVM(t *testing.T) *VM {
	t.Helper()

	if isCI() {
		t.Skip("skipping hypervisor tests in CI environment")
	}
	supported, err := Supported()
	if err != nil {
		t.Fatalf("Failed to check hypervisor support: %v", err)
	}
	if !supported {
		t.Skip("hypervisor not supported on this host")
	}

	vm, err := NewVM(nil)
	if err != nil {
		t.Skipf("cannot create VM (likely missing entitlement): %v", err)
	}
	t.Cleanup(func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Failed to close VM: %v", err)
		}
	})
	return vm
}

func TestGuestExecutionIntegration(t *testing.T) {
	vm := integrationVM(t)

	// mov x0, #2 ; hvc #0
	code := []byte{
		0x40, 0x00, 0x80, 0xD2,
		0x02, 0x00, 0x00, 0xD4,
	}

	const entry = uint64(0x20000)

	handle, err := vm.AllocateFrom(code)
	if err != nil {
		t.Fatalf("AllocateFrom: %v", err)
	}
	if err := vm.Map(handle, entry, MemRead|MemExec); err != nil {
		t.Fatalf("Map: %v", err)
	}

	c, err := vm.NewVCPU(nil)
	if err != nil {
		t.Fatalf("NewVCPU: %v", err)
	}

	if err := c.SetReg(RegPC, entry); err != nil {
		t.Fatalf("SetReg(PC): %v", err)
	}
	// EL1h with interrupts masked.
	if err := c.SetReg(RegCPSR, 0x3C5); err != nil {
		t.Fatalf("SetReg(CPSR): %v", err)
	}

	info, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info.Reason != ExitException {
		t.Fatalf("exit reason = %s, want exception", info.Reason)
	}
	if ec := info.Exception.Class(); ec != ECHvc {
		t.Errorf("exception class = %s, want HVC", ec)
	}

	x0, err := c.GetReg(RegX0)
	if err != nil {
		t.Fatalf("GetReg(X0): %v", err)
	}
	if x0 != 2 {
		t.Errorf("X0 = %d, want 2", x0)
	}

	if err := c.Close(); err != nil {
		t.Errorf("vCPU close: %v", err)
	}
}

func TestCancelIntegration(t *testing.T) {
	vm := integrationVM(t)

	// b . -- spins until cancelled from another goroutine.
	code := []byte{0x00, 0x00, 0x00, 0x14}

	const entry = uint64(0x20000)

	handle, err := vm.AllocateFrom(code)
	if err != nil {
		t.Fatalf("AllocateFrom: %v", err)
	}
	if err := vm.Map(handle, entry, MemRead|MemExec); err != nil {
		t.Fatalf("Map: %v", err)
	}

	c, err := vm.NewVCPU(nil)
	if err != nil {
		t.Fatalf("NewVCPU: %v", err)
	}
	if err := c.SetReg(RegPC, entry); err != nil {
		t.Fatalf("SetReg(PC): %v", err)
	}
	if err := c.SetReg(RegCPSR, 0x3C5); err != nil {
		t.Fatalf("SetReg(CPSR): %v", err)
	}

	done := make(chan struct{})
	var info ExitInfo
	var runErr error
	go func() {
		defer close(done)
		info, runErr = c.Run()
	}()

	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if info.Reason != ExitCanceled {
		t.Errorf("exit reason = %s, want canceled", info.Reason)
	}

	if err := c.Close(); err != nil {
		t.Errorf("vCPU close: %v", err)
	}
}

func TestHostTierIntegration(t *testing.T) {
	tier := HostTier()
	if tier < TierBigSur || tier > TierVentura {
		t.Errorf("HostTier() = %v, outside known ladder", tier)
	}
	t.Logf("host tier: %s", tier)
}
