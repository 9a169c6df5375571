// Package ahv provides safe Go bindings for Apple's Hypervisor.framework
// on Apple Silicon.
//
// The package manages the lifetime of a virtual machine, guest memory
// allocation and mapping, and virtual CPU execution. All privileged
// framework calls are validated and wrapped so that misuse surfaces as an
// error instead of undefined hardware behavior.
//
// # Requirements
//
//   - macOS with Apple Silicon (ARM64)
//   - Hypervisor entitlement: com.apple.security.hypervisor
//   - Code signing with entitlements
//
// # Basic Usage
//
// Check support, then create a VM (only one VM may exist per process):
//
//	supported, err := ahv.Supported()
//	if err != nil || !supported {
//		log.Fatal("hypervisor not supported on this system")
//	}
//
//	vm, err := ahv.NewVM(nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vm.Close()
//
// Allocate guest memory and map it. Allocations are tracked by opaque
// handles and sized up to page granularity:
//
//	payload := []byte{
//		0x40, 0x00, 0x80, 0xD2, // mov x0, #2
//		0x02, 0x00, 0x00, 0xD4, // hvc #0
//	}
//
//	const entry = 0x20000
//	code, err := vm.AllocateFrom(payload)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := vm.Map(code, entry, ahv.MemRead|ahv.MemExec); err != nil {
//		log.Fatal(err)
//	}
//
// Create a vCPU, configure registers and run until the guest exits:
//
//	vcpu, err := vm.NewVCPU(nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vcpu.Close()
//
//	vcpu.SetReg(ahv.RegCPSR, 0x3c4)
//	vcpu.SetReg(ahv.RegPC, entry)
//
//	info, err := vcpu.Run()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if info.Reason == ahv.ExitException && info.Exception.Class() == ahv.ECHvc {
//		x0, _ := vcpu.GetReg(ahv.RegX0)
//		fmt.Printf("HVC executed, x0 = %d\n", x0)
//	}
//
// # Capability Tiers
//
// Hypervisor.framework gains functionality with each macOS release. The
// library models this as a strictly ordered ladder of tiers selected at VM
// construction (see [Tier] and [VMConfig]). Using a register or operation
// above the configured tier fails with an UnsupportedFeature error; the
// framework is never invoked with parameters the host cannot support.
//
// # Concurrency
//
// Each vCPU is bound to a dedicated OS thread; the framework requires all
// calls for a vCPU to happen on the thread that created it, and the library
// enforces this internally. Run blocks the calling goroutine until the guest
// exits. Cancel is the only operation that may be called from another
// goroutine while Run is in progress; all other VM and vCPU mutation must be
// externally serialized.
//
// # Resource Management
//
// VMs and vCPUs must be closed explicitly. Closing a VM unmaps every
// mapping and frees every allocation before destroying the hardware context,
// so the process can create a fresh VM afterwards. Finalizers provide a
// safety net for leaked handles.
//
// # Code Signing and Entitlements
//
// Binaries must carry the hypervisor entitlement:
//
//	<?xml version="1.0" encoding="UTF-8"?>
//	<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
//	    "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
//	<plist version="1.0">
//	<dict>
//	    <key>com.apple.security.hypervisor</key>
//	    <true/>
//	</dict>
//	</plist>
//
// Then sign:
//
//	codesign --sign - --force --entitlements=ahv.entitlements ./your-app
package ahv
