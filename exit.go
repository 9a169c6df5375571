package ahv

import "fmt"

// Raw hv_exit_reason_t tags.
const (
	rawExitCanceled  uint32 = 0
	rawExitException uint32 = 1
	rawExitVTimer    uint32 = 2
	rawExitUnknown   uint32 = 3
)

// ExitReason categorizes why guest execution returned control to the host.
type ExitReason int

const (
	// ExitUnknown is an exit the framework (or this library) does not
	// recognize. The raw tag is preserved in ExitInfo.RawReason.
	ExitUnknown ExitReason = iota

	// ExitCanceled is an exit forced by Cancel from another thread.
	ExitCanceled

	// ExitException is a trap caused by a guest operation.
	ExitException

	// ExitVTimerActivated reports the virtual timer entering the pending
	// state.
	ExitVTimerActivated
)

func (r ExitReason) String() string {
	switch r {
	case ExitCanceled:
		return "canceled"
	case ExitException:
		return "exception"
	case ExitVTimerActivated:
		return "vtimer activated"
	case ExitUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("exit reason %d", int(r))
	}
}

// Exception holds the architectural details of an exception exit.
type Exception struct {
	// Syndrome is the encoded cause of the exception (ESR_EL2).
	Syndrome uint64

	// VirtualAddress is the faulting virtual address (FAR_EL2).
	VirtualAddress uint64

	// PhysicalAddress is the faulting guest physical address.
	PhysicalAddress uint64
}

const (
	ecShift = 26
	ecMask  = 0x3F
)

// Class extracts the exception class, the top 6 bits of the syndrome.
func (e Exception) Class() ExceptionClass {
	return ExceptionClass((e.Syndrome >> ecShift) & ecMask)
}

// ExceptionClass is the architecture-defined EC field of an exception
// syndrome.
type ExceptionClass uint8

const (
	ECHvc              ExceptionClass = 0x16
	ECSmc              ExceptionClass = 0x17
	ECMsrAccess        ExceptionClass = 0x18
	ECInstrAbortLower  ExceptionClass = 0x20
	ECDataAbortLowerEL ExceptionClass = 0x24
	ECBrk              ExceptionClass = 0x3C
)

func (ec ExceptionClass) String() string {
	switch ec {
	case ECHvc:
		return "HVC"
	case ECSmc:
		return "SMC"
	case ECMsrAccess:
		return "MSR/MRS access"
	case ECInstrAbortLower:
		return "instruction abort lower EL"
	case ECDataAbortLowerEL:
		return "data abort lower EL"
	case ECBrk:
		return "BRK"
	default:
		return fmt.Sprintf("exception class 0x%02x", uint8(ec))
	}
}

// ExitInfo is the decoded result of a vCPU run.
type ExitInfo struct {
	Reason ExitReason

	// RawReason is the hv_exit_reason_t tag as reported by the framework,
	// kept verbatim for diagnostics and forward compatibility.
	RawReason uint32

	// Exception is populated when Reason is ExitException.
	Exception Exception
}

// rawExit mirrors the C hv_vcpu_exit_t layout, including the padding after
// the 32-bit reason. The framework writes into this structure on every exit.
type rawExit struct {
	reason    uint32
	_         uint32
	exception Exception
}

// decodeExit translates a raw exit record into the closed ExitInfo variant
// set. Unrecognized tags decode to ExitUnknown with the tag preserved
// instead of failing, so newer framework versions stay usable.
func decodeExit(raw rawExit) ExitInfo {
	info := ExitInfo{RawReason: raw.reason}

	switch raw.reason {
	case rawExitCanceled:
		info.Reason = ExitCanceled
	case rawExitException:
		info.Reason = ExitException
		info.Exception = raw.exception
	case rawExitVTimer:
		info.Reason = ExitVTimerActivated
	default:
		info.Reason = ExitUnknown
	}

	return info
}
