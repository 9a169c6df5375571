package ahv

import (
	"fmt"
	"time"
)

// Return is the raw Hypervisor.framework status type (hv_return_t).
type Return uint32

// Hypervisor.framework hv_return_t constants for ARM64.
const (
	HV_SUCCESS             Return = 0x00000000
	HV_ERROR               Return = 0xFAE94001
	HV_BUSY                Return = 0xFAE94002
	HV_BAD_ARGUMENT        Return = 0xFAE94003
	HV_ILLEGAL_GUEST_STATE Return = 0xFAE94004
	HV_NO_RESOURCES        Return = 0xFAE94005
	HV_NO_DEVICE           Return = 0xFAE94006
	HV_DENIED              Return = 0xFAE94007
	HV_EXISTS              Return = 0xFAE94008
	HV_UNSUPPORTED         Return = 0xFAE9400F
)

func (r Return) String() string {
	switch r {
	case HV_SUCCESS:
		return "HV_SUCCESS"
	case HV_ERROR:
		return "HV_ERROR"
	case HV_BUSY:
		return "HV_BUSY"
	case HV_BAD_ARGUMENT:
		return "HV_BAD_ARGUMENT"
	case HV_ILLEGAL_GUEST_STATE:
		return "HV_ILLEGAL_GUEST_STATE"
	case HV_NO_RESOURCES:
		return "HV_NO_RESOURCES"
	case HV_NO_DEVICE:
		return "HV_NO_DEVICE"
	case HV_DENIED:
		return "HV_DENIED"
	case HV_EXISTS:
		return "HV_EXISTS"
	case HV_UNSUPPORTED:
		return "HV_UNSUPPORTED"
	default:
		return fmt.Sprintf("hv_return_t(0x%08x)", uint32(r))
	}
}

// ErrorKind categorizes failures of library operations.
type ErrorKind int

const (
	// KindInvalidArgument covers misaligned addresses, unknown or freed
	// handles, overlapping mappings and unmap calls with no exact match.
	KindInvalidArgument ErrorKind = iota + 1

	// KindResourceExhausted indicates the hardware denied an allocation or
	// vCPU creation due to capacity limits.
	KindResourceExhausted

	// KindUnauthorized indicates the process lacks the hypervisor
	// entitlement or sufficient privileges.
	KindUnauthorized

	// KindUnsupportedFeature indicates a capability above the configured
	// tier, or functionality the host OS does not provide.
	KindUnsupportedFeature

	// KindBusy indicates transient framework contention that persisted
	// through the internal retries.
	KindBusy

	// KindHardwareFault preserves an opaque low-level status for
	// diagnostics.
	KindHardwareFault

	// KindAlreadyDestroyed indicates use of a handle that was torn down.
	KindAlreadyDestroyed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnsupportedFeature:
		return "unsupported feature"
	case KindBusy:
		return "busy"
	case KindHardwareFault:
		return "hardware fault"
	case KindAlreadyDestroyed:
		return "already destroyed"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the error type returned by all fallible operations. It carries
// both the categorized kind and, when the failure originated in the
// framework, the raw hv_return_t status.
type Error struct {
	Kind ErrorKind
	Code Return // HV_SUCCESS when the failure was detected before the framework call
	msg  string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.Code != HV_SUCCESS:
		return fmt.Sprintf("ahv: %s: %s (%s)", e.Kind, e.msg, e.Code)
	case e.msg != "":
		return fmt.Sprintf("ahv: %s: %s", e.Kind, e.msg)
	case e.Code != HV_SUCCESS:
		return fmt.Sprintf("ahv: %s (%s)", e.Kind, e.Code)
	default:
		return fmt.Sprintf("ahv: %s", e.Kind)
	}
}

// Is matches against the package sentinels by kind, so callers can write
// errors.Is(err, ahv.ErrInvalidArgument) regardless of message or raw code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors, one per ErrorKind. Compare with errors.Is.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrResourceExhausted  = &Error{Kind: KindResourceExhausted}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrUnsupportedFeature = &Error{Kind: KindUnsupportedFeature}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrHardwareFault      = &Error{Kind: KindHardwareFault}
	ErrAlreadyDestroyed   = &Error{Kind: KindAlreadyDestroyed}
)

// errf builds an *Error with a formatted message and no raw status.
func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// hvErr converts a raw framework status into an error, or nil on success.
func hvErr(code Return) error {
	if code == HV_SUCCESS {
		return nil
	}
	return &Error{Kind: kindForReturn(code), Code: code}
}

func kindForReturn(code Return) ErrorKind {
	switch code {
	case HV_BAD_ARGUMENT:
		return KindInvalidArgument
	case HV_NO_RESOURCES:
		return KindResourceExhausted
	case HV_DENIED:
		return KindUnauthorized
	case HV_UNSUPPORTED:
		return KindUnsupportedFeature
	case HV_BUSY:
		return KindBusy
	default:
		return KindHardwareFault
	}
}

const (
	busyRetryLimit = 3
	busyRetryDelay = 250 * time.Microsecond
)

// withBusyRetry re-invokes op while it reports HV_BUSY, up to a bounded
// number of attempts. Used for allocation, mapping and run, which the
// framework may transiently refuse.
func withBusyRetry(op func() Return) Return {
	ret := op()
	for attempt := 1; ret == HV_BUSY && attempt < busyRetryLimit; attempt++ {
		recordBusyRetry()
		time.Sleep(busyRetryDelay * time.Duration(attempt))
		ret = op()
	}
	return ret
}
