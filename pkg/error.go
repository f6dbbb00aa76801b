package pkg

import "errors"

// Acquisition errors. Each one identifies the probe step that failed and is
// wrapped around the platform cause.
var (
	// ErrAllocation indicates the device context or a bookkeeping slot
	// could not be allocated.
	ErrAllocation = errors.New("allocation failed")

	// ErrEnable indicates the device could not be enabled for bus transactions.
	ErrEnable = errors.New("device enable failed")

	// ErrRegionClaim indicates the memory region is already claimed or unavailable.
	ErrRegionClaim = errors.New("region claim failed")

	// ErrMapping indicates the region could not be mapped.
	ErrMapping = errors.New("region mapping failed")

	// ErrNumberAllocation indicates no device-number range was available.
	ErrNumberAllocation = errors.New("device number allocation failed")

	// ErrRegistration indicates the character device could not be registered.
	ErrRegistration = errors.New("character device registration failed")
)

// ErrTransferFault indicates a read or write could not complete, e.g. a
// consumer buffer shorter than the requested length.
var ErrTransferFault = errors.New("transfer fault")

// General errors.
var (
	// ErrNoDevice indicates the device is not present or not bound.
	ErrNoDevice = errors.New("device not present")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrCancelled indicates the operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")
)

// Errno is a small numeric classification of driver errors, mirroring the
// negative return codes a bus layer sees from a failed probe.
type Errno int

// Errno values.
const (
	ErrnoOK     Errno = 0
	ErrnoNOMEM  Errno = 12 // ENOMEM
	ErrnoFAULT  Errno = 14 // EFAULT
	ErrnoBUSY   Errno = 16 // EBUSY
	ErrnoNODEV  Errno = 19 // ENODEV
	ErrnoINVAL  Errno = 22 // EINVAL
	ErrnoIO     Errno = 5  // EIO
	ErrnoNOSPC  Errno = 28 // ENOSPC
	ErrnoNOTSUP Errno = 95 // EOPNOTSUPP
)

// String returns the symbolic errno name.
func (e Errno) String() string {
	switch e {
	case ErrnoOK:
		return "OK"
	case ErrnoNOMEM:
		return "ENOMEM"
	case ErrnoFAULT:
		return "EFAULT"
	case ErrnoBUSY:
		return "EBUSY"
	case ErrnoNODEV:
		return "ENODEV"
	case ErrnoINVAL:
		return "EINVAL"
	case ErrnoIO:
		return "EIO"
	case ErrnoNOSPC:
		return "ENOSPC"
	case ErrnoNOTSUP:
		return "EOPNOTSUPP"
	default:
		return "UNKNOWN"
	}
}

// ErrnoOf classifies err into the single failure code surfaced to the bus layer.
func ErrnoOf(err error) Errno {
	switch {
	case err == nil:
		return ErrnoOK
	case errors.Is(err, ErrAllocation), errors.Is(err, ErrMapping):
		return ErrnoNOMEM
	case errors.Is(err, ErrRegionClaim), errors.Is(err, ErrBusy):
		return ErrnoBUSY
	case errors.Is(err, ErrNumberAllocation):
		return ErrnoNOSPC
	case errors.Is(err, ErrTransferFault):
		return ErrnoFAULT
	case errors.Is(err, ErrNoDevice):
		return ErrnoNODEV
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrInvalidState):
		return ErrnoINVAL
	case errors.Is(err, ErrNotSupported):
		return ErrnoNOTSUP
	default:
		return ErrnoIO
	}
}
