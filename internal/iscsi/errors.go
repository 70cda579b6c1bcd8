package iscsi

import "errors"

// -------------------------------------------------------------------------
// Local Error Taxonomy
// -------------------------------------------------------------------------

// Sentinel errors for engine operations. Every public operation wraps
// one of these so callers can branch with errors.Is; the daemon maps
// them to errno values for the client wire (see Errno).
var (
	// ErrInvalidArgument indicates malformed input such as a blank IQN
	// or an unparseable portal.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIO indicates a socket failure, truncated PDU, or broken
	// client connection.
	ErrIO = errors.New("I/O error")

	// ErrAddressFamilyNotSupported indicates the host interface could
	// not be matched to the target's address family.
	ErrAddressFamilyNotSupported = errors.New("address family not supported")

	// ErrBusy indicates the session or connection table is exhausted;
	// the caller may retry later.
	ErrBusy = errors.New("session or connection slots exhausted")

	// ErrUnsupportedParameter indicates negotiation reached an
	// un-reconcilable or out-of-range key.
	ErrUnsupportedParameter = errors.New("unsupported negotiation parameter")

	// ErrAuthenticationFailed indicates a CHAP response mismatch, a
	// missing portal group tag, or a target choosing a method that was
	// not offered.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTimeout indicates a bounded exchange did not complete in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrPermissionDenied indicates the operation was refused locally.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOutOfMemory indicates a resource allocation failure reported
	// by the transport.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNoDevice indicates the session or connection handle does not
	// name a live object.
	ErrNoDevice = errors.New("no such session or connection")
)

// POSIX errno values used on the daemon client wire.
const (
	errnoEPERM        = 1
	errnoEIO          = 5
	errnoENOMEM       = 12
	errnoEACCES       = 13
	errnoEBUSY        = 16
	errnoENODEV       = 19
	errnoEINVAL       = 22
	errnoENOTSUP      = 95
	errnoEAFNOSUPPORT = 97
	errnoETIMEDOUT    = 110
)

// Errno maps an engine error to the POSIX-style code carried in daemon
// response headers. nil maps to 0.
func Errno(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return errnoEINVAL
	case errors.Is(err, ErrAddressFamilyNotSupported):
		return errnoEAFNOSUPPORT
	case errors.Is(err, ErrBusy):
		return errnoEBUSY
	case errors.Is(err, ErrUnsupportedParameter):
		return errnoENOTSUP
	case errors.Is(err, ErrAuthenticationFailed):
		return errnoEACCES
	case errors.Is(err, ErrTimeout):
		return errnoETIMEDOUT
	case errors.Is(err, ErrPermissionDenied):
		return errnoEPERM
	case errors.Is(err, ErrOutOfMemory):
		return errnoENOMEM
	case errors.Is(err, ErrNoDevice):
		return errnoENODEV
	default:
		return errnoEIO
	}
}

// ErrnoToError maps a wire errno back to the engine sentinel; used by
// the CLI client to reconstruct errors.Is-friendly errors.
func ErrnoToError(code uint32) error {
	switch code {
	case 0:
		return nil
	case errnoEINVAL:
		return ErrInvalidArgument
	case errnoEAFNOSUPPORT:
		return ErrAddressFamilyNotSupported
	case errnoEBUSY:
		return ErrBusy
	case errnoENOTSUP:
		return ErrUnsupportedParameter
	case errnoEACCES:
		return ErrAuthenticationFailed
	case errnoETIMEDOUT:
		return ErrTimeout
	case errnoEPERM:
		return ErrPermissionDenied
	case errnoENOMEM:
		return ErrOutOfMemory
	case errnoENODEV:
		return ErrNoDevice
	default:
		return ErrIO
	}
}
