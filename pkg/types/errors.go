package types

import "errors"

var (
	// ErrPermissionDenied is an ordinary authorization outcome, not a fault.
	ErrPermissionDenied          = errors.New("permission denied")
	ErrSpawnRejected             = errors.New("spawn rejected")
	ErrFilesystemPolicyViolation = errors.New("filesystem policy violation")
	ErrToolNotImplemented        = errors.New("tool not implemented")
	ErrActionNotFound            = errors.New("action not found")
	ErrOracleUnavailable         = errors.New("oracle unavailable")
)

// SafeMessage maps an error onto a short string that can be shown to a
// human reviewer. Only the taxonomy errors (and typed errors that carry a
// vetted reason) surface their text; anything else collapses to a generic
// message so wrapped OS errors never leak host paths.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var safe interface{ SafeReason() string }
	if errors.As(err, &safe) {
		return safe.SafeReason()
	}
	for _, known := range []error{
		ErrPermissionDenied,
		ErrSpawnRejected,
		ErrFilesystemPolicyViolation,
		ErrToolNotImplemented,
		ErrActionNotFound,
		ErrOracleUnavailable,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
