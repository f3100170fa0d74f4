package cli

import "fmt"

// Exit codes beyond the generic 1.
const (
	// ExitRejected means the server answered but refused the request.
	ExitRejected = 2
	// ExitUnavailable means the server could not be reached.
	ExitUnavailable = 3
)

// ExitError carries a process exit code out of a command. main prints
// Message, if any, and exits with Code.
type ExitError struct {
	code    int
	message string
}

func exitErrorf(code int, format string, args ...any) *ExitError {
	return &ExitError{code: code, message: fmt.Sprintf(format, args...)}
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil || e.code == 0 {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}
