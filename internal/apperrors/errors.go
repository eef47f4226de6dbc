package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator's error taxonomy. Callers classify
// with the Is* helpers rather than matching message strings.
var (
	// ErrNotFound marks a reference to an unknown job or worker node.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a state collision, such as claiming a node that is
	// not idle. Internal callers retry on the next scheduling pass.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition marks an illegal job state machine transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnreachable marks a dispatch send to a worker whose channel is not
	// connected. The caller must requeue the job immediately.
	ErrUnreachable = errors.New("unreachable")

	// ErrInvalidArgument marks a malformed request rejected at submission time.
	ErrInvalidArgument = errors.New("invalid argument")
)

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func Unreachablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnreachable, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }
func IsUnreachable(err error) bool       { return errors.Is(err, ErrUnreachable) }
func IsInvalidArgument(err error) bool   { return errors.Is(err, ErrInvalidArgument) }
