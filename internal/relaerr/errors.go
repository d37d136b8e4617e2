// Package relaerr defines the sentinel errors shared across the relay core.
// Boundaries (wire server, management API) map these to structured failures;
// none of them is ever allowed to crash the process.
package relaerr

import "errors"

var (
	// ErrAuth covers every credential failure. It deliberately does not
	// distinguish unknown-user from wrong-password.
	ErrAuth = errors.New("authentication failed")

	// ErrValidation marks a malformed request payload.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound marks an unknown user, session, or command id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks an id collision.
	ErrDuplicate = errors.New("already exists")

	// ErrQueueFull is returned by submit when the command queue is at its
	// configured bound.
	ErrQueueFull = errors.New("command queue full")

	// ErrSessionGone marks a command whose session disconnected between
	// submit and dequeue.
	ErrSessionGone = errors.New("session gone")

	// ErrTimeout marks a command whose automation step exceeded its deadline.
	ErrTimeout = errors.New("command timed out")

	// ErrCaptureUnavailable marks a failed invocation of the capture
	// primitive.
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrLastAdmin guards deletion of the sole remaining admin user.
	ErrLastAdmin = errors.New("cannot delete the last admin")
)
