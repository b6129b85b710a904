package pagetest

import (
	"context"
	"errors"
)

// Error taxonomy. Poll loops resolve these per job; callers only ever see a terminal status
// plus the detail string derived from them.
var (
	// ErrTransport covers network failures and timeouts; retryable.
	ErrTransport = errors.New("transport error")
	// ErrBlocked signals the provider's anti-automation defenses; terminal for the job.
	ErrBlocked = errors.New("provider blocked request")
	// ErrMalformed signals an unparseable or unrecognizable body; retried briefly.
	ErrMalformed = errors.New("malformed provider response")
	// ErrTimeout signals the attempt ceiling or wall-clock budget was exceeded.
	ErrTimeout = errors.New("timed out waiting for provider")
	// ErrNotFound signals the provider does not know the job id; never retried.
	ErrNotFound = errors.New("test not found")
	// ErrRemoteRejected signals the provider refused a submission.
	ErrRemoteRejected = errors.New("provider rejected submission")
	// ErrInvalidResponse signals a submission response without a test id.
	ErrInvalidResponse = errors.New("invalid provider response")
	// ErrBusy signals the concurrency gate is full.
	ErrBusy = errors.New("too many tests in flight")
	// ErrJobNotFound signals an unknown job id in the status store.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvariant signals a patch that would break a record invariant.
	ErrInvariant = errors.New("record invariant violated")
	// ErrInvalidInput signals a caller-supplied url or payload the engine refuses.
	ErrInvalidInput = errors.New("invalid input")
)

// DetailFor maps an error to the human-readable detail persisted on a failed job.
func DetailFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBlocked):
		return "the testing service is temporarily rate-limiting requests, retry later"
	case errors.Is(err, ErrNotFound):
		return "the testing service does not know this test id"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "the test did not complete within the allowed time"
	default:
		return err.Error()
	}
}
