// Package pserrors defines the registry-level error kinds of the
// subscription service. Locally-recoverable errors (send failures, retry
// exhaustion) never surface here — only the kinds a REST handler must turn
// into a status code do.
package pserrors

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("%w: ...", Kind) to attach detail and
// test with errors.Is.
var (
	// ErrMalformedDoc marks a subscription-set or event document that is
	// missing a required field (owner, channel, recipients).
	ErrMalformedDoc = errors.New("malformed document")

	// ErrForbidden marks an unknown location, a bad or absent access key,
	// an owner mismatch on update, or a publish targeting a pubsub://
	// channel.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks a register call that resubmits a document
	// structurally identical to one already registered by the same owner.
	ErrConflict = errors.New("conflict")

	// ErrNotModified marks a replace call whose version does not exceed
	// the stored version.
	ErrNotModified = errors.New("not modified")

	// ErrLoop marks a dispatch whose event has already passed through this
	// registry's own service URI.
	ErrLoop = errors.New("loop detected")
)
