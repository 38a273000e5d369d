// Package ids generates the opaque identifiers the registry hands out:
// subscription-set locations, access keys, and default event/subscription
// ids. None of these need to be guessable, so a UUIDv4 is sufficient.
package ids

import "github.com/google/uuid"

// NewLocation returns a fresh opaque registry key.
func NewLocation() string { return uuid.NewString() }

// NewAccessKey returns a fresh capability token for a subscription set.
func NewAccessKey() string { return uuid.NewString() }

// NewEventID returns a fresh event id, used only when the caller does not
// supply one.
func NewEventID() string { return uuid.NewString() }

// NewSubscriptionID returns a fresh subscription id, used only when the
// caller does not supply one.
func NewSubscriptionID() string { return uuid.NewString() }
