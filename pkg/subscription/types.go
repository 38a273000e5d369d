// Package subscription implements the immutable value objects of §3/§4.2:
// Event, Recipient, Subscription, SubscriptionSet, and their derived
// CombinedSubscriptionSet, plus document (de)serialization and the
// combination algebra.
package subscription

import (
	"sort"
	"strings"

	"github.com/linkerd/pubsubd/internal/ids"
	"github.com/linkerd/pubsubd/pkg/uri"
)

// Recipient is a delivery target plus an optional bearer token. Equality
// and ordering are derived from URI alone, per §3.
type Recipient struct {
	URI       uri.URI
	AuthToken string
}

// Key returns the string used to compare and sort recipients by URI.
func (r Recipient) Key() string { return r.URI.String() }

// Subscription is an owner-agnostic (channels, resources?, proxy?,
// recipients, cookies?) tuple, as registered in a document or as produced
// by expanding one during combination.
type Subscription struct {
	ID         string
	Channels   []uri.URI
	Resources  []uri.URI
	Proxy      *uri.URI
	Recipients []Recipient
	Cookies    []string
}

// sortedRecipients returns a copy of s.Recipients sorted by Key, for
// deterministic document output and comparison.
func sortedRecipients(rs []Recipient) []Recipient {
	out := make([]Recipient, len(rs))
	copy(out, rs)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func sortedCookies(cs []string) []string {
	out := make([]string, len(cs))
	copy(out, cs)
	sort.Strings(out)
	return out
}

func uniqueSortedCookies(cs []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Normalized returns a copy of s with recipients and cookies sorted, used
// for both deterministic wire output and structural-equality comparisons
// (the Conflict check of §4.3 and the round-trip tests of §8).
func (s Subscription) Normalized() Subscription {
	out := s
	out.Recipients = sortedRecipients(s.Recipients)
	out.Cookies = sortedCookies(uniqueSortedCookies(s.Cookies))
	return out
}

// SubscriptionSet is an owner-scoped collection of subscriptions, as
// registered or replaced via the registry (§4.3).
type SubscriptionSet struct {
	Owner         uri.URI
	Location      string
	AccessKey     string
	Version       *int64
	MaxFailures   int
	Subscriptions []Subscription
}

// Cookies returns the unique set of cookies referenced by every
// subscription in the set, sorted for determinism.
func (s SubscriptionSet) Cookies() []string {
	var all []string
	for _, sub := range s.Subscriptions {
		all = append(all, sub.Cookies...)
	}
	return uniqueSortedCookies(all)
}

// Normalized returns a copy of s with its subscriptions sorted by channel
// (joined) and each subscription's own fields sorted, used by the
// structural-equality Conflict check and round-trip tests.
func (s SubscriptionSet) Normalized() SubscriptionSet {
	out := s
	subs := make([]Subscription, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		subs[i] = sub.Normalized()
	}
	sort.Slice(subs, func(i, j int) bool {
		return channelKey(subs[i]) < channelKey(subs[j])
	})
	out.Subscriptions = subs
	return out
}

func channelKey(s Subscription) string {
	parts := make([]string, len(s.Channels))
	for i, c := range s.Channels {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Equal reports structural equality after normalization — the rule used
// by the registry's Conflict check (§4.3, §9 Open Questions) to decide
// whether a re-POSTed document is identical to one already on file.
// Owner is compared; Location and AccessKey are not: a re-POST from the
// same owner never carries the assigned location/access-key.
func (s SubscriptionSet) Equal(other SubscriptionSet) bool {
	a := s.Normalized()
	b := other.Normalized()
	if !a.Owner.Equal(b.Owner) {
		return false
	}
	if len(a.Subscriptions) != len(b.Subscriptions) {
		return false
	}
	for i := range a.Subscriptions {
		if !subscriptionsEqual(a.Subscriptions[i], b.Subscriptions[i]) {
			return false
		}
	}
	return true
}

func subscriptionsEqual(a, b Subscription) bool {
	if len(a.Channels) != len(b.Channels) {
		return false
	}
	for i := range a.Channels {
		if !a.Channels[i].Equal(b.Channels[i]) {
			return false
		}
	}
	if len(a.Resources) != len(b.Resources) {
		return false
	}
	for i := range a.Resources {
		if !a.Resources[i].Equal(b.Resources[i]) {
			return false
		}
	}
	if (a.Proxy == nil) != (b.Proxy == nil) {
		return false
	}
	if a.Proxy != nil && !a.Proxy.Equal(*b.Proxy) {
		return false
	}
	if len(a.Recipients) != len(b.Recipients) {
		return false
	}
	for i := range a.Recipients {
		if a.Recipients[i].Key() != b.Recipients[i].Key() {
			return false
		}
		if a.Recipients[i].AuthToken != b.Recipients[i].AuthToken {
			return false
		}
	}
	if len(a.Cookies) != len(b.Cookies) {
		return false
	}
	for i := range a.Cookies {
		if a.Cookies[i] != b.Cookies[i] {
			return false
		}
	}
	return true
}

// assignIDs fills in any empty Subscription.ID with a fresh generated one,
// in place, matching §4.2's from_doc behaviour.
func assignIDs(subs []Subscription) {
	for i := range subs {
		if subs[i].ID == "" {
			subs[i].ID = ids.NewSubscriptionID()
		}
	}
}

// Event is an immutable message published to a channel. Payload is
// replayable across every coalesced outbound send.
type Event struct {
	ID         string
	Channel    uri.URI
	Origins    []uri.URI
	Recipients []uri.URI
	Via        []uri.URI
	Payload    Payload
}

// Payload is the opaque body carried by an Event, replayed verbatim (no
// re-encoding) for every coalesced delivery.
type Payload interface {
	// Bytes returns the wire bytes of the payload.
	Bytes() []byte
	// ContentType returns the MIME type to attach to outbound sends.
	ContentType() string
}

// BytesPayload is the simplest Payload: an opaque byte blob with a fixed
// content type.
type BytesPayload struct {
	Body string
	Type string
}

// Bytes implements Payload.
func (p BytesPayload) Bytes() []byte { return []byte(p.Body) }

// ContentType implements Payload.
func (p BytesPayload) ContentType() string {
	if p.Type == "" {
		return "application/octet-stream"
	}
	return p.Type
}

// WithVia returns a copy of e with uri appended to Via, used by the
// delivery engine to mark the registry's own hop before forwarding.
func (e Event) WithVia(u uri.URI) Event {
	via := make([]uri.URI, len(e.Via), len(e.Via)+1)
	copy(via, e.Via)
	via = append(via, u)
	e.Via = via
	return e
}

// WithRecipients returns a copy of e restricted to the given recipients,
// used when a subscription's recipients only partially intersect the
// event's.
func (e Event) WithRecipients(rs []uri.URI) Event {
	e.Recipients = rs
	return e
}

// HasVia reports whether u already appears in e.Via, the loop-prevention
// check of §4.4 step 1.
func (e Event) HasVia(u uri.URI) bool {
	for _, v := range e.Via {
		if v.Equal(u) {
			return true
		}
	}
	return false
}
