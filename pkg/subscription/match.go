package subscription

import "github.com/linkerd/pubsubd/pkg/uri"

// MatchesChannel reports whether the entry's channel matches the event's,
// per §4.4 candidate selection step 1 (the entry is already single-channel
// after Combine, so this is a direct pattern match).
func (c CombinedSubscription) MatchesChannel(event Event) bool {
	return uri.Matches(c.Channel, event.Channel, false)
}

// MatchesResources reports whether the entry passes the resource filter of
// §4.4 step 2: a subscription with no resource filter accepts every event
// (including https origins); otherwise at least one declared resource
// pattern must match at least one of the event's origins.
func (c CombinedSubscription) MatchesResources(event Event) bool {
	if len(event.Origins) == 0 {
		return true
	}
	if len(c.Resources) == 0 {
		return true
	}
	for _, pattern := range c.Resources {
		for _, origin := range event.Origins {
			if uri.Matches(pattern, origin, false) {
				return true
			}
		}
	}
	return false
}

// IntersectRecipients implements §4.4 step 3: if the event restricts
// recipients, only the overlap between the event's recipient list and the
// entry's own recipients matches, and only that overlap is forwarded. If
// the event does not restrict recipients, every recipient of the entry is
// forwarded unchanged.
//
// ok is false when the event restricts recipients and the intersection is
// empty — the entry does not match at all.
func (c CombinedSubscription) IntersectRecipients(event Event) (recipients []Recipient, ok bool) {
	if len(event.Recipients) == 0 {
		return c.Recipients, true
	}
	wanted := make(map[string]struct{}, len(event.Recipients))
	for _, r := range event.Recipients {
		wanted[r.String()] = struct{}{}
	}
	var out []Recipient
	for _, r := range c.Recipients {
		if _, ok := wanted[r.URI.String()]; ok {
			out = append(out, r)
		}
	}
	return out, len(out) > 0
}
