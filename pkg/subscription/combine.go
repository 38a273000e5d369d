package subscription

import (
	"sort"
	"strings"

	"github.com/linkerd/pubsubd/pkg/uri"
)

// metaScheme is the scheme of the meta-channel pubsub://*/* naming
// combined-set updates (§4.5). Subscriptions whose channel scheme is "pubsub" are meta-
// subscriptions and must never be echoed into a combined set (§3 step 2,
// §8 invariant, §9 design notes).
const metaScheme = "pubsub"

// Source records which registered set contributed a combined entry, so
// the delivery engine can attribute a send's success or failure to the
// right locations for the eviction accounting of §4.4.
type Source struct {
	Owner    uri.URI
	Location string
}

// CombinedSubscription is one entry of a CombinedSubscriptionSet: a
// single-channel subscription with recipients merged across every
// contributing registered set.
type CombinedSubscription struct {
	Channel     uri.URI
	Resources   []uri.URI
	Proxy       *uri.URI
	Recipients  []Recipient
	Cookies     []string
	Destination uri.URI // zero if not resolvable to a single URI (see resolveDestination)
	Sources     []Source
}

// CombinedSubscriptionSet is the normalized, merged view of every
// registered set, recomputed on every registry mutation (§3, §4.3).
type CombinedSubscriptionSet struct {
	Subscriptions []CombinedSubscription
	Cookies       []string
}

type groupKey struct {
	channel   string
	resources string
	proxy     string
	owner     string // only populated when proxy != ""; proxy destinations are owner-scoped (see DESIGN.md)
}

// CanonicalPublishURI returns the canonical "publish" endpoint of owner,
// the coalescing destination substituted for any subscription that
// declares a proxy (§3 CombinedSubscriptionSet step 4): upstream senders
// deliver to the owner's own publish endpoint rather than to the owner's
// internal proxy address, letting the owner re-dispatch locally using its
// own registry.
func CanonicalPublishURI(owner uri.URI) uri.URI {
	return uri.New(owner.Scheme, owner.Host, "publish")
}

// Combine implements §4.2's combine(sets, owner, default_cookie): expands
// multi-channel subscriptions, drops pubsub:// meta-subscriptions, merges
// subscriptions sharing an identical (channel, resources, proxy) tuple,
// resolves each entry's dispatch destination, and collects the union of
// referenced cookies. Subscriptions that declare a proxy are merged only
// with those of the same owner; proxied subscriptions from different owners
// stay separate entries even when their tuples are identical.
//
// selfOwner is this registry's own canonical URI; the merge does not
// consult it. default_cookie is attached to any merged entry that ends up
// with no cookie of its own.
func Combine(sets []SubscriptionSet, selfOwner uri.URI, defaultCookie string) CombinedSubscriptionSet {
	_ = selfOwner // not consulted; see doc comment

	out, allCookies := groupSubscriptions(sets, defaultCookie, func(scheme string) bool {
		return !strings.EqualFold(scheme, metaScheme)
	})

	return CombinedSubscriptionSet{
		Subscriptions: out,
		Cookies:       uniqueSortedCookies(allCookies),
	}
}

// CombineMeta extracts and merges this registry's own pubsub:// meta-
// subscriptions (§4.5) — the mirror image of Combine, which drops them.
// PushUpstream consults this list to find every peer that registered to
// receive this registry's combined-set pushes; it is never part of the
// CombinedSubscriptionSet served to ordinary dispatch or to GET
// /subscribers, since §3 step 2 requires meta-subscriptions never appear
// there.
func CombineMeta(sets []SubscriptionSet) []CombinedSubscription {
	out, _ := groupSubscriptions(sets, "", func(scheme string) bool {
		return strings.EqualFold(scheme, metaScheme)
	})
	return out
}

// groupSubscriptions implements the shared merge machinery behind Combine
// and CombineMeta: expand multi-channel subscriptions, keep only channels
// for which includeScheme(scheme) is true, merge entries sharing an
// identical (channel, resources, proxy) tuple (plus the owner, when a proxy
// is set), resolve each entry's
// dispatch destination, and collect the union of referenced cookies.
func groupSubscriptions(sets []SubscriptionSet, defaultCookie string, includeScheme func(scheme string) bool) ([]CombinedSubscription, []string) {
	groups := map[groupKey]*CombinedSubscription{}
	var order []groupKey

	for _, set := range sets {
		for _, sub := range set.Subscriptions {
			for _, ch := range sub.Channels {
				if !includeScheme(ch.Scheme) {
					continue
				}
				key := makeGroupKey(ch, sub.Resources, sub.Proxy, set.Owner)
				entry, ok := groups[key]
				if !ok {
					entry = &CombinedSubscription{
						Channel:   ch,
						Resources: sub.Resources,
						Proxy:     sub.Proxy,
					}
					groups[key] = entry
					order = append(order, key)
				}
				entry.Recipients = append(entry.Recipients, sub.Recipients...)
				entry.Cookies = append(entry.Cookies, sub.Cookies...)
				entry.Sources = append(entry.Sources, Source{Owner: set.Owner, Location: set.Location})
			}
		}
	}

	out := make([]CombinedSubscription, 0, len(order))
	var allCookies []string
	for _, key := range order {
		entry := groups[key]
		entry.Recipients = dedupeRecipients(entry.Recipients)
		entry.Cookies = uniqueSortedCookies(entry.Cookies)
		if len(entry.Cookies) == 0 && defaultCookie != "" {
			entry.Cookies = []string{defaultCookie}
		}
		entry.Destination = resolveDestination(*entry)
		allCookies = append(allCookies, entry.Cookies...)
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Channel.String() < out[j].Channel.String() })
	return out, allCookies
}

func makeGroupKey(channel uri.URI, resources []uri.URI, proxy *uri.URI, owner uri.URI) groupKey {
	resParts := make([]string, len(resources))
	for i, r := range resources {
		resParts[i] = r.String()
	}
	sort.Strings(resParts)

	k := groupKey{
		channel:   channel.String(),
		resources: strings.Join(resParts, ","),
	}
	if proxy != nil {
		k.proxy = proxy.String()
		k.owner = owner.String()
	}
	return k
}

func dedupeRecipients(rs []Recipient) []Recipient {
	seen := map[string]Recipient{}
	order := make([]string, 0, len(rs))
	for _, r := range rs {
		key := r.Key()
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = r // last auth-token wins if recipients disagree
	}
	out := make([]Recipient, len(order))
	for i, key := range order {
		out[i] = seen[key]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// resolveDestination computes where this entry's deliveries are actually
// sent. A proxy always wins (rewritten to the owning source's canonical
// publish URI). With no proxy and exactly one recipient, that recipient is
// the destination. With no proxy and multiple recipients, there is no
// single destination — the delivery engine explodes such an entry into
// one destination group per recipient (§4.4 Coalescing).
func resolveDestination(entry CombinedSubscription) uri.URI {
	if entry.Proxy != nil {
		if len(entry.Sources) > 0 {
			return CanonicalPublishURI(entry.Sources[0].Owner)
		}
		return uri.URI{}
	}
	if len(entry.Recipients) == 1 {
		return entry.Recipients[0].URI
	}
	return uri.URI{}
}
