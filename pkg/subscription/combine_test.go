package subscription

import (
	"testing"

	"github.com/linkerd/pubsubd/pkg/uri"
)

func mustURI(t *testing.T, raw string) uri.URI {
	t.Helper()
	u, err := uri.Parse(raw)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %s", raw, err)
	}
	return u
}

func TestCombineSplitsMultiChannelSubscriptions(t *testing.T) {
	owner := mustURI(t, "http:///owner1")
	r1 := Recipient{URI: mustURI(t, "http:///r1")}
	set := SubscriptionSet{
		Owner:    owner,
		Location: "loc1",
		Subscriptions: []Subscription{
			{
				Channels:   []uri.URI{mustURI(t, "channel:///a"), mustURI(t, "channel:///b")},
				Recipients: []Recipient{r1},
			},
		},
	}

	combined := Combine([]SubscriptionSet{set}, uri.URI{}, "")
	if len(combined.Subscriptions) != 2 {
		t.Fatalf("expected 2 combined subscriptions, got %d", len(combined.Subscriptions))
	}
	channels := map[string]bool{}
	for _, c := range combined.Subscriptions {
		channels[c.Channel.String()] = true
	}
	if !channels["channel:///a"] || !channels["channel:///b"] {
		t.Fatalf("expected channels a and b, got %v", channels)
	}
}

func TestCombineMergesRecipientsAcrossOwners(t *testing.T) {
	o1 := mustURI(t, "http:///o1")
	o2 := mustURI(t, "http:///o2")
	c1 := mustURI(t, "channel:///c1")
	c2 := mustURI(t, "channel:///c2")
	c3 := mustURI(t, "channel:///c3")
	r1 := Recipient{URI: mustURI(t, "http:///r1")}
	r2 := Recipient{URI: mustURI(t, "http:///r2")}

	s1 := SubscriptionSet{
		Owner:    o1,
		Location: "loc1",
		Subscriptions: []Subscription{
			{Channels: []uri.URI{c1, c2}, Recipients: []Recipient{r1}},
		},
	}
	s2 := SubscriptionSet{
		Owner:    o2,
		Location: "loc2",
		Subscriptions: []Subscription{
			{Channels: []uri.URI{c1, c3}, Recipients: []Recipient{r2}},
		},
	}

	combined := Combine([]SubscriptionSet{s1, s2}, uri.URI{}, "")
	if len(combined.Subscriptions) != 3 {
		t.Fatalf("expected 3 combined subscriptions, got %d", len(combined.Subscriptions))
	}

	byChannel := map[string]CombinedSubscription{}
	for _, c := range combined.Subscriptions {
		byChannel[c.Channel.String()] = c
	}

	c1Entry, ok := byChannel["channel:///c1"]
	if !ok || len(c1Entry.Recipients) != 2 {
		t.Fatalf("expected c1 to have 2 merged recipients, got %+v", c1Entry)
	}
	if len(byChannel["channel:///c2"].Recipients) != 1 {
		t.Fatalf("expected c2 to have exactly r1")
	}
	if len(byChannel["channel:///c3"].Recipients) != 1 {
		t.Fatalf("expected c3 to have exactly r2")
	}
}

func TestCombineDropsPubsubChannels(t *testing.T) {
	owner := mustURI(t, "http:///owner1")
	set := SubscriptionSet{
		Owner:    owner,
		Location: "loc1",
		Subscriptions: []Subscription{
			{
				Channels:   []uri.URI{mustURI(t, "pubsub://*/*")},
				Recipients: []Recipient{{URI: mustURI(t, "http:///subscribers")}},
			},
		},
	}
	combined := Combine([]SubscriptionSet{set}, uri.URI{}, "")
	if len(combined.Subscriptions) != 0 {
		t.Fatalf("expected pubsub subscription to be dropped, got %+v", combined.Subscriptions)
	}
}

func TestCombineMetaKeepsOnlyPubsubChannels(t *testing.T) {
	owner := mustURI(t, "http:///owner1")
	set := SubscriptionSet{
		Owner:    owner,
		Location: "loc1",
		Subscriptions: []Subscription{
			{
				Channels:   []uri.URI{mustURI(t, "pubsub://*/*")},
				Recipients: []Recipient{{URI: mustURI(t, "http://peer.example/subscribers")}},
			},
			{
				Channels:   []uri.URI{mustURI(t, "channel:///ordinary")},
				Recipients: []Recipient{{URI: mustURI(t, "http:///sub1")}},
			},
		},
	}

	metas := CombineMeta([]SubscriptionSet{set})
	if len(metas) != 1 {
		t.Fatalf("expected 1 meta-subscription, got %d", len(metas))
	}
	if metas[0].Channel.String() != "pubsub://*/*" {
		t.Fatalf("expected pubsub channel, got %s", metas[0].Channel)
	}
	if metas[0].Destination.String() != "http://peer.example/subscribers" {
		t.Fatalf("expected destination to resolve to the single recipient, got %s", metas[0].Destination)
	}

	// The ordinary combined view never includes the meta-subscription, and
	// vice versa: the two lists partition the input.
	combined := Combine([]SubscriptionSet{set}, uri.URI{}, "")
	if len(combined.Subscriptions) != 1 || combined.Subscriptions[0].Channel.String() != "channel:///ordinary" {
		t.Fatalf("expected only the ordinary channel in Combine's output, got %+v", combined.Subscriptions)
	}
}

func TestCombineProxyDestinationIsOwnerPublishURI(t *testing.T) {
	owner := mustURI(t, "http://downstream.example/")
	proxy := mustURI(t, "http://internal-proxy.example/fanout")
	set := SubscriptionSet{
		Owner:    owner,
		Location: "loc1",
		Subscriptions: []Subscription{
			{
				Channels:   []uri.URI{mustURI(t, "channel:///foo")},
				Proxy:      &proxy,
				Recipients: []Recipient{{URI: mustURI(t, "http://sub1.example/")}},
			},
		},
	}
	combined := Combine([]SubscriptionSet{set}, uri.URI{}, "")
	if len(combined.Subscriptions) != 1 {
		t.Fatalf("expected 1 combined subscription")
	}
	want := CanonicalPublishURI(owner)
	if !combined.Subscriptions[0].Destination.Equal(want) {
		t.Fatalf("destination = %s, want %s", combined.Subscriptions[0].Destination, want)
	}
}
