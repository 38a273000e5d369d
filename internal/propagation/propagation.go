// Package propagation implements the hierarchical propagation protocol of
// §4.5: downstream self-subscription to configured peers at startup,
// assimilation of a peer's combined-set pushes into the local registry,
// and upstream pushes of this registry's own combined set whenever it
// changes. Grounded on the teacher's endpoint-watcher subscribe/notify
// idiom (controller/destination/endpoints_watcher.go) for the observer
// wiring, and on its admin/flags packages for the owning process's
// structured logging conventions.
package propagation

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/registry"
	"github.com/linkerd/pubsubd/pkg/subscription"
	"github.com/linkerd/pubsubd/pkg/uri"
	"github.com/sirupsen/logrus"
)

// metaChannel names combined-set updates, §4.5.
var metaChannel = uri.MustParse("pubsub://*/*")

// PushChannelHeader marks an inbound POST /subscribers body as a
// combined-set push rather than an ordinary registration document, so the
// REST layer can route it to Assimilate instead of Register. This is a
// pubsubd-specific wire convention filling a gap the spec leaves
// unaddressed (see DESIGN.md Open Questions).
const PushChannelHeader = "Dream-Event-Channel"

// Propagator drives the upstream/downstream sides of the propagation
// protocol against a single local Registry.
type Propagator struct {
	selfURI        uri.URI
	subscribersURI uri.URI
	reg            *registry.Registry
	client         *http.Client
	log            *logrus.Entry
}

// New constructs a Propagator. selfURI is this service's own canonical
// URI (used as Owner when self-subscribing to peers); subscribersURI is
// the externally reachable address of this service's own POST
// /subscribers endpoint, advertised to peers as the recipient of their
// combined-set pushes.
func New(selfURI, subscribersURI uri.URI, reg *registry.Registry, client *http.Client) *Propagator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Propagator{
		selfURI:        selfURI,
		subscribersURI: subscribersURI,
		reg:            reg,
		client:         client,
		log:            log.WithComponent("propagation"),
	}
}

// downstreamLocation derives the registry location under which a peer's
// combined-set pushes are stored, deterministically keyed by the peer's
// own URI so repeated pushes replace rather than duplicate.
func downstreamLocation(peer uri.URI) string {
	return "peer:" + peer.String()
}

// SelfSubscribe implements §4.5's downstream self-subscription: for each
// configured peer, POST a meta-subscription document naming this service
// as the recipient of the peer's future combined-set pushes. Each peer is
// contacted concurrently and independently; a failure to reach one peer
// does not block the others.
func (p *Propagator) SelfSubscribe(ctx context.Context, peers []string) {
	for _, raw := range peers {
		peerURI, err := uri.Parse(raw)
		if err != nil {
			p.log.Errorf("invalid downstream peer %q: %s", raw, err)
			continue
		}
		go p.selfSubscribeToPeer(ctx, peerURI)
	}
}

func (p *Propagator) selfSubscribeToPeer(ctx context.Context, peer uri.URI) {
	metaSub := subscription.Subscription{
		Channels:   []uri.URI{metaChannel},
		Recipients: []subscription.Recipient{{URI: p.subscribersURI}},
	}
	set := subscription.SubscriptionSet{Owner: p.selfURI, Subscriptions: []subscription.Subscription{metaSub}}
	doc := subscription.AsDoc(set, false)

	body, err := doc.Marshal()
	if err != nil {
		p.log.Errorf("marshal self-subscription for peer %s: %s", peer, err)
		return
	}

	target := peer.String() + "/subscribers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		p.log.Errorf("build self-subscription request for peer %s: %s", peer, err)
		return
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warnf("self-subscribe to peer %s failed: %s", peer, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		p.log.Warnf("self-subscribe to peer %s: unexpected status %d", peer, resp.StatusCode)
		return
	}
	p.log.Infof("self-subscribed to peer %s (status %d)", peer, resp.StatusCode)
}

// Assimilate implements the receiving half of §4.5: a combined-set push
// from peer is merged into the local registry as the "downstream set"
// rooted at a location derived from the peer's identity, with provenance
// = that peer.
func (p *Propagator) Assimilate(peer uri.URI, pushed subscription.SubscriptionSet) subscription.SubscriptionSet {
	location := downstreamLocation(peer)
	set := p.reg.AdoptDownstream(location, peer, pushed.Subscriptions)
	p.log.Infof("assimilated combined-set push from peer %s (%d subscriptions)", peer, len(pushed.Subscriptions))
	return set
}

// PushUpstream implements §4.5's upstream push: invoked as a
// registry.OnMetaSubscriptionsUpdated observer with the registry's current
// list of merged pubsub:// meta-subscriptions, it POSTs this registry's
// current combined-set document to each meta-subscriber's destination.
// metaSubs never appears in the CombinedSubscriptionSet served to ordinary
// dispatch (§3 step 2), which is why it is threaded through as its own
// argument rather than read off reg.CombinedSet().
func (p *Propagator) PushUpstream(ctx context.Context, metaSubs []subscription.CombinedSubscription) {
	var destinations []subscription.CombinedSubscription
	for _, c := range metaSubs {
		if c.Destination.IsZero() {
			continue
		}
		destinations = append(destinations, c)
	}
	if len(destinations) == 0 {
		return
	}

	doc := combinedToDoc(p.selfURI, p.reg.CombinedSet())
	body, err := doc.Marshal()
	if err != nil {
		p.log.Errorf("marshal combined-set push document: %s", err)
		return
	}

	for _, c := range destinations {
		go p.pushTo(ctx, c, body)
	}
}

func (p *Propagator) pushTo(ctx context.Context, entry subscription.CombinedSubscription, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.Destination.String(), bytes.NewReader(body))
	if err != nil {
		p.log.Errorf("build upstream push request to %s: %s", entry.Destination, err)
		return
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set(PushChannelHeader, metaChannel.String())

	resp, err := p.client.Do(req)
	success := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if err != nil {
		p.log.Warnf("upstream push to %s failed: %s", entry.Destination, err)
	} else {
		defer resp.Body.Close()
		if !success {
			p.log.Warnf("upstream push to %s returned status %d", entry.Destination, resp.StatusCode)
		}
	}

	for _, source := range entry.Sources {
		p.reg.RecordResult(source.Location, success)
	}
}

// combinedToDoc renders a CombinedSubscriptionSet as a subscription-set
// document for the wire, attributing the whole push to owner (this
// service's own URI) since the combined view deliberately discards
// per-entry owner provenance (§3).
func combinedToDoc(owner uri.URI, combined subscription.CombinedSubscriptionSet) subscription.Doc {
	subs := make([]subscription.Subscription, len(combined.Subscriptions))
	for i, c := range combined.Subscriptions {
		subs[i] = subscription.Subscription{
			Channels:   []uri.URI{c.Channel},
			Resources:  c.Resources,
			Proxy:      c.Proxy,
			Recipients: c.Recipients,
			Cookies:    c.Cookies,
		}
	}
	set := subscription.SubscriptionSet{Owner: owner, Subscriptions: subs}
	return subscription.AsDoc(set, false)
}
