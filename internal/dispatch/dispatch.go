// Package dispatch implements the delivery engine of §4.4: loop
// prevention, candidate selection against the registry's combined set,
// coalescing by destination, transport fan-out, retry, and per-location
// failure accounting. Fan-out uses golang.org/x/sync/errgroup in the shape
// of the teacher's controller/destination worker-pool fan-out for
// concurrent endpoint updates.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/pserrors"
	"github.com/linkerd/pubsubd/internal/registry"
	"github.com/linkerd/pubsubd/pkg/subscription"
	"github.com/linkerd/pubsubd/pkg/uri"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const metaScheme = "pubsub"

// OutboundMessage is what a Transport actually sends: the event,
// augmented with this registry's hop and any recipient intersection, plus
// the cookie header value accumulated from the contributing subscriptions.
type OutboundMessage struct {
	Event  subscription.Event
	Cookie string
}

// Transport is the injectable send capability of §4.4 step 4.
type Transport interface {
	Send(ctx context.Context, dest uri.URI, msg OutboundMessage) (status int, err error)
}

// HTTPTransport is a Transport backed by a real http.Client, mapping the
// event onto the §6.2 header scheme and the payload onto the body.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport using client, or a default
// client with no timeout of its own (the dispatcher applies its own
// per-call timeout via context).
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{Client: client}
}

// Send implements Transport over HTTP per §6.2's event header mapping.
func (t *HTTPTransport) Send(ctx context.Context, dest uri.URI, msg OutboundMessage) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(msg.Event.Payload.Bytes()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", msg.Event.Payload.ContentType())
	req.Header.Set("Dream-Event-Id", msg.Event.ID)
	req.Header.Set("Dream-Event-Channel", msg.Event.Channel.String())
	for _, o := range msg.Event.Origins {
		req.Header.Add("Dream-Event-Origin", o.String())
	}
	for _, r := range msg.Event.Recipients {
		req.Header.Add("Dream-Event-Recipients", r.String())
	}
	for _, v := range msg.Event.Via {
		req.Header.Add("Dream-Event-Via", v.String())
	}
	if msg.Cookie != "" {
		req.Header.Set("Cookie", msg.Cookie)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Dispatcher implements §4.4 against a registry's combined set.
type Dispatcher struct {
	selfURI     uri.URI
	reg         *registry.Registry
	transport   Transport
	sendTimeout time.Duration
	retryBudget int
	log         *logrus.Entry
}

// New constructs a Dispatcher. selfURI is appended to every outbound
// event's Via and compared against incoming events for loop prevention.
// retryBudget is the number of additional attempts made for a single
// outbound send, after the first, before it counts as one failure toward
// a location's max-failures budget; 0 means send once with no retries.
func New(selfURI uri.URI, reg *registry.Registry, transport Transport, sendTimeout time.Duration, retryBudget int) *Dispatcher {
	return &Dispatcher{
		selfURI:     selfURI,
		reg:         reg,
		transport:   transport,
		sendTimeout: sendTimeout,
		retryBudget: retryBudget,
		log:         log.WithComponent("dispatch"),
	}
}

// Dispatch implements §4.4: validates the event synchronously (loop check,
// meta-channel guard) and enqueues the actual fan-out asynchronously. The
// call returns as soon as the work is enqueued, per §4.4's concurrency
// note.
func (d *Dispatcher) Dispatch(event subscription.Event) error {
	if event.HasVia(d.selfURI) {
		return fmt.Errorf("%w: event already traversed this service", pserrors.ErrLoop)
	}
	if strings.EqualFold(event.Channel.Scheme, metaScheme) {
		return fmt.Errorf("%w: cannot publish to meta channel", pserrors.ErrForbidden)
	}

	go d.dispatchAsync(event)
	return nil
}

type destGroup struct {
	destination uri.URI
	restricted  bool
	recipients  map[string]uri.URI
	cookies     map[string]struct{}
	locations   map[string]struct{}
}

func (d *Dispatcher) dispatchAsync(event subscription.Event) {
	combined := d.reg.CombinedSet()
	groups := map[string]*destGroup{}
	var order []string

	addToGroup := func(dest uri.URI, recipients []subscription.Recipient, restricted bool, cookies []string, sources []subscription.Source) {
		if dest.IsZero() {
			return
		}
		key := dest.String()
		g, ok := groups[key]
		if !ok {
			g = &destGroup{
				destination: dest,
				recipients:  map[string]uri.URI{},
				cookies:     map[string]struct{}{},
				locations:   map[string]struct{}{},
			}
			groups[key] = g
			order = append(order, key)
		}
		g.restricted = g.restricted || restricted
		for _, r := range recipients {
			g.recipients[r.Key()] = r.URI
		}
		for _, c := range cookies {
			g.cookies[c] = struct{}{}
		}
		for _, s := range sources {
			g.locations[s.Location] = struct{}{}
		}
	}

	restricted := len(event.Recipients) > 0

	for _, c := range combined.Subscriptions {
		if !c.MatchesChannel(event) || !c.MatchesResources(event) {
			continue
		}
		recipients, ok := c.IntersectRecipients(event)
		if !ok {
			continue
		}

		if c.Proxy != nil {
			addToGroup(c.Destination, recipients, restricted, c.Cookies, c.Sources)
			continue
		}
		if len(recipients) <= 1 {
			addToGroup(c.Destination, recipients, restricted, c.Cookies, c.Sources)
			continue
		}
		// No proxy and multiple recipients: there is no single combined
		// destination (§3 resolveDestination), so explode into one
		// destination group per recipient.
		for _, r := range recipients {
			addToGroup(r.URI, []subscription.Recipient{r}, restricted, c.Cookies, c.Sources)
		}
	}

	if len(order) == 0 {
		return
	}

	var eg errgroup.Group
	for _, key := range order {
		g := groups[key]
		eg.Go(func() error {
			d.sendToGroup(event, g)
			return nil
		})
	}
	_ = eg.Wait()
}

func (d *Dispatcher) sendToGroup(event subscription.Event, g *destGroup) {
	outEvent := event.WithVia(d.selfURI)
	if g.restricted {
		recipients := make([]uri.URI, 0, len(g.recipients))
		for _, r := range g.recipients {
			recipients = append(recipients, r)
		}
		sort.Slice(recipients, func(i, j int) bool { return recipients[i].String() < recipients[j].String() })
		outEvent = outEvent.WithRecipients(recipients)
	}

	cookies := make([]string, 0, len(g.cookies))
	for c := range g.cookies {
		cookies = append(cookies, c)
	}
	sort.Strings(cookies)

	msg := OutboundMessage{
		Event:  outEvent,
		Cookie: strings.Join(cookies, "; "),
	}

	var status int
	var err error
	for attempt := 0; attempt <= d.retryBudget; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		status, err = d.transport.Send(ctx, g.destination, msg)
		cancel()
		if err == nil && status >= 200 && status < 300 {
			break
		}
		if attempt < d.retryBudget {
			d.log.Warnf("send to %s attempt %d failed, retrying: status=%d err=%v", g.destination, attempt+1, status, err)
		}
	}

	success := err == nil && status >= 200 && status < 300
	if err != nil {
		d.log.Warnf("send to %s failed: %s", g.destination, err)
	} else if !success {
		d.log.Warnf("send to %s returned status %d", g.destination, status)
	}

	for loc := range g.locations {
		d.reg.RecordResult(loc, success)
	}
}
