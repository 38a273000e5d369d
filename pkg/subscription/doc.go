package subscription

import (
	"encoding/xml"
	"fmt"

	"github.com/linkerd/pubsubd/internal/ids"
	"github.com/linkerd/pubsubd/internal/pserrors"
	"github.com/linkerd/pubsubd/pkg/uri"
)

// recipientDoc is the wire form of a <recipient> element.
type recipientDoc struct {
	XMLName   xml.Name `xml:"recipient"`
	AuthToken string   `xml:"auth-token,attr,omitempty"`
	URI       string   `xml:"uri"`
}

// subscriptionDoc is the wire form of a <subscription> element, §6.1.
type subscriptionDoc struct {
	XMLName    xml.Name       `xml:"subscription"`
	ID         string         `xml:"id,attr,omitempty"`
	Channels   []string       `xml:"channel"`
	Resources  []string       `xml:"uri.resource,omitempty"`
	Proxy      string         `xml:"uri.proxy,omitempty"`
	Cookies    []string       `xml:"set-cookie,omitempty"`
	Recipients []recipientDoc `xml:"recipient"`
}

// Doc is the wire form of a <subscription-set> element (request and
// response shape of §6.1 — AccessKey/Location are populated only on the
// POST /subscribers response).
type Doc struct {
	XMLName     xml.Name          `xml:"subscription-set"`
	MaxFailures int               `xml:"max-failures,attr,omitempty"`
	Version     *int64            `xml:"version,attr,omitempty"`
	Owner       string            `xml:"uri.owner"`
	AccessKey   string            `xml:"access-key,omitempty"`
	Location    string            `xml:"uri.location,omitempty"`
	Subscriptions []subscriptionDoc `xml:"subscription"`
}

// ParseDoc decodes a subscription-set document from its XML wire form.
func ParseDoc(data []byte) (Doc, error) {
	var d Doc
	if err := xml.Unmarshal(data, &d); err != nil {
		return Doc{}, fmt.Errorf("%w: %s", pserrors.ErrMalformedDoc, err)
	}
	return d, nil
}

// Marshal renders d to its XML wire form.
func (d Doc) Marshal() ([]byte, error) {
	return xml.MarshalIndent(d, "", "  ")
}

// ToSet validates d and converts it to a SubscriptionSet with no assigned
// location/access-key — the caller (from_doc or derive) is responsible for
// those. Returns pserrors.ErrMalformedDoc on any missing required field.
func (d Doc) ToSet() (SubscriptionSet, error) {
	if d.Owner == "" {
		return SubscriptionSet{}, fmt.Errorf("%w: missing uri.owner", pserrors.ErrMalformedDoc)
	}
	owner, err := uri.Parse(d.Owner)
	if err != nil {
		return SubscriptionSet{}, fmt.Errorf("%w: uri.owner: %s", pserrors.ErrMalformedDoc, err)
	}
	if len(d.Subscriptions) == 0 {
		return SubscriptionSet{}, fmt.Errorf("%w: no subscriptions", pserrors.ErrMalformedDoc)
	}

	subs := make([]Subscription, 0, len(d.Subscriptions))
	for _, sd := range d.Subscriptions {
		sub, err := sd.toSubscription()
		if err != nil {
			return SubscriptionSet{}, err
		}
		subs = append(subs, sub)
	}

	return SubscriptionSet{
		Owner:         owner,
		Version:       d.Version,
		MaxFailures:   d.MaxFailures,
		Subscriptions: subs,
	}, nil
}

func (sd subscriptionDoc) toSubscription() (Subscription, error) {
	if len(sd.Channels) == 0 {
		return Subscription{}, fmt.Errorf("%w: subscription has no channel", pserrors.ErrMalformedDoc)
	}
	if len(sd.Recipients) == 0 {
		return Subscription{}, fmt.Errorf("%w: subscription has no recipients", pserrors.ErrMalformedDoc)
	}

	channels := make([]uri.URI, 0, len(sd.Channels))
	for _, c := range sd.Channels {
		u, err := uri.Parse(c)
		if err != nil {
			return Subscription{}, fmt.Errorf("%w: channel: %s", pserrors.ErrMalformedDoc, err)
		}
		channels = append(channels, u)
	}

	var resources []uri.URI
	for _, r := range sd.Resources {
		u, err := uri.Parse(r)
		if err != nil {
			return Subscription{}, fmt.Errorf("%w: uri.resource: %s", pserrors.ErrMalformedDoc, err)
		}
		resources = append(resources, u)
	}

	var proxy *uri.URI
	if sd.Proxy != "" {
		u, err := uri.Parse(sd.Proxy)
		if err != nil {
			return Subscription{}, fmt.Errorf("%w: uri.proxy: %s", pserrors.ErrMalformedDoc, err)
		}
		proxy = &u
	}

	recipients := make([]Recipient, 0, len(sd.Recipients))
	for _, rd := range sd.Recipients {
		if rd.URI == "" {
			return Subscription{}, fmt.Errorf("%w: recipient missing uri", pserrors.ErrMalformedDoc)
		}
		u, err := uri.Parse(rd.URI)
		if err != nil {
			return Subscription{}, fmt.Errorf("%w: recipient uri: %s", pserrors.ErrMalformedDoc, err)
		}
		recipients = append(recipients, Recipient{URI: u, AuthToken: rd.AuthToken})
	}

	return Subscription{
		ID:         sd.ID,
		Channels:   channels,
		Resources:  resources,
		Proxy:      proxy,
		Recipients: recipients,
		Cookies:    append([]string(nil), sd.Cookies...),
	}, nil
}

// AsDoc renders a SubscriptionSet to its wire Doc form. includeCapability
// controls whether AccessKey/Location are populated, matching the
// difference between the POST /subscribers response (true) and a plain
// GET (false, since the caller already knows its own access key).
func AsDoc(s SubscriptionSet, includeCapability bool) Doc {
	n := s.Normalized()
	d := Doc{
		MaxFailures: n.MaxFailures,
		Version:     n.Version,
		Owner:       n.Owner.String(),
	}
	if includeCapability {
		d.AccessKey = n.AccessKey
		// Location is the bare opaque registry key here; the REST layer
		// (which alone knows its own external base URL) rewrites this into
		// the full "…/subscribers/{location}?access-key=…" form of §6.1
		// before the document reaches the wire.
		d.Location = n.Location
	}
	d.Subscriptions = make([]subscriptionDoc, len(n.Subscriptions))
	for i, sub := range n.Subscriptions {
		d.Subscriptions[i] = subscriptionToDoc(sub)
	}
	return d
}

func subscriptionToDoc(s Subscription) subscriptionDoc {
	sd := subscriptionDoc{ID: s.ID}
	sd.Channels = make([]string, len(s.Channels))
	for i, c := range s.Channels {
		sd.Channels[i] = c.String()
	}
	for _, r := range s.Resources {
		sd.Resources = append(sd.Resources, r.String())
	}
	if s.Proxy != nil {
		sd.Proxy = s.Proxy.String()
	}
	sd.Cookies = append(sd.Cookies, s.Cookies...)
	sd.Recipients = make([]recipientDoc, len(s.Recipients))
	for i, r := range s.Recipients {
		sd.Recipients[i] = recipientDoc{AuthToken: r.AuthToken, URI: r.URI.String()}
	}
	return sd
}

// FromDoc validates doc and constructs a brand-new SubscriptionSet with a
// freshly generated location and access key (§4.2 from_doc).
func FromDoc(doc Doc) (SubscriptionSet, error) {
	set, err := doc.ToSet()
	if err != nil {
		return SubscriptionSet{}, err
	}
	set.Location = ids.NewLocation()
	set.AccessKey = ids.NewAccessKey()
	assignIDs(set.Subscriptions)
	return set, nil
}
