package restapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/linkerd/pubsubd/internal/dispatch"
	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/propagation"
	"github.com/linkerd/pubsubd/internal/registry"
	"github.com/linkerd/pubsubd/pkg/subscription"
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

func waitUntil(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

const testPublishToken = "test-internal-publish-token"

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	ts, reg, _ := newTestServerWithPropagation(t)
	return ts, reg
}

// newTestServerWithPropagation is the fuller wiring used by the
// propagation/meta-subscription tests (S6), which need a real Propagator
// rather than a nil one.
func newTestServerWithPropagation(t *testing.T) (*httptest.Server, *registry.Registry, *propagation.Propagator) {
	t.Helper()
	selfURI := mustURI(t, "http://pubsubd.example/")
	reg := registry.New(selfURI, "")
	t.Cleanup(reg.Close)

	d := dispatch.New(selfURI, reg, dispatch.NewHTTPTransport(nil), time.Second, 0)
	p := propagation.New(selfURI, mustURI(t, "http://pubsubd.example/subscribers"), reg, nil)
	srv := &Server{
		router:       httprouter.New(),
		reg:          reg,
		dispatcher:   d,
		propagator:   p,
		selfURI:      selfURI,
		publishToken: testPublishToken,
		log:          log.WithComponent("restapi-test"),
	}
	srv.router.POST("/subscribers", srv.handleSubscribersPost)
	srv.router.GET("/subscribers", srv.handleSubscribersGetCombined)
	srv.router.GET("/subscribers/:location", srv.handleSubscriberGet)
	srv.router.PUT("/subscribers/:location", srv.handleSubscriberPut)
	srv.router.DELETE("/subscribers/:location", srv.handleSubscriberDelete)
	srv.router.POST("/publish", srv.handlePublish)
	srv.router.GET("/diagnostics/subscriptions", srv.handleDiagnostics)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, reg, p
}

// locationKey extracts the bare registry key from the full
// "…/subscribers/{location}?access-key=…" URL carried in a POST
// /subscribers response document's uri.location.
func locationKey(t *testing.T, locationURL string) string {
	t.Helper()
	segs := mustURI(t, locationURL).Segments()
	if len(segs) == 0 {
		t.Fatalf("location URL %q has no path", locationURL)
	}
	return segs[len(segs)-1]
}

func registerDocXML(owner, channel, recipient string) string {
	return `<?xml version="1.0"?>
<subscription-set>
  <uri.owner>` + owner + `</uri.owner>
  <subscription>
    <channel>` + channel + `</channel>
    <recipient><uri>` + recipient + `</uri></recipient>
  </subscription>
</subscription-set>`
}

func TestS1RegisterReadReplaceDelete(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/subscribers", "application/xml", strings.NewReader(registerDocXML("http:///owner1", "channel:///foo/*", "http:///foo/sub1")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		t.Fatal("expected Location header")
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	created, err := subscription.ParseDoc(body)
	if err != nil {
		t.Fatal(err)
	}

	getURL := ts.URL + "/subscribers/" + locationKey(t, created.Location) + "?access-key=" + created.AccessKey
	getResp, err := http.Get(getURL)
	if err != nil {
		t.Fatal(err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on GET, got %d", getResp.StatusCode)
	}
	getResp.Body.Close()

	putURL := ts.URL + "/subscribers/" + locationKey(t, created.Location) + "?access-key=" + created.AccessKey
	req, _ := http.NewRequest(http.MethodPut, putURL, strings.NewReader(registerDocXML("http:///owner1", "channel:///foo/bar", "http:///foo/sub1")))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on PUT, got %d", putResp.StatusCode)
	}
	putResp.Body.Close()

	delReq, _ := http.NewRequest(http.MethodDelete, putURL, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatal(err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on DELETE, got %d", delResp.StatusCode)
	}
	delResp.Body.Close()

	finalGet, err := http.Get(getURL)
	if err != nil {
		t.Fatal(err)
	}
	if finalGet.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after delete, got %d", finalGet.StatusCode)
	}
	finalGet.Body.Close()
}

func TestS2CombinedGetMergesAcrossOwners(t *testing.T) {
	ts, reg := newTestServer(t)

	mustPost(t, ts.URL, registerDocXML("http:///o1", "channel:///c1", "http:///r1"))
	mustPost(t, ts.URL, registerDocXML("http:///o2", "channel:///c1", "http:///r2"))

	waitUntil(t, func() bool {
		cs := reg.CombinedSet()
		return len(cs.Subscriptions) == 1 && len(cs.Subscriptions[0].Recipients) == 2
	})

	resp, err := http.Get(ts.URL + "/subscribers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	doc, err := subscription.ParseDoc(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Subscriptions) != 1 {
		t.Fatalf("expected 1 combined subscription, got %d", len(doc.Subscriptions))
	}
}

func TestS4VersionNotModified(t *testing.T) {
	ts, _ := newTestServer(t)

	docXML := `<?xml version="1.0"?>
<subscription-set version="10">
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///foo</channel>
    <recipient><uri>http:///sub1</uri></recipient>
  </subscription>
</subscription-set>`
	resp := mustPost(t, ts.URL, docXML)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	created, err := subscription.ParseDoc(body)
	if err != nil {
		t.Fatal(err)
	}

	putURL := ts.URL + "/subscribers/" + locationKey(t, created.Location) + "?access-key=" + created.AccessKey
	older := `<?xml version="1.0"?>
<subscription-set version="9">
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///foo</channel>
    <recipient><uri>http:///sub1</uri></recipient>
  </subscription>
</subscription-set>`
	req, _ := http.NewRequest(http.MethodPut, putURL, strings.NewReader(older))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if putResp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", putResp.StatusCode)
	}
	putResp.Body.Close()
}

func mustPost(t *testing.T, base, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/subscribers", "application/xml", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	return resp
}

// TestS3EndToEndFanOut exercises the full S3 scenario through the real
// REST surface: register a subscription with a recipient cookie, POST the
// matching event to /publish, and assert the mock recipient receives it
// with the original event id and cookie preserved.
func TestS3EndToEndFanOut(t *testing.T) {
	ts, reg := newTestServer(t)

	var gotID, gotCookie, gotBody string
	recipient := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("Dream-Event-Id")
		gotCookie = r.Header.Get("Cookie")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer recipient.Close()

	docXML := `<?xml version="1.0"?>
<subscription-set>
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///foo/*</channel>
    <set-cookie>service-key=1234</set-cookie>
    <recipient><uri>` + recipient.URL + `/foo/sub1</uri></recipient>
  </subscription>
</subscription-set>`
	mustPost(t, ts.URL, docXML).Body.Close()

	waitUntil(t, func() bool { return len(reg.CombinedSet().Subscriptions) == 1 })

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish", strings.NewReader("<foo/>"))
	req.Header.Set("Authorization", "Bearer "+testPublishToken)
	req.Header.Set("Dream-Event-Channel", "channel:///foo/bar")
	req.Header.Set("Dream-Event-Origin", "http://foobar.com/some/page")
	req.Header.Set("Dream-Event-Id", "evt-s3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitUntil(t, func() bool { return gotID != "" })
	if gotID != "evt-s3" {
		t.Fatalf("expected event id preserved, got %q", gotID)
	}
	if !strings.Contains(gotCookie, "service-key=1234") {
		t.Fatalf("expected cookie forwarded, got %q", gotCookie)
	}
	if gotBody != "<foo/>" {
		t.Fatalf("expected body preserved, got %q", gotBody)
	}
}

// TestPublishWithoutTokenIsForbidden covers §6.3's "internal use only"
// requirement: a caller with no (or the wrong) bearer token gets 403.
func TestPublishWithoutTokenIsForbidden(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish", strings.NewReader("<foo/>"))
	req.Header.Set("Dream-Event-Channel", "channel:///foo")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with no bearer token, got %d", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish", strings.NewReader("<foo/>"))
	req2.Header.Set("Dream-Event-Channel", "channel:///foo")
	req2.Header.Set("Authorization", "Bearer wrong-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong bearer token, got %d", resp2.StatusCode)
	}
}

// TestPublishWithoutEventIDGeneratesOne covers spec.md's "generated at
// creation if not supplied" requirement for Event.id: omitting
// Dream-Event-Id no longer fails the publish.
func TestPublishWithoutEventIDGeneratesOne(t *testing.T) {
	ts, reg := newTestServer(t)

	var gotID string
	recipient := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("Dream-Event-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer recipient.Close()

	docXML := `<?xml version="1.0"?>
<subscription-set>
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///foo</channel>
    <recipient><uri>` + recipient.URL + `/sub1</uri></recipient>
  </subscription>
</subscription-set>`
	mustPost(t, ts.URL, docXML).Body.Close()
	waitUntil(t, func() bool { return len(reg.CombinedSet().Subscriptions) == 1 })

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer "+testPublishToken)
	req.Header.Set("Dream-Event-Channel", "channel:///foo")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitUntil(t, func() bool { return gotID != "" })
}

// TestS5RepeatedFailureEvicts registers two sets with max-failures=0 each
// subscribing to an endpoint that always returns 400, publishes one
// matching event, and asserts both locations are evicted from the
// registry.
func TestS5RepeatedFailureEvicts(t *testing.T) {
	ts, reg := newTestServer(t)

	badRecipient := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badRecipient.Close()

	doc1 := `<?xml version="1.0"?>
<subscription-set max-failures="0">
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///foo/*</channel>
    <recipient><uri>` + badRecipient.URL + `/one</uri></recipient>
  </subscription>
</subscription-set>`
	doc2 := `<?xml version="1.0"?>
<subscription-set max-failures="0">
  <uri.owner>http:///owner2</uri.owner>
  <subscription>
    <channel>channel:///foo/*</channel>
    <recipient><uri>` + badRecipient.URL + `/two</uri></recipient>
  </subscription>
</subscription-set>`
	resp1 := mustPost(t, ts.URL, doc1)
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	created1, err := subscription.ParseDoc(body1)
	if err != nil {
		t.Fatal(err)
	}
	resp2 := mustPost(t, ts.URL, doc2)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	created2, err := subscription.ParseDoc(body2)
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		cs := reg.CombinedSet()
		return len(cs.Subscriptions) == 1 && len(cs.Subscriptions[0].Recipients) == 2
	})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer "+testPublishToken)
	req.Header.Set("Dream-Event-Channel", "channel:///foo/bar")
	req.Header.Set("Dream-Event-Id", "evt-s5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	waitUntil(t, func() bool {
		_, ok1 := reg.Get(locationKey(t, created1.Location))
		_, ok2 := reg.Get(locationKey(t, created2.Location))
		return !ok1 && !ok2
	})
}

// TestS6UpstreamPushOnMutation covers the full upstream-push scenario: a
// peer self-subscribes to pubsub://*/*, an unrelated subscription is then
// registered, and the peer receives a POST carrying the current combined
// set including the new subscription.
func TestS6UpstreamPushOnMutation(t *testing.T) {
	ts, reg, p := newTestServerWithPropagation(t)

	var gotBody []byte
	gotReq := make(chan struct{}, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		select {
		case gotReq <- struct{}{}:
		default:
		}
	}))
	defer peer.Close()

	reg.OnMetaSubscriptionsUpdated(func(metaSubs []subscription.CombinedSubscription) {
		p.PushUpstream(context.Background(), metaSubs)
	})

	metaDoc := `<?xml version="1.0"?>
<subscription-set>
  <uri.owner>` + peer.URL + `</uri.owner>
  <subscription>
    <channel>pubsub://*/*</channel>
    <recipient><uri>` + peer.URL + `/subscribers</uri></recipient>
  </subscription>
</subscription-set>`
	mustPost(t, ts.URL, metaDoc).Body.Close()

	ordinaryDoc := `<?xml version="1.0"?>
<subscription-set>
  <uri.owner>http:///owner1</uri.owner>
  <subscription>
    <channel>channel:///news</channel>
    <recipient><uri>http:///sub1</uri></recipient>
  </subscription>
</subscription-set>`
	mustPost(t, ts.URL, ordinaryDoc).Body.Close()

	select {
	case <-gotReq:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream push")
	}

	waitUntil(t, func() bool { return len(reg.CombinedSet().Subscriptions) == 1 })
	doc, err := subscription.ParseDoc(gotBody)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range doc.Subscriptions {
		for _, ch := range s.Channels {
			if ch.String() == "channel:///news" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected pushed combined set to include channel:///news, got %+v", doc.Subscriptions)
	}
}
