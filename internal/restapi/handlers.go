package restapi

import (
	"crypto/subtle"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/linkerd/pubsubd/internal/ids"
	"github.com/linkerd/pubsubd/internal/pserrors"
	"github.com/linkerd/pubsubd/pkg/subscription"
	"github.com/linkerd/pubsubd/pkg/uri"
)

const maxDocBytes = 1 << 20 // 1MiB; a subscription-set or event document has no legitimate reason to exceed this.

// errorDoc is the XML body returned alongside a non-2xx status, mirroring
// the teacher's jsonError but in this service's own XML wire format.
type errorDoc struct {
	XMLName xml.Name `xml:"error"`
	Message string   `xml:"message"`
}

func renderXMLError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	body, _ := xml.Marshal(errorDoc{Message: err.Error()})
	_, _ = w.Write(body)
}

// statusForError implements §7's error-kind-to-status mapping.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pserrors.ErrMalformedDoc):
		return http.StatusBadRequest
	case errors.Is(err, pserrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pserrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pserrors.ErrNotModified):
		return http.StatusNotModified
	case errors.Is(err, pserrors.ErrLoop):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func renderDocError(w http.ResponseWriter, err error) {
	renderXMLError(w, err, statusForError(err))
}

func renderDoc(w http.ResponseWriter, status int, doc subscription.Doc) {
	body, err := doc.Marshal()
	if err != nil {
		renderXMLError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func readDoc(r *http.Request) (subscription.Doc, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDocBytes))
	if err != nil {
		return subscription.Doc{}, err
	}
	return subscription.ParseDoc(data)
}

// accessKeyFrom extracts the caller-presented access key per §4.3: a
// query parameter first, falling back to a cookie scoped to location.
func accessKeyFrom(r *http.Request) string {
	if k := r.URL.Query().Get("access-key"); k != "" {
		return k
	}
	if c, err := r.Cookie("access-key"); err == nil {
		return c.Value
	}
	return ""
}

// authorizedToPublish checks the "Authorization: Bearer <token>" header
// against the server's configured publish token (§6.3: POST /publish is
// internal use only). A constant-time comparison avoids leaking the token
// through response-timing differences.
func (s *Server) authorizedToPublish(r *http.Request) bool {
	if s.publishToken == "" {
		return false
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.publishToken)) == 1
}

// locationURL composes the full "<location>?access-key=…" form of §6.1's
// Location/Content-Location headers and the response document's
// uri.location field — this is where the bare opaque key produced by
// pkg/subscription.AsDoc is turned into the externally addressable URL,
// since only this layer knows its own base URL.
func (s *Server) locationURL(location, accessKey string) string {
	full := uri.New(s.selfURI.Scheme, s.selfURI.Host, "subscribers", location)
	return full.String() + "?access-key=" + accessKey
}

// handleSubscribersPost implements POST /subscribers: either an ordinary
// registration (§6.1), or — when the propagation protocol's push header
// is present — assimilation of a peer's combined-set push (§4.5). The
// header-based branch is a pubsubd wire convention, not part of the
// upstream document shape; see DESIGN.md.
func (s *Server) handleSubscribersPost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if channel := r.Header.Get("Dream-Event-Channel"); channel != "" {
		s.handleCombinedPush(w, r)
		return
	}

	doc, err := readDoc(r)
	if err != nil {
		renderDocError(w, err)
		return
	}

	set, alreadyExisted, err := s.reg.Register(doc)
	if err != nil {
		renderDocError(w, err)
		return
	}

	if alreadyExisted {
		w.Header().Set("Content-Location", s.locationURL(set.Location, set.AccessKey))
		renderDocError(w, pserrors.ErrConflict)
		return
	}

	respDoc := subscription.AsDoc(set, true)
	respDoc.Location = s.locationURL(set.Location, set.AccessKey)
	w.Header().Set("Location", respDoc.Location)
	renderDoc(w, http.StatusCreated, respDoc)
}

func (s *Server) handleCombinedPush(w http.ResponseWriter, r *http.Request) {
	doc, err := readDoc(r)
	if err != nil {
		renderDocError(w, err)
		return
	}
	set, err := doc.ToSet()
	if err != nil {
		renderDocError(w, err)
		return
	}
	s.propagator.Assimilate(set.Owner, set)
	w.WriteHeader(http.StatusOK)
}

// handleSubscribersGetCombined implements GET /subscribers: the
// server-side combined view.
func (s *Server) handleSubscribersGetCombined(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	combined := s.reg.CombinedSet()
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
	doc := subscription.AsDoc(subscription.SubscriptionSet{Owner: s.selfURI, Subscriptions: subs}, false)
	renderDoc(w, http.StatusOK, doc)
}

// handleSubscriberGet implements GET /subscribers/{loc}.
func (s *Server) handleSubscriberGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	location := ps.ByName("location")
	set, ok := s.reg.Authorize(location, accessKeyFrom(r))
	if !ok {
		renderDocError(w, pserrors.ErrForbidden)
		return
	}
	renderDoc(w, http.StatusOK, subscription.AsDoc(set, false))
}

// handleSubscriberPut implements PUT /subscribers/{loc}.
func (s *Server) handleSubscriberPut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	location := ps.ByName("location")
	if _, ok := s.reg.Authorize(location, accessKeyFrom(r)); !ok {
		renderDocError(w, pserrors.ErrForbidden)
		return
	}

	doc, err := readDoc(r)
	if err != nil {
		renderDocError(w, err)
		return
	}

	set, err := s.reg.Replace(location, doc)
	if err != nil {
		renderDocError(w, err)
		return
	}
	renderDoc(w, http.StatusOK, subscription.AsDoc(set, false))
}

// handleSubscriberDelete implements DELETE /subscribers/{loc}.
func (s *Server) handleSubscriberDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	location := ps.ByName("location")
	if _, ok := s.reg.Authorize(location, accessKeyFrom(r)); !ok {
		renderDocError(w, pserrors.ErrForbidden)
		return
	}
	s.reg.Remove(location)
	w.WriteHeader(http.StatusOK)
}

// handlePublish implements POST /publish: internal use only, per §6.3
// ("other principals receive 403"). Callers must present the configured
// shared secret as "Authorization: Bearer <token>"; anything else,
// including a missing header, is rejected with ErrForbidden.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.authorizedToPublish(r) {
		renderDocError(w, pserrors.ErrForbidden)
		return
	}

	channel, err := uri.Parse(r.Header.Get("Dream-Event-Channel"))
	if err != nil {
		renderXMLError(w, err, http.StatusBadRequest)
		return
	}

	var origins, recipients, via []uri.URI
	for _, raw := range r.Header["Dream-Event-Origin"] {
		if u, err := uri.Parse(raw); err == nil {
			origins = append(origins, u)
		}
	}
	for _, raw := range r.Header["Dream-Event-Recipients"] {
		if u, err := uri.Parse(raw); err == nil {
			recipients = append(recipients, u)
		}
	}
	for _, raw := range r.Header["Dream-Event-Via"] {
		if u, err := uri.Parse(raw); err == nil {
			via = append(via, u)
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocBytes))
	if err != nil {
		renderXMLError(w, err, http.StatusBadRequest)
		return
	}

	eventID := r.Header.Get("Dream-Event-Id")
	if eventID == "" {
		eventID = ids.NewEventID()
	}

	contentType := r.Header.Get("Content-Type")
	event := subscription.Event{
		ID:         eventID,
		Channel:    channel,
		Origins:    origins,
		Recipients: recipients,
		Via:        via,
		Payload:    subscription.BytesPayload{Body: string(body), Type: contentType},
	}

	if err := s.dispatcher.Dispatch(event); err != nil {
		renderDocError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleDiagnostics implements GET /diagnostics/subscriptions.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sets := s.reg.Snapshot()
	type entry struct {
		XMLName     xml.Name `xml:"set"`
		Owner       string   `xml:"owner"`
		Location    string   `xml:"location"`
		Failures    int      `xml:"failures"`
		MaxFailures int      `xml:"max-failures"`
	}
	var out struct {
		XMLName xml.Name `xml:"diagnostics"`
		Sets    []entry  `xml:"set"`
	}
	for _, set := range sets {
		out.Sets = append(out.Sets, entry{
			Owner:       set.Owner.String(),
			Location:    set.Location,
			Failures:    s.reg.FailureCount(set.Location),
			MaxFailures: set.MaxFailures,
		})
	}
	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		renderXMLError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
