// Package registry implements the subscription-set registry and combined-
// set recomputation of §4.3: register/replace/remove/get, access-key
// authorization, and a serialized, coalesced background recompute of the
// CombinedSubscriptionSet with a change-notification fan-out — the
// "single-consumer channel" design of §9, grounded on the
// listener-subscribe idiom of controller/destination/endpoints_watcher.go
// in the teacher repo.
package registry

import (
	"fmt"
	"sync"

	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/pserrors"
	"github.com/linkerd/pubsubd/pkg/subscription"
	"github.com/linkerd/pubsubd/pkg/uri"
	"github.com/sirupsen/logrus"
)

// Registry holds every registered SubscriptionSet and the combined view
// derived from them.
type Registry struct {
	selfURI       uri.URI
	defaultCookie string
	log           *logrus.Entry

	mu       sync.Mutex
	sets     map[string]subscription.SubscriptionSet
	byOwner  map[string]string // owner.String() -> location
	failures map[string]int
	combined subscription.CombinedSubscriptionSet
	metaSubs []subscription.CombinedSubscription

	recomputeSignal chan struct{}
	stop            chan struct{}
	done            chan struct{}

	obsMu         sync.Mutex
	observers     []func(subscription.CombinedSubscriptionSet)
	metaObservers []func([]subscription.CombinedSubscription)
}

// New constructs a Registry and starts its background recompute
// goroutine. selfURI is this registry's own canonical service URI (passed
// through to subscription.Combine on every recompute); defaultCookie is attached to any combined entry with no cookie of its
// own. Call Close to stop the background goroutine.
func New(selfURI uri.URI, defaultCookie string) *Registry {
	r := &Registry{
		selfURI:         selfURI,
		defaultCookie:   defaultCookie,
		log:             log.WithComponent("registry"),
		sets:            make(map[string]subscription.SubscriptionSet),
		byOwner:         make(map[string]string),
		failures:        make(map[string]int),
		recomputeSignal: make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	go r.recomputeLoop()
	return r
}

// Close stops the background recompute goroutine and waits for it to
// exit.
func (r *Registry) Close() {
	close(r.stop)
	<-r.done
}

// OnCombinedSetUpdated registers an observer invoked once per successful
// recompute, after every mutation in a burst has settled (§4.3, §5).
func (r *Registry) OnCombinedSetUpdated(fn func(subscription.CombinedSubscriptionSet)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// OnMetaSubscriptionsUpdated registers an observer invoked once per
// successful recompute with the current list of pubsub:// meta-
// subscriptions (§4.5) — the peers that should receive this registry's
// combined-set pushes. This is deliberately a separate observer list from
// OnCombinedSetUpdated: meta-subscriptions never appear in the
// CombinedSubscriptionSet itself (§3 step 2), so PushUpstream needs its
// own feed to find its destinations.
func (r *Registry) OnMetaSubscriptionsUpdated(fn func([]subscription.CombinedSubscription)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.metaObservers = append(r.metaObservers, fn)
}

// CombinedSet returns the current combined view. The returned value is
// immutable; callers may hold onto it across an outbound send without
// holding any lock.
func (r *Registry) CombinedSet() subscription.CombinedSubscriptionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.combined
}

// MetaSubscriptions returns the current merged list of pubsub:// meta-
// subscriptions, i.e. the peers that should receive this registry's
// combined-set pushes (§4.5).
func (r *Registry) MetaSubscriptions() []subscription.CombinedSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metaSubs
}

// Register implements §4.3 register(doc). already_existed is true when an
// identical document from the same owner was already on file, in which
// case the existing set is returned unchanged (maps to HTTP 409).
func (r *Registry) Register(doc subscription.Doc) (set subscription.SubscriptionSet, alreadyExisted bool, err error) {
	candidate, err := subscription.FromDoc(doc)
	if err != nil {
		return subscription.SubscriptionSet{}, false, err
	}

	r.mu.Lock()
	if loc, ok := r.byOwner[candidate.Owner.String()]; ok {
		existing := r.sets[loc]
		if existing.Equal(candidate) {
			r.mu.Unlock()
			return existing, true, nil
		}
	}
	r.sets[candidate.Location] = candidate
	r.byOwner[candidate.Owner.String()] = candidate.Location
	r.mu.Unlock()

	r.scheduleRecompute()
	r.log.Infof("registered set %s for owner %s", candidate.Location, candidate.Owner)
	return candidate, false, nil
}

// Replace implements §4.3 replace(location, doc). Returns pserrors.ErrForbidden
// (wrapping "unknown location") if location is not on file, so that the
// REST layer renders the exact same 403 it renders for a bad access key.
func (r *Registry) Replace(location string, doc subscription.Doc) (subscription.SubscriptionSet, error) {
	r.mu.Lock()
	prev, ok := r.sets[location]
	r.mu.Unlock()
	if !ok {
		return subscription.SubscriptionSet{}, fmt.Errorf("%w: unknown location", pserrors.ErrForbidden)
	}

	next, err := subscription.Derive(prev, doc)
	if err != nil {
		return subscription.SubscriptionSet{}, err
	}

	r.mu.Lock()
	r.sets[location] = next
	r.mu.Unlock()

	r.scheduleRecompute()
	return next, nil
}

// Remove implements §4.3 remove(location).
func (r *Registry) Remove(location string) bool {
	r.mu.Lock()
	set, ok := r.sets[location]
	if ok {
		delete(r.sets, location)
		delete(r.byOwner, set.Owner.String())
		delete(r.failures, location)
	}
	r.mu.Unlock()

	if ok {
		r.scheduleRecompute()
		r.log.Infof("removed set %s", location)
	}
	return ok
}

// Get implements §4.3 get(location).
func (r *Registry) Get(location string) (subscription.SubscriptionSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[location]
	return set, ok
}

// Authorize checks a caller-presented access key against the set stored
// at location. Unknown location and wrong access key are deliberately
// collapsed into the same "not ok" outcome (§4.3 Access control).
func (r *Registry) Authorize(location, accessKey string) (subscription.SubscriptionSet, bool) {
	set, ok := r.Get(location)
	if !ok || accessKey == "" || set.AccessKey != accessKey {
		return subscription.SubscriptionSet{}, false
	}
	return set, true
}

// AdoptDownstream installs or replaces a SubscriptionSet contributed by
// the propagation protocol (§4.5): a peer's combined-set push is merged
// into the local registry at a location deterministically derived from
// the peer's identity, with provenance = that peer. Unlike Register and
// Replace, there is no access-key gate and no version-monotonicity check:
// location here is a locally derived provenance key, never a client-
// presented capability, and a later push simply supersedes the earlier
// one in full.
func (r *Registry) AdoptDownstream(location string, owner uri.URI, subs []subscription.Subscription) subscription.SubscriptionSet {
	set := subscription.SubscriptionSet{Owner: owner, Location: location, Subscriptions: subs}

	r.mu.Lock()
	r.sets[location] = set
	r.byOwner[owner.String()] = location
	r.mu.Unlock()

	r.scheduleRecompute()
	return set
}

// RecordResult implements the per-location failure accounting of §4.4
// step 5: success resets a location's counter, failure increments it, and
// a location exceeding its set's max-failures is evicted. Returns true if
// this call caused an eviction.
func (r *Registry) RecordResult(location string, success bool) bool {
	r.mu.Lock()
	set, ok := r.sets[location]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if success {
		delete(r.failures, location)
		r.mu.Unlock()
		return false
	}
	r.failures[location]++
	exceeded := r.failures[location] > set.MaxFailures
	r.mu.Unlock()

	if exceeded {
		evicted := r.Remove(location)
		if evicted {
			r.log.Warnf("evicted set %s after exceeding max-failures=%d", location, set.MaxFailures)
		}
		return evicted
	}
	return false
}

// FailureCount returns the current consecutive-failure counter for
// location, for the diagnostics snapshot of §6.3.
func (r *Registry) FailureCount(location string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[location]
}

// Snapshot returns every registered set, for the diagnostics endpoint and
// for the delivery/propagation engines to build their own views without
// holding the registry lock.
func (r *Registry) Snapshot() []subscription.SubscriptionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription.SubscriptionSet, 0, len(r.sets))
	for _, set := range r.sets {
		out = append(out, set)
	}
	return out
}

func (r *Registry) scheduleRecompute() {
	select {
	case r.recomputeSignal <- struct{}{}:
	default:
		// a recompute is already pending; this mutation will be picked up
		// by that run's snapshot, or by the follow-up run it schedules.
	}
}

func (r *Registry) recomputeLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.recomputeSignal:
			r.recomputeOnce()
		}
	}
}

func (r *Registry) recomputeOnce() {
	sets := r.Snapshot()
	combined := subscription.Combine(sets, r.selfURI, r.defaultCookie)
	metaSubs := subscription.CombineMeta(sets)

	r.mu.Lock()
	r.combined = combined
	r.metaSubs = metaSubs
	r.mu.Unlock()

	r.obsMu.Lock()
	observers := append([]func(subscription.CombinedSubscriptionSet){}, r.observers...)
	metaObservers := append([]func([]subscription.CombinedSubscription){}, r.metaObservers...)
	r.obsMu.Unlock()

	for _, fn := range observers {
		fn(combined)
	}
	for _, fn := range metaObservers {
		fn(metaSubs)
	}
}
