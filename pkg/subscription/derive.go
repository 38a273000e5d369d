package subscription

import (
	"fmt"

	"github.com/linkerd/pubsubd/internal/pserrors"
)

// Derive implements §4.2's derive(prev, doc): validates an incoming PUT
// document against the previously stored set and either returns a fresh
// Set sharing prev's location/access-key/owner, or rejects the update.
//
//   - doc.Owner != prev.Owner                      -> pserrors.ErrForbidden
//   - doc.Version set and <= prev.Version (if set)  -> pserrors.ErrNotModified,
//     returning prev unchanged
//   - otherwise                                     -> a new Set is returned
func Derive(prev SubscriptionSet, doc Doc) (SubscriptionSet, error) {
	next, err := doc.ToSet()
	if err != nil {
		return SubscriptionSet{}, err
	}

	if !next.Owner.Equal(prev.Owner) {
		return SubscriptionSet{}, fmt.Errorf("%w: owner mismatch", pserrors.ErrForbidden)
	}

	if prev.Version != nil && next.Version != nil && *next.Version <= *prev.Version {
		return prev, pserrors.ErrNotModified
	}

	next.Location = prev.Location
	next.AccessKey = prev.AccessKey
	assignIDs(next.Subscriptions)
	return next, nil
}
