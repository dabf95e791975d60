// Package reconcile computes the order churn needed to move the venue
// from what is resting to what the planner wants.
//
// Matching is by client order id, so the diff is insensitive to venue
// order ids and to the order the venue lists open orders in. The diff
// is pure; the executor owns the actual cancel and create calls.
package reconcile

import (
	"gridbot/pkg/types"
)

// Counters summarizes one pass for logs and metrics.
type Counters struct {
	Canceled  int
	Created   int
	Unchanged int
}

// Result is the minimal set of venue mutations for one basket.
type Result struct {
	ToCancel []string
	ToCreate []types.OrderSpec
	Counters Counters
}

// matches reports whether a resting order already sits at the desired
// price and quantity. Both are compared within epsilon so that venue
// decimal formatting never causes a spurious replace.
func matches(spec types.OrderSpec, o types.OpenOrder) bool {
	return types.WithinEpsilon(spec.Price, o.Price) &&
		types.WithinEpsilon(spec.Qty, o.OrigQty)
}

// Diff matches desired orders against venue state by client id. An id
// present on both sides with matching price and quantity is left
// alone. A drift beyond epsilon on either field replaces the order,
// one cancel plus one create. Ids on one side only are canceled or
// created. Input order is preserved, so identical inputs yield an
// identical result.
func Diff(desired []types.OrderSpec, actual []types.OpenOrder) Result {
	want := make(map[string]types.OrderSpec, len(desired))
	for _, spec := range desired {
		want[spec.ClientID] = spec
	}
	live := make(map[string]types.OpenOrder, len(actual))
	for _, o := range actual {
		live[o.ClientOrderID] = o
	}

	var res Result
	for _, o := range actual {
		if spec, ok := want[o.ClientOrderID]; ok && matches(spec, o) {
			res.Counters.Unchanged++
			continue
		}
		res.ToCancel = append(res.ToCancel, o.ClientOrderID)
		res.Counters.Canceled++
	}
	for _, spec := range desired {
		if o, ok := live[spec.ClientID]; ok && matches(spec, o) {
			continue
		}
		res.ToCreate = append(res.ToCreate, spec)
		res.Counters.Created++
	}
	return res
}
