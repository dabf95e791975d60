package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridbot/pkg/types"
)

// DefaultFilterTTL is how long cached pair filters stay fresh. Venues
// change tick and lot sizes rarely, so a day is comfortable.
const DefaultFilterTTL = 24 * time.Hour

// FetchFiltersFunc loads a pair's filters from the venue.
type FetchFiltersFunc func(ctx context.Context, pair string) (types.FilterSet, error)

type filterEntry struct {
	filters   types.FilterSet
	fetchedAt time.Time
}

// FilterCache memoizes per-pair trading filters with a TTL. A stale or
// missing entry triggers a single fetch; concurrent callers for the same
// pair share the result of whoever fetches first.
type FilterCache struct {
	mu      sync.Mutex
	fetch   FetchFiltersFunc
	ttl     time.Duration
	entries map[string]filterEntry
	now     func() time.Time // swapped in tests
}

// NewFilterCache builds a cache over the given fetcher. A non-positive
// ttl falls back to DefaultFilterTTL.
func NewFilterCache(fetch FetchFiltersFunc, ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = DefaultFilterTTL
	}
	return &FilterCache{
		fetch:   fetch,
		ttl:     ttl,
		entries: make(map[string]filterEntry),
		now:     time.Now,
	}
}

// Get returns the pair's filters, fetching from the venue when the cached
// entry is missing or older than the TTL.
func (fc *FilterCache) Get(ctx context.Context, pair string) (types.FilterSet, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if entry, ok := fc.entries[pair]; ok && fc.now().Sub(entry.fetchedAt) < fc.ttl {
		return entry.filters, nil
	}

	filters, err := fc.fetch(ctx, pair)
	if err != nil {
		return types.FilterSet{}, fmt.Errorf("fetch filters for %s: %w", pair, err)
	}
	fc.entries[pair] = filterEntry{filters: filters, fetchedAt: fc.now()}
	return filters, nil
}

// ValidationError reports why an order spec cannot be sent to the venue.
type ValidationError struct {
	ClientID string
	Reasons  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order %s fails filters: %s", e.ClientID, strings.Join(e.Reasons, "; "))
}

// ValidateSpec checks an order spec against the pair's filters: price on
// the tick grid, quantity on the lot grid, and notional at or above the
// venue minimum. All violations are collected so the caller can log one
// complete reason per skipped order.
func ValidateSpec(spec types.OrderSpec, filters types.FilterSet) error {
	var reasons []string
	if !types.StepAligned(spec.Price, filters.TickSize) {
		reasons = append(reasons, fmt.Sprintf("price %s not aligned to tick %s", spec.Price, filters.TickSize))
	}
	if !types.StepAligned(spec.Qty, filters.LotSize) {
		reasons = append(reasons, fmt.Sprintf("qty %s not aligned to lot %s", spec.Qty, filters.LotSize))
	}
	if spec.Price.Mul(spec.Qty).LessThan(filters.MinNotional) {
		reasons = append(reasons, fmt.Sprintf("notional %s below minimum %s", spec.Price.Mul(spec.Qty), filters.MinNotional))
	}
	if len(reasons) > 0 {
		return &ValidationError{ClientID: spec.ClientID, Reasons: reasons}
	}
	return nil
}
