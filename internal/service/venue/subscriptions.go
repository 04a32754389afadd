package venue

import (
	"sort"
	"sync"
)

// SubscriptionInfo is the client's view of one market stream.
type SubscriptionInfo struct {
	Market         string
	SubscriptionID string
	IsActive       bool
	LastTickEpoch  int64
}

// subscriptions tracks desired markets and their live state. Desired
// entries survive reconnects; active flags and stream ids do not.
type subscriptions struct {
	mu      sync.Mutex
	markets map[string]*SubscriptionInfo
}

func newSubscriptions() *subscriptions {
	return &subscriptions{markets: make(map[string]*SubscriptionInfo)}
}

// Add registers a desired market. Returns true if it was newly added.
func (s *subscriptions) Add(market string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[market]; ok {
		return false
	}
	s.markets[market] = &SubscriptionInfo{Market: market}
	return true
}

// Remove drops a market and returns its last known state.
func (s *subscriptions) Remove(market string) (SubscriptionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.markets[market]
	if !ok {
		return SubscriptionInfo{}, false
	}
	delete(s.markets, market)
	return *info, true
}

func (s *subscriptions) Get(market string) (SubscriptionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.markets[market]
	if !ok {
		return SubscriptionInfo{}, false
	}
	return *info, true
}

// Accept applies the epoch dedup rule. It returns accepted=false for ticks
// at or behind the last accepted epoch, and first=true when this tick
// activates the subscription.
func (s *subscriptions) Accept(market, subscriptionID string, epoch int64) (accepted, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.markets[market]
	if !ok {
		return false, false
	}
	if epoch <= info.LastTickEpoch {
		return false, false
	}
	info.LastTickEpoch = epoch
	if subscriptionID != "" {
		info.SubscriptionID = subscriptionID
	}
	if !info.IsActive {
		info.IsActive = true
		first = true
	}
	return true, first
}

// ClearActive marks every market inactive. Epochs are kept so ticks
// replayed after a reconnect are still deduplicated.
func (s *subscriptions) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.markets {
		info.IsActive = false
		info.SubscriptionID = ""
	}
}

func (s *subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = make(map[string]*SubscriptionInfo)
}

// Markets returns the desired markets in a stable order.
func (s *subscriptions) Markets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.markets))
	for m := range s.markets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
