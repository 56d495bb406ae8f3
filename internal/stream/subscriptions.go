// Package stream implements the Polygon WebSocket ingestion client: session
// management, subscription reference counting, frame parsing, and automatic
// reconnection.
package stream

import (
	"sync"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// Subscription is one active (symbol, kind) entry with its reference count.
type Subscription struct {
	ID       int64
	Symbol   string
	Kind     schema.EventKind
	RefCount int
}

type subPair struct {
	symbol string
	kind   schema.EventKind
}

// SubscriptionManager allocates ids for (symbol, kind) subscriptions and
// reference-counts callers. A pair appears at most once in the active set;
// ids start at a provider-scoped base so ids never collide across providers.
type SubscriptionManager struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Subscription
	byPair map[subPair]int64
}

// NewSubscriptionManager constructs a manager whose ids start at idBase.
func NewSubscriptionManager(idBase int64) *SubscriptionManager {
	return &SubscriptionManager{
		nextID: idBase,
		byID:   make(map[int64]*Subscription),
		byPair: make(map[subPair]int64),
	}
}

// Subscribe registers interest in a (symbol, kind) pair. The bool result is
// true when this call created the subscription, meaning the caller should
// send a protocol-level subscribe frame.
func (m *SubscriptionManager) Subscribe(symbol string, kind schema.EventKind) (int64, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	pair := subPair{symbol: symbol, kind: kind}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPair[pair]; ok {
		m.byID[id].RefCount++
		return id, false
	}
	m.nextID++
	id := m.nextID
	m.byID[id] = &Subscription{ID: id, Symbol: symbol, Kind: kind, RefCount: 1}
	m.byPair[pair] = id
	return id, true
}

// Unsubscribe decrements the reference count for an id. When the count
// reaches zero the subscription is removed and its (symbol, kind) returned
// with removed=true, meaning the caller should send a protocol-level
// unsubscribe frame. An unknown id returns ok=false.
func (m *SubscriptionManager) Unsubscribe(id int64) (symbol string, kind schema.EventKind, removed, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, exists := m.byID[id]
	if !exists {
		return "", "", false, false
	}
	sub.RefCount--
	if sub.RefCount > 0 {
		return sub.Symbol, sub.Kind, false, true
	}
	delete(m.byID, id)
	delete(m.byPair, subPair{symbol: sub.Symbol, kind: sub.Kind})
	return sub.Symbol, sub.Kind, true, true
}

// HasSubscription reports whether the (symbol, kind) pair is active.
func (m *SubscriptionManager) HasSubscription(symbol string, kind schema.EventKind) bool {
	pair := subPair{symbol: schema.NormalizeSymbol(symbol), kind: kind}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPair[pair]
	return ok
}

// SymbolsByKind returns the symbols with an active subscription of the kind.
func (m *SubscriptionManager) SymbolsByKind(kind schema.EventKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for pair := range m.byPair {
		if pair.kind == kind {
			out = append(out, pair.symbol)
		}
	}
	return out
}

// Active snapshots every subscription.
func (m *SubscriptionManager) Active() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.byID))
	for _, sub := range m.byID {
		out = append(out, *sub)
	}
	return out
}

// Len returns the number of active (symbol, kind) pairs.
func (m *SubscriptionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPair)
}
