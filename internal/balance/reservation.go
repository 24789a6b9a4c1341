package balance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// ApprovedPart is the portion of a reservation tied to one client order once
// that order has been accepted by the exchange. Approval removes the amount
// from the reservation's free (not-approved) pool and tracks it separately
// so a cancel of that specific order can release exactly its share.
type ApprovedPart struct {
	ClientOrderID    types.ClientOrderID
	UnreservedAmount decimal.Decimal
	Canceled         bool
}

// Reservation is a hold placed against available balance by the reservation
// manager (spec §4.4, §4.6). Mutated only under the owning Manager's lock.
type Reservation struct {
	ID       types.ReservationID
	Bucket   types.ConfigurationDescriptor
	Exchange types.ExchangeAccountID
	Symbol   *symbol.Symbol
	Side     types.Side
	Price    decimal.Decimal

	// Amount is the original reserved quantity, in the symbol's amount
	// currency.
	Amount decimal.Decimal
	// Cost is the balance actually debited at reservation time, in
	// ReservationCurrency — used to prorate partial unreserves.
	Cost decimal.Decimal
	// TakenFreeAmount is the portion of Amount that was covered by an
	// existing unreserved position rather than fresh balance (spot only).
	TakenFreeAmount decimal.Decimal

	ReservationCurrency types.CurrencyCode

	NotApprovedAmount decimal.Decimal
	UnreservedAmount  decimal.Decimal

	ApprovedParts map[types.ClientOrderID]*ApprovedPart

	CreatedAt time.Time
}

// TotalApprovedUnreserved sums the still-unreserved amount across every
// non-canceled approved part.
func (r *Reservation) TotalApprovedUnreserved() decimal.Decimal {
	total := decimal.Zero
	for _, part := range r.ApprovedParts {
		if part.Canceled {
			continue
		}
		total = total.Add(part.UnreservedAmount)
	}
	return total
}

// Store is the reservation CRUD layer (C4): keyed lookup by ReservationID,
// plus iteration by exchange or predicate for reconciliation passes. It does
// not itself enforce balance invariants — that is the Manager's job, always
// under its own lock.
type Store struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	byID   map[types.ReservationID]*Reservation
}

// NewStore creates an empty reservation store.
func NewStore() *Store {
	return &Store{byID: make(map[types.ReservationID]*Reservation)}
}

// NextID allocates a fresh, process-lifetime-unique reservation id.
func (s *Store) NextID() types.ReservationID {
	return types.ReservationID(s.nextID.Add(1))
}

// Add inserts a new reservation. Overwrites silently if the id is reused,
// which should never happen given NextID's monotonic counter.
func (s *Store) Add(r *Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ID] = r
}

// Get looks up a reservation by id.
func (s *Store) Get(id types.ReservationID) (*Reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// Remove deletes a reservation, e.g. once its unreserved amount collapses
// within precision error of zero.
func (s *Store) Remove(id types.ReservationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// ByExchange returns every reservation currently held against exchange.
func (s *Store) ByExchange(exchange types.ExchangeAccountID) []*Reservation {
	return s.Filter(func(r *Reservation) bool { return r.Exchange == exchange })
}

// Filter returns every reservation for which pred returns true.
func (s *Store) Filter(pred func(*Reservation) bool) []*Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Reservation
	for _, r := range s.byID {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// All returns every live reservation.
func (s *Store) All() []*Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Reservation, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}
