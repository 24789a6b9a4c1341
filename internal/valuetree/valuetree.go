// Package valuetree implements the four-level "service value tree" used
// throughout the balance manager to hold per-(bucket, exchange, pair,
// currency) decimal amounts: raw balances, reservation totals, and
// configured limits all share this shape (spec §4.2).
//
// It is a plain guarded accumulator, not a cache: callers own the key
// taxonomy, the tree just stores and sums decimal.Decimal values without
// ever comparing them for exact equality.
package valuetree

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Key addresses one leaf of the tree.
type Key struct {
	Bucket   types.ConfigurationDescriptor
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
	Currency types.CurrencyCode
}

// Entry is a flattened (Key, Value) pair returned by Snapshot.
type Entry struct {
	Key   Key
	Value decimal.Decimal
}

type level3 map[types.CurrencyCode]decimal.Decimal
type level2 map[types.CurrencyPair]level3
type level1 map[types.ExchangeAccountID]level2
type level0 map[types.ConfigurationDescriptor]level1

// Tree is a mutex-guarded 4-level nested map from Key to decimal.Decimal.
// Mirrors the guarding style of the teacher's strategy.Inventory: a single
// RWMutex, no blocking call ever made while it is held.
type Tree struct {
	mu   sync.RWMutex
	root level0
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{root: make(level0)}
}

// Get returns the value at key, or decimal.Zero if unset.
func (t *Tree) Get(k Key) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(k)
}

func (t *Tree) getLocked(k Key) decimal.Decimal {
	l1, ok := t.root[k.Bucket]
	if !ok {
		return decimal.Zero
	}
	l2, ok := l1[k.Exchange]
	if !ok {
		return decimal.Zero
	}
	l3, ok := l2[k.Pair]
	if !ok {
		return decimal.Zero
	}
	v, ok := l3[k.Currency]
	if !ok {
		return decimal.Zero
	}
	return v
}

// Set overwrites the value at key.
func (t *Tree) Set(k Key, v decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensurePath(k)[k.Currency] = v
}

// Add accumulates delta into the value at key and returns the new total.
func (t *Tree) Add(k Key, delta decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	l3 := t.ensurePath(k)
	newVal := l3[k.Currency].Add(delta)
	l3[k.Currency] = newVal
	return newVal
}

func (t *Tree) ensurePath(k Key) level3 {
	l1, ok := t.root[k.Bucket]
	if !ok {
		l1 = make(level1)
		t.root[k.Bucket] = l1
	}
	l2, ok := l1[k.Exchange]
	if !ok {
		l2 = make(level2)
		l1[k.Exchange] = l2
	}
	l3, ok := l2[k.Pair]
	if !ok {
		l3 = make(level3)
		l2[k.Pair] = l3
	}
	return l3
}

// Clear removes every leaf under the given bucket and exchange, e.g. when an
// exchange account is removed from the engine.
func (t *Tree) Clear(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l1, ok := t.root[bucket]
	if !ok {
		return
	}
	delete(l1, exchange)
}

// Snapshot returns every non-zero leaf as a flat slice. Zero entries are
// skipped: they carry no information and otherwise accumulate forever as
// keys are touched and then unreserved back to zero.
func (t *Tree) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	for bucket, l1 := range t.root {
		for exchange, l2 := range l1 {
			for pair, l3 := range l2 {
				for currency, v := range l3 {
					if v.IsZero() {
						continue
					}
					out = append(out, Entry{
						Key: Key{
							Bucket:   bucket,
							Exchange: exchange,
							Pair:     pair,
							Currency: currency,
						},
						Value: v,
					})
				}
			}
		}
	}
	return out
}

// SnapshotExchange returns every non-zero leaf under one (bucket, exchange)
// pair, keyed by (pair, currency) — the shape the balance manager needs when
// it asks "what does this bucket have reserved on this exchange".
func (t *Tree) SnapshotExchange(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l1, ok := t.root[bucket]
	if !ok {
		return nil
	}
	l2, ok := l1[exchange]
	if !ok {
		return nil
	}

	var out []Entry
	for pair, l3 := range l2 {
		for currency, v := range l3 {
			if v.IsZero() {
				continue
			}
			out = append(out, Entry{
				Key: Key{
					Bucket:   bucket,
					Exchange: exchange,
					Pair:     pair,
					Currency: currency,
				},
				Value: v,
			})
		}
	}
	return out
}

// ZeroCurrency sets to zero every leaf for the given exchange and currency,
// across every bucket and pair. Used when fresh raw balances arrive for an
// exchange: any previously accumulated diff for that (exchange, currency) was
// only compensating for a stale raw figure, now superseded (spec §4.3).
func (t *Tree) ZeroCurrency(exchange types.ExchangeAccountID, currency types.CurrencyCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l1 := range t.root {
		l2, ok := l1[exchange]
		if !ok {
			continue
		}
		for _, l3 := range l2 {
			if _, ok := l3[currency]; ok {
				l3[currency] = decimal.Zero
			}
		}
	}
}

// Clone returns a deep, independent copy.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := New()
	for bucket, l1 := range t.root {
		for exchange, l2 := range l1 {
			for pair, l3 := range l2 {
				for currency, v := range l3 {
					out.ensurePath(Key{Bucket: bucket, Exchange: exchange, Pair: pair, Currency: currency})[currency] = v
				}
			}
		}
	}
	return out
}
