// Package observer keeps a client-side view of one owner's balance.
//
// The cached value changes only on an authoritative signal: a pushed update, the
// result of a successful local purchase, or an explicit refresh. It is never
// decremented optimistically; callers show a pending state while a purchase is in flight.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

var ErrOwnerMismatch = errors.New("observer: item key belongs to another owner")

// Purchaser performs purchases against the ledger.
type Purchaser interface {
	PurchaseItem(ctx context.Context, key ledger.ItemKey, cost ledger.Credits, description string, metadata ledger.MetadataJSON) (ledger.PurchaseResult, error)
}

// BalanceReader reads the authoritative balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, error)
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithChangeHandler is called after every change to the cached balance.
func WithChangeHandler(handler func(ledger.Credits)) CacheOption {
	return func(cache *Cache) {
		cache.onChange = handler
	}
}

// Cache holds the last known balance of one owner.
type Cache struct {
	owner    ledger.OwnerID
	mutex    sync.RWMutex
	balance  ledger.Credits
	known    bool
	inFlight int
	onChange func(ledger.Credits)
}

// NewCache returns an empty cache for owner.
func NewCache(owner ledger.OwnerID, options ...CacheOption) (*Cache, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ledger.ErrInvalidOwnerID)
	}
	cache := &Cache{owner: owner}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	return cache, nil
}

// Owner returns the observed owner.
func (cache *Cache) Owner() ledger.OwnerID {
	return cache.owner
}

// Balance returns the cached balance and whether one was ever received.
func (cache *Cache) Balance() (ledger.Credits, bool) {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	return cache.balance, cache.known
}

// Pending reports whether a purchase issued through this cache is still running.
func (cache *Cache) Pending() bool {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	return cache.inFlight > 0
}

// ApplyUpdate overwrites the cached balance with a pushed update for this owner.
func (cache *Cache) ApplyUpdate(update ledger.BalanceUpdate) bool {
	if update.Owner != cache.owner {
		return false
	}
	cache.set(update.Balance)
	return true
}

// Purchase runs a purchase and adopts the returned balance on success.
// On failure the cached balance is left as it was.
func (cache *Cache) Purchase(ctx context.Context, purchaser Purchaser, key ledger.ItemKey, cost ledger.Credits, description string, metadata ledger.MetadataJSON) (ledger.PurchaseResult, error) {
	if key.Owner() != cache.owner {
		return ledger.PurchaseResult{}, ErrOwnerMismatch
	}
	cache.mutex.Lock()
	cache.inFlight++
	cache.mutex.Unlock()
	defer func() {
		cache.mutex.Lock()
		cache.inFlight--
		cache.mutex.Unlock()
	}()
	result, err := purchaser.PurchaseItem(ctx, key, cost, description, metadata)
	if err != nil {
		return ledger.PurchaseResult{}, err
	}
	cache.set(result.NewBalance)
	return result, nil
}

// Refresh replaces the cached balance with a fresh read.
func (cache *Cache) Refresh(ctx context.Context, reader BalanceReader) error {
	balance, err := reader.GetBalance(ctx, cache.owner)
	if err != nil {
		return err
	}
	cache.set(balance)
	return nil
}

// Watch applies updates until ctx ends or the channel closes.
func (cache *Cache) Watch(ctx context.Context, updates <-chan ledger.BalanceUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			cache.ApplyUpdate(update)
		}
	}
}

func (cache *Cache) set(balance ledger.Credits) {
	cache.mutex.Lock()
	cache.balance = balance
	cache.known = true
	handler := cache.onChange
	cache.mutex.Unlock()
	if handler != nil {
		handler(balance)
	}
}
