// Package memstore keeps the ledger in process memory with serialized transactions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

type snapshot struct {
	balances     map[string]ledger.Credits
	purchases    map[string][]ledger.PurchaseRecord
	transactions map[string][]ledger.TransactionLogEntry
	references   map[string]struct{}
	lastSequence int64
}

func newSnapshot() *snapshot {
	return &snapshot{
		balances:     make(map[string]ledger.Credits),
		purchases:    make(map[string][]ledger.PurchaseRecord),
		transactions: make(map[string][]ledger.TransactionLogEntry),
		references:   make(map[string]struct{}),
	}
}

func (current *snapshot) clone() *snapshot {
	copied := newSnapshot()
	copied.lastSequence = current.lastSequence
	for owner, balance := range current.balances {
		copied.balances[owner] = balance
	}
	for owner, records := range current.purchases {
		copied.purchases[owner] = append([]ledger.PurchaseRecord(nil), records...)
	}
	for owner, entries := range current.transactions {
		copied.transactions[owner] = append([]ledger.TransactionLogEntry(nil), entries...)
	}
	for reference := range current.references {
		copied.references[reference] = struct{}{}
	}
	return copied
}

type root struct {
	mutex sync.Mutex
	data  *snapshot
}

// Store implements ledger.Store. Every transaction holds one global lock until it commits or rolls back.
type Store struct {
	root *root
	tx   *snapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{root: &root{data: newSnapshot()}}
}

// WithTx runs fn against a private copy that replaces the committed state only when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	working := store.root.data.clone()
	if err := fn(ctx, &Store{root: store.root, tx: working}); err != nil {
		return err
	}
	store.root.data = working
	return nil
}

func (store *Store) view(fn func(data *snapshot) error) error {
	if store.tx != nil {
		return fn(store.tx)
	}
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	return fn(store.root.data)
}

func (store *Store) mutate(fn func(data *snapshot) error) error {
	if store.tx == nil {
		return store.WithTx(context.Background(), func(_ context.Context, txStore ledger.Store) error {
			return fn(txStore.(*Store).tx)
		})
	}
	return fn(store.tx)
}

// GetBalance reports the committed balance.
func (store *Store) GetBalance(_ context.Context, owner ledger.OwnerID) (ledger.Credits, bool, error) {
	var balance ledger.Credits
	var exists bool
	err := store.view(func(data *snapshot) error {
		balance, exists = data.balances[owner.String()]
		return nil
	})
	return balance, exists, err
}

// LockAccount creates the account at zero when needed.
func (store *Store) LockAccount(_ context.Context, owner ledger.OwnerID) (ledger.Credits, error) {
	var balance ledger.Credits
	err := store.mutate(func(data *snapshot) error {
		current, exists := data.balances[owner.String()]
		if !exists {
			data.balances[owner.String()] = 0
		}
		balance = current
		return nil
	})
	return balance, err
}

// SetBalance overwrites the balance of an existing account.
func (store *Store) SetBalance(_ context.Context, owner ledger.OwnerID, balance ledger.Credits) error {
	if balance < 0 {
		return fmt.Errorf("%w: negative balance", ledger.ErrInvalidBalance)
	}
	return store.mutate(func(data *snapshot) error {
		if _, exists := data.balances[owner.String()]; !exists {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownAccount, owner.String())
		}
		data.balances[owner.String()] = balance
		return nil
	})
}

// InsertPurchase records a purchase unless its item key exists.
func (store *Store) InsertPurchase(_ context.Context, record ledger.PurchaseRecord) error {
	return store.mutate(func(data *snapshot) error {
		owner := record.Key().Owner().String()
		for _, existing := range data.purchases[owner] {
			if existing.Key() == record.Key() {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicatePurchase, record.Key().String())
			}
		}
		data.purchases[owner] = append(data.purchases[owner], record)
		return nil
	})
}

// PurchaseExists reports whether the item key was purchased.
func (store *Store) PurchaseExists(_ context.Context, key ledger.ItemKey) (bool, error) {
	var exists bool
	err := store.view(func(data *snapshot) error {
		for _, existing := range data.purchases[key.Owner().String()] {
			if existing.Key() == key {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}

// ListPurchases returns purchases oldest first.
func (store *Store) ListPurchases(_ context.Context, owner ledger.OwnerID) ([]ledger.PurchaseRecord, error) {
	var records []ledger.PurchaseRecord
	err := store.view(func(data *snapshot) error {
		records = append([]ledger.PurchaseRecord(nil), data.purchases[owner.String()]...)
		return nil
	})
	return records, err
}

// AppendTransaction appends a log entry unless its reference exists for the owner.
func (store *Store) AppendTransaction(_ context.Context, entry ledger.TransactionLogEntry) error {
	return store.mutate(func(data *snapshot) error {
		owner := entry.Owner().String()
		referenceKey := owner + "\x00" + entry.Reference()
		if _, exists := data.references[referenceKey]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateTransaction, entry.Reference())
		}
		data.references[referenceKey] = struct{}{}
		data.lastSequence++
		data.transactions[owner] = append(data.transactions[owner], entry.WithSequence(data.lastSequence))
		return nil
	})
}

// ListTransactions returns entries newest first.
func (store *Store) ListTransactions(_ context.Context, owner ledger.OwnerID, cursor ledger.TransactionCursor, limit int) ([]ledger.TransactionLogEntry, error) {
	var entries []ledger.TransactionLogEntry
	err := store.view(func(data *snapshot) error {
		for _, entry := range data.transactions[owner.String()] {
			if cursor.Admits(entry.CreatedUnixUTC(), entry.Sequence()) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].CreatedUnixUTC() != entries[right].CreatedUnixUTC() {
			return entries[left].CreatedUnixUTC() > entries[right].CreatedUnixUTC()
		}
		return entries[left].Sequence() > entries[right].Sequence()
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// TotalBalance sums every account balance.
func (store *Store) TotalBalance() ledger.Credits {
	var total ledger.Credits
	_ = store.view(func(data *snapshot) error {
		for _, balance := range data.balances {
			total += balance
		}
		return nil
	})
	return total
}
