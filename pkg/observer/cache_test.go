package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

type scriptedPurchaser struct {
	result  ledger.PurchaseResult
	err     error
	started chan struct{}
	release chan struct{}
}

func (purchaser *scriptedPurchaser) PurchaseItem(ctx context.Context, _ ledger.ItemKey, _ ledger.Credits, _ string, _ ledger.MetadataJSON) (ledger.PurchaseResult, error) {
	if purchaser.started != nil {
		close(purchaser.started)
	}
	if purchaser.release != nil {
		select {
		case <-purchaser.release:
		case <-ctx.Done():
			return ledger.PurchaseResult{}, ctx.Err()
		}
	}
	return purchaser.result, purchaser.err
}

type fixedReader struct {
	balance ledger.Credits
	err     error
}

func (reader fixedReader) GetBalance(context.Context, ledger.OwnerID) (ledger.Credits, error) {
	return reader.balance, reader.err
}

func mustCache(test *testing.T, owner string, options ...CacheOption) *Cache {
	test.Helper()
	ownerID, err := ledger.NewOwnerID(owner)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	cache, err := NewCache(ownerID, options...)
	if err != nil {
		test.Fatalf("cache: %v", err)
	}
	return cache
}

func mustKey(test *testing.T, owner string) ledger.ItemKey {
	test.Helper()
	key, err := ledger.ParseItemKey(owner, "w1", "WORKBOOK")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	return key
}

func TestApplyUpdateOverwritesUnconditionally(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	if _, known := cache.Balance(); known {
		test.Fatalf("expected unknown balance")
	}
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 12})
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 7})
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 9})
	if balance, known := cache.Balance(); !known || balance != 9 {
		test.Fatalf("expected last pushed value 9, got %d", balance)
	}
	other, _ := ledger.NewOwnerID("user-b")
	if cache.ApplyUpdate(ledger.BalanceUpdate{Owner: other, Balance: 100}) {
		test.Fatalf("expected foreign update to be ignored")
	}
}

func TestPurchaseAdoptsReturnedBalance(test *testing.T) {
	test.Parallel()
	var observed []ledger.Credits
	cache := mustCache(test, "user-a", WithChangeHandler(func(balance ledger.Credits) { observed = append(observed, balance) }))
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 12})
	purchaser := &scriptedPurchaser{result: ledger.PurchaseResult{NewBalance: 7}}
	result, err := cache.Purchase(context.Background(), purchaser, mustKey(test, "user-a"), 5, "", ledger.MetadataJSON{})
	if err != nil || result.NewBalance != 7 {
		test.Fatalf("unexpected result %+v (%v)", result, err)
	}
	if balance, _ := cache.Balance(); balance != 7 {
		test.Fatalf("expected 7, got %d", balance)
	}
	if len(observed) != 2 || observed[1] != 7 {
		test.Fatalf("unexpected change notifications %v", observed)
	}
}

func TestFailedPurchaseLeavesBalance(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 3})
	purchaser := &scriptedPurchaser{err: ledger.InsufficientCreditError{Required: 5, Available: 3}}
	_, err := cache.Purchase(context.Background(), purchaser, mustKey(test, "user-a"), 5, "", ledger.MetadataJSON{})
	if !errors.Is(err, ledger.ErrInsufficientCredit) {
		test.Fatalf("expected insufficient credit, got %v", err)
	}
	if balance, _ := cache.Balance(); balance != 3 {
		test.Fatalf("expected untouched balance 3, got %d", balance)
	}
	if cache.Pending() {
		test.Fatalf("expected no pending purchase")
	}
}

func TestPurchaseIsPendingWithoutOptimisticDebit(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	cache.ApplyUpdate(ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 12})
	purchaser := &scriptedPurchaser{
		result:  ledger.PurchaseResult{NewBalance: 7},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	done := make(chan error, 1)
	go func() {
		_, err := cache.Purchase(context.Background(), purchaser, mustKey(test, "user-a"), 5, "", ledger.MetadataJSON{})
		done <- err
	}()
	<-purchaser.started
	if !cache.Pending() {
		test.Fatalf("expected pending purchase")
	}
	if balance, _ := cache.Balance(); balance != 12 {
		test.Fatalf("expected no optimistic debit, got %d", balance)
	}
	close(purchaser.release)
	if err := <-done; err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if cache.Pending() {
		test.Fatalf("expected pending state to clear")
	}
}

func TestPurchaseRejectsForeignKey(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	_, err := cache.Purchase(context.Background(), &scriptedPurchaser{}, mustKey(test, "user-b"), 5, "", ledger.MetadataJSON{})
	if !errors.Is(err, ErrOwnerMismatch) {
		test.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
}

func TestRefresh(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	if err := cache.Refresh(context.Background(), fixedReader{balance: 4}); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if err := cache.Refresh(context.Background(), fixedReader{err: ledger.ErrStoreUnavailable}); !errors.Is(err, ledger.ErrStoreUnavailable) {
		test.Fatalf("expected store error, got %v", err)
	}
	if balance, known := cache.Balance(); !known || balance != 4 {
		test.Fatalf("expected 4, got %d", balance)
	}
}

func TestWatchAppliesUntilClosed(test *testing.T) {
	test.Parallel()
	cache := mustCache(test, "user-a")
	updates := make(chan ledger.BalanceUpdate, 2)
	updates <- ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 1}
	updates <- ledger.BalanceUpdate{Owner: cache.Owner(), Balance: 2}
	close(updates)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cache.Watch(ctx, updates); err != nil {
		test.Fatalf("watch: %v", err)
	}
	if balance, _ := cache.Balance(); balance != 2 {
		test.Fatalf("expected 2, got %d", balance)
	}
}
