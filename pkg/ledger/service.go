package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the purchase and balance logic over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	loggers      []OperationLogger
	publisher    BalancePublisher
	directory    OwnerDirectory
	retryBudget  int
	retryBackoff time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		retryBudget:  defaultRetryBudget,
		retryBackoff: defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the committed balance; owners without an account read as zero.
func (service *Service) GetBalance(ctx context.Context, owner OwnerID) (Credits, error) {
	if err := service.resolveOwner(ctx, owner); err != nil {
		return 0, err
	}
	balance, _, err := service.store.GetBalance(ctx, owner)
	if err != nil {
		return 0, WrapError(operationGetBalance, "balance", "store", classifyStoreError(err))
	}
	return balance, nil
}

// IsPurchased reports whether the item key has a purchase record.
func (service *Service) IsPurchased(ctx context.Context, key ItemKey) (bool, error) {
	if err := validateItemKey(key); err != nil {
		return false, err
	}
	if err := service.resolveOwner(ctx, key.Owner()); err != nil {
		return false, err
	}
	exists, err := service.store.PurchaseExists(ctx, key)
	if err != nil {
		return false, WrapError(operationIsPurchased, "purchase", "store", classifyStoreError(err))
	}
	return exists, nil
}

// PurchaseItem unlocks an item at most once per item key.
// The purchase record, the debit and the log entry commit together or not at all.
func (service *Service) PurchaseItem(ctx context.Context, key ItemKey, cost Credits, description string, metadata MetadataJSON) (PurchaseResult, error) {
	var result PurchaseResult
	attempts := 0
	operationError := validateItemKey(key)
	if operationError == nil && cost < 0 {
		operationError = fmt.Errorf("%w: cost must not be negative", ErrInvalidCredits)
	}
	if operationError == nil {
		operationError = service.resolveOwner(ctx, key.Owner())
	}
	if operationError == nil {
		attempts, operationError = service.withRetry(ctx, OperationPurchase, func() error {
			attemptResult, err := service.purchaseOnce(ctx, key, cost, description, metadata)
			result = attemptResult
			return err
		})
	}
	var notifyError error
	if operationError == nil && !result.AlreadyOwned {
		notifyError = service.publish(ctx, key.Owner(), result.NewBalance, ReasonPurchase)
	}
	status := ""
	if operationError == nil && result.AlreadyOwned {
		status = StatusAlreadyApplied
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationPurchase,
		Owner:       key.Owner(),
		ItemKey:     key,
		Amount:      cost,
		NewBalance:  result.NewBalance,
		Attempts:    attempts,
		Status:      status,
		Error:       operationError,
		NotifyError: notifyError,
	})
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	return result, nil
}

func (service *Service) purchaseOnce(ctx context.Context, key ItemKey, cost Credits, description string, metadata MetadataJSON) (PurchaseResult, error) {
	var result PurchaseResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		record, err := NewPurchaseRecord(key, cost, description, metadata, nowUnixUTC)
		if err != nil {
			return err
		}
		insertError := transactionStore.InsertPurchase(ctx, record)
		if errors.Is(insertError, ErrDuplicatePurchase) {
			balance, _, err := transactionStore.GetBalance(ctx, key.Owner())
			if err != nil {
				return err
			}
			result = PurchaseResult{NewBalance: balance, AlreadyOwned: true}
			return nil
		}
		if insertError != nil {
			return insertError
		}
		balance, err := transactionStore.LockAccount(ctx, key.Owner())
		if err != nil {
			return err
		}
		if balance < cost {
			return InsufficientCreditError{Required: cost, Available: balance}
		}
		newBalance := balance - cost
		if err := transactionStore.SetBalance(ctx, key.Owner(), newBalance); err != nil {
			return err
		}
		entry, err := NewTransactionLogEntry(key.Owner(), -cost.Int64(), ReasonPurchase, purchaseReference(key), record.Description(), newBalance, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		result = PurchaseResult{NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, classifyStoreError(err)
	}
	return result, nil
}

// Grant credits an owner once per grant key.
func (service *Service) Grant(ctx context.Context, owner OwnerID, amount Credits, grantKey GrantKey, description string) (GrantResult, error) {
	var result GrantResult
	attempts := 0
	var operationError error
	switch {
	case owner.IsZero():
		operationError = fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	case amount <= 0:
		operationError = fmt.Errorf("%w: grant must be greater than zero", ErrInvalidCredits)
	case grantKey.value == "":
		operationError = fmt.Errorf("%w: empty value", ErrInvalidGrantKey)
	default:
		operationError = service.resolveOwner(ctx, owner)
	}
	if operationError == nil {
		attempts, operationError = service.withRetry(ctx, OperationGrant, func() error {
			attemptResult, err := service.grantOnce(ctx, owner, amount, grantKey, description)
			result = attemptResult
			return err
		})
	}
	var notifyError error
	if operationError == nil && !result.AlreadyApplied {
		notifyError = service.publish(ctx, owner, result.NewBalance, ReasonGrant)
	}
	status := ""
	if operationError == nil && result.AlreadyApplied {
		status = StatusAlreadyApplied
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationGrant,
		Owner:       owner,
		GrantKey:    grantKey,
		Amount:      amount,
		NewBalance:  result.NewBalance,
		Attempts:    attempts,
		Status:      status,
		Error:       operationError,
		NotifyError: notifyError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

func (service *Service) grantOnce(ctx context.Context, owner OwnerID, amount Credits, grantKey GrantKey, description string) (GrantResult, error) {
	var result GrantResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.LockAccount(ctx, owner)
		if err != nil {
			return err
		}
		newBalance, err := addCredits(balance, amount)
		if err != nil {
			return err
		}
		entry, err := NewTransactionLogEntry(owner, amount.Int64(), ReasonGrant, grantReference(grantKey), description, newBalance, service.nowFn())
		if err != nil {
			return err
		}
		appendError := transactionStore.AppendTransaction(ctx, entry)
		if errors.Is(appendError, ErrDuplicateTransaction) {
			result = GrantResult{NewBalance: balance, AlreadyApplied: true}
			return nil
		}
		if appendError != nil {
			return appendError
		}
		if err := transactionStore.SetBalance(ctx, owner, newBalance); err != nil {
			return err
		}
		result = GrantResult{NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return GrantResult{}, classifyStoreError(err)
	}
	return result, nil
}

// ListTransactions returns the newest log entries admitted by cursor.
// Passing CursorAfter(last entry) fetches the next page without skipping entries of the same second.
func (service *Service) ListTransactions(ctx context.Context, owner OwnerID, cursor TransactionCursor, limit int) ([]TransactionLogEntry, error) {
	if err := service.resolveOwner(ctx, owner); err != nil {
		return nil, err
	}
	if cursor.BeforeUnixUTC <= 0 {
		cursor = TransactionCursor{BeforeUnixUTC: service.nowFn() + 1}
	}
	if cursor.BeforeSequence < 0 {
		return nil, fmt.Errorf("%w: sequence must not be negative", ErrInvalidCursor)
	}
	entries, err := service.store.ListTransactions(ctx, owner, cursor, clampLimit(limit))
	if err != nil {
		return nil, WrapError(operationListTransactions, "transactions", "store", classifyStoreError(err))
	}
	return entries, nil
}

// ListPurchases returns every purchase record of the owner.
func (service *Service) ListPurchases(ctx context.Context, owner OwnerID) ([]PurchaseRecord, error) {
	if err := service.resolveOwner(ctx, owner); err != nil {
		return nil, err
	}
	records, err := service.store.ListPurchases(ctx, owner)
	if err != nil {
		return nil, WrapError(operationListPurchases, "purchases", "store", classifyStoreError(err))
	}
	return records, nil
}

func (service *Service) resolveOwner(ctx context.Context, owner OwnerID) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	if service.directory == nil {
		return nil
	}
	exists, err := service.directory.OwnerExists(ctx, owner)
	if err != nil {
		return fmt.Errorf("%w: owner lookup: %w", ErrStoreUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner.String())
	}
	return nil
}

// withRetry re-runs attempt while it fails with ErrTransientConflict and budget remains.
func (service *Service) withRetry(ctx context.Context, operation string, attempt func() error) (int, error) {
	var lastError error
	attempts := 0
	for attemptIndex := 0; attemptIndex <= service.retryBudget; attemptIndex++ {
		if attemptIndex > 0 {
			if err := sleepContext(ctx, time.Duration(attemptIndex)*service.retryBackoff); err != nil {
				return attempts, WrapError(operation, "retry", "cancelled", fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
			}
		}
		attempts++
		lastError = attempt()
		if !errors.Is(lastError, ErrTransientConflict) {
			return attempts, lastError
		}
	}
	return attempts, WrapError(operation, "retry", "exhausted", fmt.Errorf("%w: %w", ErrStoreUnavailable, lastError))
}

func (service *Service) publish(ctx context.Context, owner OwnerID, balance Credits, reason string) error {
	if service.publisher == nil {
		return nil
	}
	return service.publisher.PublishBalance(ctx, BalanceUpdate{
		Owner:     owner,
		Balance:   balance,
		Reason:    reason,
		AtUnixUTC: service.nowFn(),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = StatusError
		} else {
			entry.Status = StatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

func validateItemKey(key ItemKey) error {
	if key.owner.IsZero() || key.itemID.value == "" || key.itemType == "" {
		return fmt.Errorf("%w: incomplete key", ErrInvalidItemKey)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultTransactionLimit
	}
	if limit > maximumTransactionLimit {
		return maximumTransactionLimit
	}
	return limit
}

func sleepContext(ctx context.Context, pause time.Duration) error {
	if pause <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
