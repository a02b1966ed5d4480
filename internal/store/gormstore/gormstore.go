// Package gormstore implements ledger.Store with GORM for PostgreSQL and SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	pgLockNotAvailable       = "55P03"
	sqliteBusyCode           = 5
	sqliteLockedCode         = 6
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectPurchase     = "purchase"
	errorSubjectTransaction  = "transaction"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeMissing         = "missing"
	errorCodeUpdate          = "update"
	errorCodeTransactionExec = "tx"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("gormstore.automigrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isTransientConflict(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		return wrapStoreError(errorSubjectAccount, errorCodeTransactionExec, fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err))
	}
	return err
}

func (store *Store) GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, bool, error) {
	var account CreditAccount
	err := store.db.WithContext(ctx).Where("owner = ?", owner.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyDriverError(err))
	}
	balance, err := ledger.NewCredits(account.Balance)
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, true, nil
}

func (store *Store) LockAccount(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, error) {
	now := time.Now().UTC()
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner"}}, DoNothing: true}).
		Create(&CreditAccount{Owner: owner.String(), Balance: 0, CreatedAt: now, UpdatedAt: now}).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCreate, classifyDriverError(err))
	}
	var account CreditAccount
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner = ?", owner.String()).
		Take(&account).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyDriverError(err))
	}
	balance, err := ledger.NewCredits(account.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetBalance(ctx context.Context, owner ledger.OwnerID, balance ledger.Credits) error {
	if balance < 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("owner = ?", owner.String()).
		Updates(map[string]any{"balance": balance.Int64(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, classifyDriverError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeMissing, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertPurchase(ctx context.Context, record ledger.PurchaseRecord) error {
	model := Purchase{
		Owner:       record.Key().Owner().String(),
		ItemType:    record.Key().ItemType().String(),
		ItemID:      record.Key().ItemID().String(),
		Cost:        record.Cost().Int64(),
		Description: record.Description(),
		Metadata:    datatypesJSON(record.Metadata().String()),
		CreatedAt:   unixToTime(record.CreatedUnixUTC()),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "item_type"}, {Name: "item_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if isUniqueViolation(result.Error) || (result.Error == nil && result.RowsAffected == 0) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, classifyDriverError(result.Error))
	}
	return nil
}

func (store *Store) PurchaseExists(ctx context.Context, key ledger.ItemKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("owner = ? AND item_type = ? AND item_id = ?", key.Owner().String(), key.ItemType().String(), key.ItemID().String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeGet, classifyDriverError(err))
	}
	return count > 0, nil
}

func (store *Store) ListPurchases(ctx context.Context, owner ledger.OwnerID) ([]ledger.PurchaseRecord, error) {
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("owner = ?", owner.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, classifyDriverError(err))
	}
	records := make([]ledger.PurchaseRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapPurchase(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) AppendTransaction(ctx context.Context, entry ledger.TransactionLogEntry) error {
	model := CreditTransaction{
		Owner:            entry.Owner().String(),
		Reference:        entry.Reference(),
		Reason:           entry.Reason(),
		Delta:            entry.Delta(),
		ResultingBalance: entry.ResultingBalance().Int64(),
		Description:      entry.Description(),
		CreatedAt:        unixToTime(entry.CreatedUnixUTC()),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "reference"}},
			DoNothing: true,
		}).
		Create(&model)
	if isUniqueViolation(result.Error) || (result.Error == nil && result.RowsAffected == 0) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyDriverError(result.Error))
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, owner ledger.OwnerID, cursor ledger.TransactionCursor, limit int) ([]ledger.TransactionLogEntry, error) {
	var rows []CreditTransaction
	secondStart := unixToTime(cursor.BeforeUnixUTC)
	secondEnd := secondStart.Add(time.Second)
	err := store.db.WithContext(ctx).
		Where("owner = ?", owner.String()).
		Where("(created_at < ? OR (created_at >= ? AND created_at < ? AND id < ?))", secondStart, secondStart, secondEnd, cursor.BeforeSequence).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyDriverError(err))
	}
	entries := make([]ledger.TransactionLogEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapPurchase(row Purchase) (ledger.PurchaseRecord, error) {
	key, err := ledger.ParseItemKey(row.Owner, row.ItemID, row.ItemType)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	cost, err := ledger.NewCredits(row.Cost)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	return ledger.NewPurchaseRecord(key, cost, row.Description, metadata, row.CreatedAt.Unix())
}

func mapTransaction(row CreditTransaction) (ledger.TransactionLogEntry, error) {
	owner, err := ledger.NewOwnerID(row.Owner)
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	resultingBalance, err := ledger.NewCredits(row.ResultingBalance)
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	entry, err := ledger.NewTransactionLogEntry(owner, row.Delta, row.Reason, row.Reference, row.Description, resultingBalance, row.CreatedAt.Unix())
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	return entry.WithSequence(int64(row.ID)), nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func classifyDriverError(err error) error {
	if isTransientConflict(err) {
		return fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
	}
	return err
}

func isTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primaryCode := sqliteErr.Code() & 0xFF
		return primaryCode == sqliteBusyCode || primaryCode == sqliteLockedCode
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
