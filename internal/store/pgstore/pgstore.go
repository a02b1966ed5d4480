// Package pgstore implements ledger.Store directly on a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgLockNotAvailable      = "55P03"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectPurchase    = "purchase"
	errorSubjectTransaction = "transaction"
	errorSubjectLog         = "log"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMissing        = "missing"
	errorCodeUpdate         = "update"

	sqlSelectBalance = `select balance from credit_accounts where owner = $1`

	sqlEnsureAccount = `
		insert into credit_accounts(owner, balance) values($1, 0)
		on conflict (owner) do nothing
	`

	sqlLockAccount = `select balance from credit_accounts where owner = $1 for update`

	sqlUpdateBalance = `
		update credit_accounts set balance = $2, updated_at = now()
		where owner = $1
	`

	sqlInsertPurchase = `
		insert into purchases(purchase_id, owner, item_type, item_id, cost, description, metadata, created_at)
		values($1, $2, $3, $4, $5, $6, coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
		on conflict (owner, item_type, item_id) do nothing
	`

	sqlPurchaseExists = `
		select exists(select 1 from purchases where owner = $1 and item_type = $2 and item_id = $3)
	`

	sqlListPurchases = `
		select owner, item_type, item_id, cost, description, coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from purchases
		where owner = $1
		order by created_at asc, purchase_id asc
	`

	sqlInsertTransaction = `
		insert into credit_transactions(owner, reference, reason, delta, resulting_balance, description, created_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7))
		on conflict (owner, reference) do nothing
	`

	sqlListTransactionsBefore = `
		select id, owner, reference, reason, delta, resulting_balance, description, extract(epoch from created_at)::bigint
		from credit_transactions
		where owner = $1
		  and (created_at < to_timestamp($2)
		       or (created_at >= to_timestamp($2) and created_at < to_timestamp($2 + 1) and id < $3))
		order by created_at desc, id desc
		limit $4
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx pool, or a single transaction inside WithTx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Connect opens and pings a pool.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore.connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore.ping: %w", err)
	}
	return pool, nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classifyDriverError(err))
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classifyDriverError(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, bool, error) {
	var raw int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, owner.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyDriverError(err))
	}
	balance, err := ledger.NewCredits(raw)
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, true, nil
}

func (store *Store) LockAccount(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, error) {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, owner.String()); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCreate, classifyDriverError(err))
	}
	var raw int64
	if err := store.db.QueryRow(ctx, sqlLockAccount, owner.String()).Scan(&raw); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyDriverError(err))
	}
	balance, err := ledger.NewCredits(raw)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetBalance(ctx context.Context, owner ledger.OwnerID, balance ledger.Credits) error {
	if balance < 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	tag, err := store.db.Exec(ctx, sqlUpdateBalance, owner.String(), balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, classifyDriverError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeMissing, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertPurchase(ctx context.Context, record ledger.PurchaseRecord) error {
	key := record.Key()
	tag, err := store.db.Exec(ctx, sqlInsertPurchase,
		uuid.NewString(),
		key.Owner().String(),
		key.ItemType().String(),
		key.ItemID().String(),
		record.Cost().Int64(),
		record.Description(),
		record.Metadata().String(),
		record.CreatedUnixUTC(),
	)
	if isUniqueViolation(err) || (err == nil && tag.RowsAffected() == 0) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, classifyDriverError(err))
	}
	return nil
}

func (store *Store) PurchaseExists(ctx context.Context, key ledger.ItemKey) (bool, error) {
	var exists bool
	err := store.db.QueryRow(ctx, sqlPurchaseExists, key.Owner().String(), key.ItemType().String(), key.ItemID().String()).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeGet, classifyDriverError(err))
	}
	return exists, nil
}

func (store *Store) ListPurchases(ctx context.Context, owner ledger.OwnerID) ([]ledger.PurchaseRecord, error) {
	rows, err := store.db.Query(ctx, sqlListPurchases, owner.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, classifyDriverError(err))
	}
	defer rows.Close()

	var records []ledger.PurchaseRecord
	for rows.Next() {
		var (
			rawOwner, rawItemType, rawItemID, description, metadataText string
			cost, createdUnix                                           int64
		)
		if err := rows.Scan(&rawOwner, &rawItemType, &rawItemID, &cost, &description, &metadataText, &createdUnix); err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
		}
		record, err := mapPurchase(rawOwner, rawItemType, rawItemID, cost, description, metadataText, createdUnix)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, classifyDriverError(err))
	}
	return records, nil
}

func (store *Store) AppendTransaction(ctx context.Context, entry ledger.TransactionLogEntry) error {
	tag, err := store.db.Exec(ctx, sqlInsertTransaction,
		entry.Owner().String(),
		entry.Reference(),
		entry.Reason(),
		entry.Delta(),
		entry.ResultingBalance().Int64(),
		entry.Description(),
		entry.CreatedUnixUTC(),
	)
	if isUniqueViolation(err) || (err == nil && tag.RowsAffected() == 0) {
		return wrapStoreError(errorSubjectLog, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLog, errorCodeInsert, classifyDriverError(err))
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, owner ledger.OwnerID, cursor ledger.TransactionCursor, limit int) ([]ledger.TransactionLogEntry, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, owner.String(), cursor.BeforeUnixUTC, cursor.BeforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLog, errorCodeList, classifyDriverError(err))
	}
	defer rows.Close()

	var entries []ledger.TransactionLogEntry
	for rows.Next() {
		var (
			rawOwner, reference, reason, description       string
			sequence, delta, resultingBalance, createdUnix int64
		)
		if err := rows.Scan(&sequence, &rawOwner, &reference, &reason, &delta, &resultingBalance, &description, &createdUnix); err != nil {
			return nil, wrapStoreError(errorSubjectLog, errorCodeList, err)
		}
		entry, err := mapTransaction(sequence, rawOwner, reference, reason, delta, resultingBalance, description, createdUnix)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLog, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLog, errorCodeList, classifyDriverError(err))
	}
	return entries, nil
}

func mapPurchase(rawOwner, rawItemType, rawItemID string, cost int64, description, metadataText string, createdUnix int64) (ledger.PurchaseRecord, error) {
	key, err := ledger.ParseItemKey(rawOwner, rawItemID, rawItemType)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	credits, err := ledger.NewCredits(cost)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataText)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	return ledger.NewPurchaseRecord(key, credits, description, metadata, createdUnix)
}

func mapTransaction(sequence int64, rawOwner, reference, reason string, delta, resultingBalance int64, description string, createdUnix int64) (ledger.TransactionLogEntry, error) {
	owner, err := ledger.NewOwnerID(rawOwner)
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	balance, err := ledger.NewCredits(resultingBalance)
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	entry, err := ledger.NewTransactionLogEntry(owner, delta, reason, reference, description, balance, createdUnix)
	if err != nil {
		return ledger.TransactionLogEntry{}, err
	}
	return entry.WithSequence(sequence), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func classifyDriverError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
