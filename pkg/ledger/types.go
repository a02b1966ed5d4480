package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Credits is a whole-number quantity of credit.
type Credits int64

// NewCredits validates a non-negative credit quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a strictly positive credit quantity.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// OwnerID identifies the principal that holds a balance.
type OwnerID struct {
	value string
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// IsZero reports whether the id was never validated.
func (id OwnerID) IsZero() bool {
	return id.value == ""
}

// ItemID identifies a purchasable item within its item type.
type ItemID struct {
	value string
}

// NewItemID validates and normalizes an item id.
func NewItemID(raw string) (ItemID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ItemID{}, fmt.Errorf("%w: empty value", ErrInvalidItemID)
	}
	return ItemID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ItemID) String() string {
	return id.value
}

// ItemType enumerates the purchasable item categories.
type ItemType string

const (
	ItemTypeWorkbook       ItemType = "WORKBOOK"
	ItemTypePrompt         ItemType = "PROMPT"
	ItemTypeProposal       ItemType = "PROPOSAL"
	ItemTypeProposalCreate ItemType = "PROPOSAL_CREATE"
)

var knownItemTypes = map[ItemType]struct{}{
	ItemTypeWorkbook:       {},
	ItemTypePrompt:         {},
	ItemTypeProposal:       {},
	ItemTypeProposalCreate: {},
}

// ItemTypes lists the supported item types in a stable order.
func ItemTypes() []ItemType {
	return []ItemType{ItemTypeWorkbook, ItemTypePrompt, ItemTypeProposal, ItemTypeProposalCreate}
}

// ParseItemType validates an item type, accepting any letter case.
func ParseItemType(raw string) (ItemType, error) {
	candidate := ItemType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownItemTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidItemType, raw)
	}
	return candidate, nil
}

// String returns the canonical item type name.
func (itemType ItemType) String() string {
	return string(itemType)
}

// ItemKey is the (owner, item id, item type) triple a purchase is unique on.
type ItemKey struct {
	owner    OwnerID
	itemID   ItemID
	itemType ItemType
}

// NewItemKey validates an item key.
func NewItemKey(owner OwnerID, itemID ItemID, itemType ItemType) (ItemKey, error) {
	if owner.IsZero() {
		return ItemKey{}, fmt.Errorf("%w: owner is required", ErrInvalidItemKey)
	}
	if itemID.value == "" {
		return ItemKey{}, fmt.Errorf("%w: item id is required", ErrInvalidItemKey)
	}
	if _, ok := knownItemTypes[itemType]; !ok {
		return ItemKey{}, fmt.Errorf("%w: item type %q", ErrInvalidItemKey, itemType)
	}
	return ItemKey{owner: owner, itemID: itemID, itemType: itemType}, nil
}

// ParseItemKey validates raw owner, item id and item type values together.
func ParseItemKey(rawOwner string, rawItemID string, rawItemType string) (ItemKey, error) {
	owner, err := NewOwnerID(rawOwner)
	if err != nil {
		return ItemKey{}, err
	}
	itemID, err := NewItemID(rawItemID)
	if err != nil {
		return ItemKey{}, err
	}
	itemType, err := ParseItemType(rawItemType)
	if err != nil {
		return ItemKey{}, err
	}
	return NewItemKey(owner, itemID, itemType)
}

// Owner returns the owning principal.
func (key ItemKey) Owner() OwnerID {
	return key.owner
}

// ItemID returns the item identifier.
func (key ItemKey) ItemID() ItemID {
	return key.itemID
}

// ItemType returns the item category.
func (key ItemKey) ItemType() ItemType {
	return key.itemType
}

// String renders the key for logs.
func (key ItemKey) String() string {
	return key.owner.value + referenceDelimiter + string(key.itemType) + referenceDelimiter + key.itemID.value
}

// GrantKey makes a grant idempotent per owner.
type GrantKey struct {
	value string
}

// NewGrantKey validates and normalizes a grant key.
func NewGrantKey(raw string) (GrantKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GrantKey{}, fmt.Errorf("%w: empty value", ErrInvalidGrantKey)
	}
	return GrantKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key GrantKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func normalizeDescription(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > maximumDescriptionLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maximumDescriptionLength)
	}
	return trimmed, nil
}

// PurchaseRecord is the durable fact that an owner has unlocked an item.
type PurchaseRecord struct {
	key            ItemKey
	cost           Credits
	description    string
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewPurchaseRecord validates a purchase record.
func NewPurchaseRecord(key ItemKey, cost Credits, description string, metadata MetadataJSON, createdUnixUTC int64) (PurchaseRecord, error) {
	if key.owner.IsZero() {
		return PurchaseRecord{}, fmt.Errorf("%w: empty key", ErrInvalidItemKey)
	}
	if cost < 0 {
		return PurchaseRecord{}, fmt.Errorf("%w: cost must not be negative", ErrInvalidCredits)
	}
	normalizedDescription, err := normalizeDescription(description)
	if err != nil {
		return PurchaseRecord{}, err
	}
	return PurchaseRecord{
		key:            key,
		cost:           cost,
		description:    normalizedDescription,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// Key returns the unique item key.
func (record PurchaseRecord) Key() ItemKey {
	return record.key
}

// Cost returns the credits debited for the unlock.
func (record PurchaseRecord) Cost() Credits {
	return record.cost
}

// Description returns the optional human readable description.
func (record PurchaseRecord) Description() string {
	return record.description
}

// Metadata returns the opaque metadata attached to the purchase.
func (record PurchaseRecord) Metadata() MetadataJSON {
	return record.metadata
}

// CreatedUnixUTC returns the purchase time.
func (record PurchaseRecord) CreatedUnixUTC() int64 {
	return record.createdUnixUTC
}

// TransactionLogEntry is one append-only line of the balance history.
type TransactionLogEntry struct {
	owner            OwnerID
	delta            int64
	reason           string
	reference        string
	description      string
	resultingBalance Credits
	createdUnixUTC   int64
	sequence         int64
}

// NewTransactionLogEntry validates a log entry.
func NewTransactionLogEntry(owner OwnerID, delta int64, reason string, reference string, description string, resultingBalance Credits, createdUnixUTC int64) (TransactionLogEntry, error) {
	if owner.IsZero() {
		return TransactionLogEntry{}, fmt.Errorf("%w: owner is required", ErrInvalidLogEntry)
	}
	if strings.TrimSpace(reason) == "" {
		return TransactionLogEntry{}, fmt.Errorf("%w: reason is required", ErrInvalidLogEntry)
	}
	if strings.TrimSpace(reference) == "" {
		return TransactionLogEntry{}, fmt.Errorf("%w: reference is required", ErrInvalidLogEntry)
	}
	if resultingBalance < 0 {
		return TransactionLogEntry{}, fmt.Errorf("%w: resulting balance must not be negative", ErrInvalidBalance)
	}
	normalizedDescription, err := normalizeDescription(description)
	if err != nil {
		return TransactionLogEntry{}, err
	}
	return TransactionLogEntry{
		owner:            owner,
		delta:            delta,
		reason:           reason,
		reference:        reference,
		description:      normalizedDescription,
		resultingBalance: resultingBalance,
		createdUnixUTC:   createdUnixUTC,
	}, nil
}

// Owner returns the account owner.
func (entry TransactionLogEntry) Owner() OwnerID {
	return entry.owner
}

// Delta returns the signed balance change.
func (entry TransactionLogEntry) Delta() int64 {
	return entry.delta
}

// Reason returns ReasonPurchase or ReasonGrant.
func (entry TransactionLogEntry) Reason() string {
	return entry.reason
}

// Reference returns the per-owner unique reference of the change.
func (entry TransactionLogEntry) Reference() string {
	return entry.reference
}

// Description returns the optional description.
func (entry TransactionLogEntry) Description() string {
	return entry.description
}

// ResultingBalance returns the balance right after the change.
func (entry TransactionLogEntry) ResultingBalance() Credits {
	return entry.resultingBalance
}

// CreatedUnixUTC returns when the change committed.
func (entry TransactionLogEntry) CreatedUnixUTC() int64 {
	return entry.createdUnixUTC
}

// Sequence returns the store-assigned position of the entry; zero until the entry is read back.
func (entry TransactionLogEntry) Sequence() int64 {
	return entry.sequence
}

// WithSequence returns a copy of the entry positioned at sequence.
func (entry TransactionLogEntry) WithSequence(sequence int64) TransactionLogEntry {
	entry.sequence = sequence
	return entry
}

// TransactionCursor marks where a newest-first history page ends.
// Entries created before BeforeUnixUTC are listed, plus entries of that same
// second whose sequence is below BeforeSequence. A zero BeforeUnixUTC means now.
type TransactionCursor struct {
	BeforeUnixUTC  int64
	BeforeSequence int64
}

// CursorAfter returns the cursor of the page that follows entry.
func CursorAfter(entry TransactionLogEntry) TransactionCursor {
	return TransactionCursor{BeforeUnixUTC: entry.createdUnixUTC, BeforeSequence: entry.sequence}
}

// Admits reports whether the entry at createdUnixUTC and sequence falls inside the page.
func (cursor TransactionCursor) Admits(createdUnixUTC int64, sequence int64) bool {
	if createdUnixUTC < cursor.BeforeUnixUTC {
		return true
	}
	return createdUnixUTC == cursor.BeforeUnixUTC && sequence < cursor.BeforeSequence
}

// PurchaseResult is the outcome of PurchaseItem.
type PurchaseResult struct {
	NewBalance   Credits
	AlreadyOwned bool
}

// GrantResult is the outcome of Grant.
type GrantResult struct {
	NewBalance     Credits
	AlreadyApplied bool
}

// BalanceUpdate carries the authoritative post-commit balance of an owner.
type BalanceUpdate struct {
	Owner     OwnerID
	Balance   Credits
	Reason    string
	AtUnixUTC int64
}

// BalancePublisher receives balance updates after the ledger commits.
type BalancePublisher interface {
	PublishBalance(ctx context.Context, update BalanceUpdate) error
}

// OwnerDirectory resolves whether an owner is known to the identity collaborator.
type OwnerDirectory interface {
	OwnerExists(ctx context.Context, owner OwnerID) (bool, error)
}

func purchaseReference(key ItemKey) string {
	return referencePurchasePrefix + referenceDelimiter + string(key.itemType) + referenceDelimiter + key.itemID.value
}

func grantReference(key GrantKey) string {
	return referenceGrantPrefix + referenceDelimiter + key.value
}

func addCredits(balance Credits, amount Credits) (Credits, error) {
	if amount > 0 && balance > Credits(math.MaxInt64)-amount {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidCredits)
	}
	return balance + amount, nil
}

// Store is the persistence port of the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetBalance reports the committed balance without creating an account.
	GetBalance(ctx context.Context, owner OwnerID) (Credits, bool, error)
	// LockAccount creates the account at zero when absent and holds it for the current transaction.
	LockAccount(ctx context.Context, owner OwnerID) (Credits, error)
	SetBalance(ctx context.Context, owner OwnerID, balance Credits) error

	// InsertPurchase returns ErrDuplicatePurchase when the item key already exists.
	InsertPurchase(ctx context.Context, record PurchaseRecord) error
	PurchaseExists(ctx context.Context, key ItemKey) (bool, error)
	ListPurchases(ctx context.Context, owner OwnerID) ([]PurchaseRecord, error)

	// AppendTransaction returns ErrDuplicateTransaction when the reference already exists for the owner.
	AppendTransaction(ctx context.Context, entry TransactionLogEntry) error
	// ListTransactions returns entries admitted by cursor ordered by creation time then sequence, newest first.
	ListTransactions(ctx context.Context, owner OwnerID, cursor TransactionCursor, limit int) ([]TransactionLogEntry, error)
}
