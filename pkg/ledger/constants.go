package ledger

import "time"

// Operation names and statuses reported in OperationLog.
const (
	OperationPurchase = "purchase"
	OperationGrant    = "grant"

	StatusOK             = "ok"
	StatusAlreadyApplied = "already_applied"
	StatusError          = "error"
)

const (
	operationGetBalance       = "get_balance"
	operationIsPurchased      = "is_purchased"
	operationListTransactions = "list_transactions"
	operationListPurchases    = "list_purchases"

	referenceDelimiter      = ":"
	referencePurchasePrefix = "purchase"
	referenceGrantPrefix    = "grant"

	// ReasonPurchase marks a debit caused by an item purchase.
	ReasonPurchase = "purchase"
	// ReasonGrant marks a credit added to an account.
	ReasonGrant = "grant"

	defaultRetryBudget       = 3
	defaultRetryBackoff      = 25 * time.Millisecond
	defaultTransactionLimit  = 50
	maximumTransactionLimit  = 500
	maximumDescriptionLength = 512
)
