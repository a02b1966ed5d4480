// Package creditv1 declares the CreditService gRPC contract.
package creditv1

type BalanceRequest struct {
	Owner string `json:"owner"`
}

type BalanceResponse struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

type IsPurchasedRequest struct {
	Owner    string `json:"owner"`
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
}

type IsPurchasedResponse struct {
	Purchased bool `json:"purchased"`
}

type PurchaseItemRequest struct {
	Owner        string `json:"owner"`
	ItemID       string `json:"item_id"`
	ItemType     string `json:"item_type"`
	Cost         int64  `json:"cost"`
	Description  string `json:"description,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

type PurchaseItemResponse struct {
	NewBalance   int64 `json:"new_balance"`
	AlreadyOwned bool  `json:"already_owned"`
}

type GrantRequest struct {
	Owner       string `json:"owner"`
	Amount      int64  `json:"amount"`
	GrantKey    string `json:"grant_key"`
	Description string `json:"description,omitempty"`
}

type GrantResponse struct {
	NewBalance     int64 `json:"new_balance"`
	AlreadyApplied bool  `json:"already_applied"`
}

type ListTransactionsRequest struct {
	Owner          string `json:"owner"`
	BeforeUnixUTC  int64  `json:"before_unix_utc,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
	Limit          int32  `json:"limit,omitempty"`
}

type Transaction struct {
	Delta            int64  `json:"delta"`
	Reason           string `json:"reason"`
	Reference        string `json:"reference"`
	Description      string `json:"description,omitempty"`
	ResultingBalance int64  `json:"resulting_balance"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	Sequence         int64  `json:"sequence"`
}

type ListTransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type WatchBalanceRequest struct {
	Owner string `json:"owner"`
}

type BalanceUpdate struct {
	Owner     string `json:"owner"`
	Balance   int64  `json:"balance"`
	Reason    string `json:"reason,omitempty"`
	AtUnixUTC int64  `json:"at_unix_utc"`
}
