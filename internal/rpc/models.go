package rpc

// Request and response shapes for the daemon and wallet-rpc methods this
// system uses. Field names match the monerod/wallet-rpc wire format.

// SyncInfoResponse is the daemon's sync_info result.
type SyncInfoResponse struct {
	Height       int64  `json:"height"`
	TargetHeight *int64 `json:"target_height"`
}

// GetHeightResponse is the wallet's get_height result.
type GetHeightResponse struct {
	Height int64 `json:"height"`
}

// SubaddrIndex identifies a subaddress as (account, index-within-account).
type SubaddrIndex struct {
	Major int64 `json:"major"`
	Minor int64 `json:"minor"`
}

// Transfer is one wallet-reported incoming movement.
type Transfer struct {
	Address       string       `json:"address"`
	Amount        int64        `json:"amount"`
	Confirmations int64        `json:"confirmations"`
	Height        int64        `json:"height"`
	SubaddrIndex  SubaddrIndex `json:"subaddr_index"`
	Txid          string       `json:"txid"`
	Type          string       `json:"type"`
	UnlockTime    int64        `json:"unlock_time"`
}

// GetTransfersRequest asks the wallet for transfers restricted to a set of
// subaddress indices under one account.
type GetTransfersRequest struct {
	AccountIndex   int64   `json:"account_index"`
	In             bool    `json:"in"`
	SubaddrIndices []int64 `json:"subaddr_indices"`
}

// GetTransfersResponse is the wallet's get_transfers result.
type GetTransfersResponse struct {
	In []Transfer `json:"in"`
}

// GetTransferByTransactionIDRequest asks the wallet for one transaction.
type GetTransferByTransactionIDRequest struct {
	TransactionID string `json:"txid"`
}

// GetTransferByTransactionIDResponse is the wallet's get_transfer_by_txid
// result. Transfer carries the transaction-level data, Transfers the
// per-destination breakdown.
type GetTransferByTransactionIDResponse struct {
	Transfer  Transfer   `json:"transfer"`
	Transfers []Transfer `json:"transfers"`
}

// CreateAddressRequest asks the wallet for a fresh subaddress under an
// account.
type CreateAddressRequest struct {
	AccountIndex int64  `json:"account_index"`
	Label        string `json:"label,omitempty"`
}

// CreateAddressResponse is the wallet's create_address result.
type CreateAddressResponse struct {
	Address      string `json:"address"`
	AddressIndex int64  `json:"address_index"`
}

// CreateAccountRequest asks the wallet for a new account.
type CreateAccountRequest struct {
	Label string `json:"label,omitempty"`
}

// CreateAccountResponse is the wallet's create_account result.
type CreateAccountResponse struct {
	AccountIndex int64  `json:"account_index"`
	Address      string `json:"address"`
}

// GetAccountsRequest asks the wallet for its account list.
type GetAccountsRequest struct {
	Tag string `json:"tag,omitempty"`
}

// Account is one wallet account in a get_accounts result.
type Account struct {
	AccountIndex    int64  `json:"account_index"`
	Balance         int64  `json:"balance"`
	BaseAddress     string `json:"base_address"`
	Label           string `json:"label"`
	UnlockedBalance int64  `json:"unlocked_balance"`
}

// GetAccountsResponse is the wallet's get_accounts result.
type GetAccountsResponse struct {
	SubaddressAccounts   []Account `json:"subaddress_accounts"`
	TotalBalance         int64     `json:"total_balance"`
	TotalUnlockedBalance int64     `json:"total_unlocked_balance"`
}

// GetFeeEstimateRequest asks the daemon for a fee estimate.
type GetFeeEstimateRequest struct {
	GraceBlocks int `json:"grace_blocks,omitempty"`
}

// GetFeeEstimateResponse is the daemon's get_fee_estimate result.
// Fee is in atomic units per kilobyte.
type GetFeeEstimateResponse struct {
	Fee       int64  `json:"fee"`
	Status    string `json:"status"`
	Untrusted bool   `json:"untrusted"`
}
