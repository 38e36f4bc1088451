package events

import (
	"github.com/wownero420/btcpayserver/internal/currencies"
)

// EventData is the interface that all event data types must implement.
// This allows for type-safe event data while keeping one bus for all events.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// DaemonStateChangedData contains data for DaemonStateChanged events.
// It carries the fresh summary; the bus never re-reads shared state.
type DaemonStateChangedData struct {
	CryptoCode string             `json:"crypto_code"`
	Summary    currencies.Summary `json:"summary"`
}

// EventType returns the event type for DaemonStateChangedData
func (d *DaemonStateChangedData) EventType() EventType {
	return DaemonStateChanged
}

// ChainNotificationData contains data for BlockNotified and
// TransactionNotified events republished from the daemon callback endpoint.
// Exactly one of BlockHash and TransactionHash is set.
type ChainNotificationData struct {
	CryptoCode      string `json:"crypto_code"`
	BlockHash       string `json:"block_hash,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// EventType returns the event type for ChainNotificationData
func (d *ChainNotificationData) EventType() EventType {
	if d.TransactionHash != "" {
		return TransactionNotified
	}
	return BlockNotified
}

// NewBlockData contains data for NewBlock events
type NewBlockData struct {
	CryptoCode string `json:"crypto_code"`
}

// EventType returns the event type for NewBlockData
func (d *NewBlockData) EventType() EventType {
	return NewBlock
}

// InvoicePaymentData contains data for InvoiceReceivedPayment events
type InvoicePaymentData struct {
	InvoiceID  string  `json:"invoice_id"`
	CryptoCode string  `json:"crypto_code"`
	PaymentID  string  `json:"payment_id"`
	Value      float64 `json:"value"`
}

// EventType returns the event type for InvoicePaymentData
func (d *InvoicePaymentData) EventType() EventType {
	return InvoiceReceivedPayment
}

// InvoiceNewMethodDetailsData contains data for InvoiceNewMethodDetails
// events, published after a deposit address rotation so the payer-facing
// surface can swap the display address.
type InvoiceNewMethodDetailsData struct {
	InvoiceID      string `json:"invoice_id"`
	CryptoCode     string `json:"crypto_code"`
	DepositAddress string `json:"deposit_address"`
}

// EventType returns the event type for InvoiceNewMethodDetailsData
func (d *InvoiceNewMethodDetailsData) EventType() EventType {
	return InvoiceNewMethodDetails
}

// InvoiceNeedUpdateData contains data for InvoiceNeedUpdate events
type InvoiceNeedUpdateData struct {
	InvoiceID string `json:"invoice_id"`
}

// EventType returns the event type for InvoiceNeedUpdateData
func (d *InvoiceNeedUpdateData) EventType() EventType {
	return InvoiceNeedUpdate
}
