// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Availability events
	DaemonStateChanged EventType = "DAEMON_STATE_CHANGED"

	// External chain notifications (daemon callbacks)
	BlockNotified       EventType = "BLOCK_NOTIFIED"
	TransactionNotified EventType = "TRANSACTION_NOTIFIED"

	// Reconciliation results
	NewBlock                EventType = "NEW_BLOCK"
	InvoiceReceivedPayment  EventType = "INVOICE_RECEIVED_PAYMENT"
	InvoiceNewMethodDetails EventType = "INVOICE_NEW_METHOD_DETAILS"
	InvoiceNeedUpdate       EventType = "INVOICE_NEED_UPDATE"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}
