// Package invoices persists invoices and the payments reconciled against them.
package invoices

import (
	"fmt"
	"time"

	"github.com/wownero420/btcpayserver/internal/currencies"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusExpired Status = "expired"
)

// MethodDetails describes the payment method an invoice exposes for one
// currency. Activated is false while the wallet could not be reached at
// invoice creation; such methods carry no deposit address and receive no
// reconciliation work.
type MethodDetails struct {
	Activated      bool    `json:"activated"`
	AccountIndex   int64   `json:"accountIndex"`
	AddressIndex   int64   `json:"addressIndex"`
	DepositAddress string  `json:"depositAddress"`
	NextNetworkFee float64 `json:"nextNetworkFee"`
}

// PaymentData is the on-chain observation backing a payment record.
// Amount is in atomic units.
type PaymentData struct {
	Address           string `json:"address"`
	Amount            int64  `json:"amount"`
	SubaccountIndex   int64  `json:"subaccountIndex"`
	SubaddressIndex   int64  `json:"subaddressIndex"`
	BlockHeight       int64  `json:"blockHeight"`
	ConfirmationCount int64  `json:"confirmationCount"`
	TransactionID     string `json:"transactionId"`
}

// PaymentID identifies a payment by the transaction and the subaddress that
// received it. One transaction paying two subaddresses yields two payments.
func (d PaymentData) PaymentID() string {
	return fmt.Sprintf("%s#%d#%d", d.TransactionID, d.SubaccountIndex, d.SubaddressIndex)
}

type Payment struct {
	ID         string      `json:"id"`
	InvoiceID  string      `json:"invoiceId"`
	Currency   string      `json:"currency"`
	ReceivedAt time.Time   `json:"receivedAt"`
	Accepted   bool        `json:"accepted"`
	Data       PaymentData `json:"data"`
}

type Invoice struct {
	ID        string                   `json:"id"`
	Status    Status                   `json:"status"`
	Price     float64                  `json:"price"`
	Currency  string                   `json:"currency"`
	CreatedAt time.Time                `json:"createdAt"`
	Methods   map[string]MethodDetails `json:"methods"`
	Payments  []*Payment               `json:"payments"`
}

// Due returns the amount still owed in the given currency: the invoice price
// minus the sum of accepted payments, never below zero.
func (i *Invoice) Due(cryptoCode string) float64 {
	network, ok := currencies.Get(cryptoCode)
	if !ok {
		return i.Price
	}

	due := i.Price
	for _, payment := range i.Payments {
		if payment.Currency == cryptoCode && payment.Accepted {
			due -= network.AtomicToDecimal(payment.Data.Amount)
		}
	}

	if due < 0 {
		return 0
	}
	return due
}

// Method returns the method details for a currency, if the invoice has one.
func (i *Invoice) Method(cryptoCode string) (MethodDetails, bool) {
	details, ok := i.Methods[cryptoCode]
	return details, ok
}
