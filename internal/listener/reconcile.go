package listener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wownero420/btcpayserver/internal/currencies"
	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/rpc"
)

// mutationBatch collects the writes of one reconciliation pass so they can
// be flushed in a single transaction and one event per invoice.
type mutationBatch struct {
	updated []*invoices.Payment
	touched map[string]bool
}

func newMutationBatch() *mutationBatch {
	return &mutationBatch{touched: make(map[string]bool)}
}

func (b *mutationBatch) touch(invoiceID string) {
	b.touched[invoiceID] = true
}

// updatePaymentStates is the full sweep: all pending invoices with an
// activated method for the currency are reconciled against the wallet's
// incoming transfers, batched per account.
func (l *Listener) updatePaymentStates(ctx context.Context, cryptoCode string) error {
	pending, err := l.repo.GetPendingInvoices()
	if err != nil {
		return fmt.Errorf("failed to load pending invoices: %w", err)
	}

	var open []*invoices.Invoice
	for _, invoice := range pending {
		if details, ok := invoice.Methods[cryptoCode]; ok && details.Activated {
			open = append(open, invoice)
		}
	}
	if len(open) == 0 {
		return nil
	}

	// One get_transfers per account, over every subaddress index the open
	// invoices reference through their deposit address or past payments.
	indicesByAccount := make(map[int64]map[int64]struct{})
	track := func(account, index int64) {
		if indicesByAccount[account] == nil {
			indicesByAccount[account] = make(map[int64]struct{})
		}
		indicesByAccount[account][index] = struct{}{}
	}
	for _, invoice := range open {
		details := invoice.Methods[cryptoCode]
		track(details.AccountIndex, details.AddressIndex)
		for _, payment := range invoice.Payments {
			if payment.Currency == cryptoCode {
				track(payment.Data.SubaccountIndex, payment.Data.SubaddressIndex)
			}
		}
	}

	wallet := l.provider.WalletClient(cryptoCode)
	var transfers []rpc.Transfer
	for accountIndex, indices := range indicesByAccount {
		sorted := make([]int64, 0, len(indices))
		for index := range indices {
			sorted = append(sorted, index)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var resp rpc.GetTransfersResponse
		err := wallet.Call(ctx, "get_transfers", &rpc.GetTransfersRequest{
			AccountIndex:   accountIndex,
			In:             true,
			SubaddrIndices: sorted,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to fetch transfers for account %d: %w", accountIndex, err)
		}
		transfers = append(transfers, resp.In...)
	}

	batch := newMutationBatch()
	for _, transfer := range transfers {
		invoice := resolveInvoice(open, cryptoCode, transfer.Address, transfer.Txid)
		if invoice == nil {
			continue
		}
		l.handlePaymentData(ctx, cryptoCode, invoice, paymentDataFromTransfer(transfer), batch)
	}

	return l.flush(batch)
}

// onTransactionUpdated reconciles a single transaction reported by the
// daemon's tx callback.
func (l *Listener) onTransactionUpdated(ctx context.Context, cryptoCode, transactionID string) error {
	wallet := l.provider.WalletClient(cryptoCode)

	var resp rpc.GetTransferByTransactionIDResponse
	err := wallet.Call(ctx, "get_transfer_by_txid",
		&rpc.GetTransferByTransactionIDRequest{TransactionID: transactionID}, &resp)
	if err != nil {
		return fmt.Errorf("failed to fetch transaction %s: %w", transactionID, err)
	}

	destinations := resp.Transfers
	if len(destinations) == 0 {
		destinations = []rpc.Transfer{resp.Transfer}
	}

	// The wallet reports one entry per destination; a transaction can pay
	// the same subaddress more than once, so amounts are summed per address.
	byAddress := make(map[string]rpc.Transfer)
	var addresses []string
	for _, transfer := range destinations {
		if transfer.Txid == "" {
			transfer.Txid = transactionID
		}
		existing, ok := byAddress[transfer.Address]
		if ok {
			existing.Amount += transfer.Amount
			byAddress[transfer.Address] = existing
			continue
		}
		byAddress[transfer.Address] = transfer
		addresses = append(addresses, transfer.Address)
	}

	matched, err := l.repo.GetInvoicesFromAddresses(cryptoCode, addresses)
	if err != nil {
		return fmt.Errorf("failed to resolve invoices for transaction %s: %w", transactionID, err)
	}

	batch := newMutationBatch()
	for _, address := range addresses {
		transfer := byAddress[address]
		invoice := resolveInvoice(matched, cryptoCode, address, transfer.Txid)
		if invoice == nil {
			continue
		}
		l.handlePaymentData(ctx, cryptoCode, invoice, paymentDataFromTransfer(transfer), batch)
	}

	return l.flush(batch)
}

// handlePaymentData is the matching primitive. A transfer whose payment
// identifier already exists refreshes confirmations and height in place; a
// new one becomes a payment record and may rotate the deposit address.
func (l *Listener) handlePaymentData(ctx context.Context, cryptoCode string, invoice *invoices.Invoice, data invoices.PaymentData, batch *mutationBatch) {
	for _, payment := range invoice.Payments {
		if payment.Currency != cryptoCode || payment.Data.PaymentID() != data.PaymentID() {
			continue
		}
		if payment.Data.ConfirmationCount == data.ConfirmationCount &&
			payment.Data.BlockHeight == data.BlockHeight {
			return
		}
		payment.Data.ConfirmationCount = data.ConfirmationCount
		payment.Data.BlockHeight = data.BlockHeight
		batch.updated = append(batch.updated, payment)
		batch.touch(invoice.ID)
		return
	}

	payment, err := l.payments.AddPayment(invoice.ID, time.Now(), data, cryptoCode, true)
	if err != nil {
		l.log.Error().
			Err(err).
			Str("invoice_id", invoice.ID).
			Str("payment_id", data.PaymentID()).
			Msg("Failed to record payment")
		return
	}
	if payment == nil {
		return
	}

	l.receivedPayment(ctx, cryptoCode, invoice, payment)
	batch.touch(invoice.ID)
}

// receivedPayment finalizes a newly recorded payment. When the invoice is
// still owed money and the payment landed on the current deposit address,
// the address is rotated so each payment attempt gets its own subaddress.
// The due amount is computed before this payment is counted.
func (l *Listener) receivedPayment(ctx context.Context, cryptoCode string, invoice *invoices.Invoice, payment *invoices.Payment) {
	due := invoice.Due(cryptoCode)

	details, ok := invoice.Methods[cryptoCode]
	if ok && details.Activated && due > 0 && payment.Data.Address == details.DepositAddress {
		var resp rpc.CreateAddressResponse
		err := l.provider.WalletClient(cryptoCode).Call(ctx, "create_address",
			&rpc.CreateAddressRequest{
				AccountIndex: details.AccountIndex,
				Label:        fmt.Sprintf("invoice #%s", invoice.ID),
			}, &resp)
		if err != nil {
			l.log.Error().
				Err(err).
				Str("invoice_id", invoice.ID).
				Msg("Failed to rotate deposit address")
		} else {
			details.DepositAddress = resp.Address
			details.AddressIndex = resp.AddressIndex

			if err := l.repo.UpdateMethodDetails(invoice.ID, cryptoCode, details); err != nil {
				l.log.Error().
					Err(err).
					Str("invoice_id", invoice.ID).
					Msg("Failed to persist rotated method details")
			} else {
				invoice.Methods[cryptoCode] = details
				l.manager.Emit("listener", &events.InvoiceNewMethodDetailsData{
					InvoiceID:      invoice.ID,
					CryptoCode:     cryptoCode,
					DepositAddress: details.DepositAddress,
				})
			}
		}
	}

	invoice.Payments = append(invoice.Payments, payment)

	value := payment.Data.Amount
	var decimal float64
	if network, ok := currencies.Get(cryptoCode); ok {
		decimal = network.AtomicToDecimal(value)
	}
	l.manager.Emit("listener", &events.InvoicePaymentData{
		InvoiceID:  invoice.ID,
		CryptoCode: cryptoCode,
		PaymentID:  payment.Data.PaymentID(),
		Value:      decimal,
	})
}

func (l *Listener) flush(batch *mutationBatch) error {
	if len(batch.updated) > 0 {
		if err := l.payments.UpdatePayments(batch.updated); err != nil {
			return fmt.Errorf("failed to persist payment updates: %w", err)
		}
	}
	for invoiceID := range batch.touched {
		l.manager.Emit("listener", &events.InvoiceNeedUpdateData{InvoiceID: invoiceID})
	}
	return nil
}

// resolveInvoice matches a transfer to an invoice: first by an existing
// payment with the same destination and transaction, then by the current
// deposit address. Transfers matching neither belong to no invoice.
func resolveInvoice(candidates []*invoices.Invoice, cryptoCode, address, transactionID string) *invoices.Invoice {
	for _, invoice := range candidates {
		for _, payment := range invoice.Payments {
			if payment.Currency == cryptoCode &&
				payment.Data.Address == address &&
				payment.Data.TransactionID == transactionID {
				return invoice
			}
		}
	}
	for _, invoice := range candidates {
		if details, ok := invoice.Methods[cryptoCode]; ok && details.Activated && details.DepositAddress == address {
			return invoice
		}
	}
	return nil
}

func paymentDataFromTransfer(transfer rpc.Transfer) invoices.PaymentData {
	return invoices.PaymentData{
		Address:           transfer.Address,
		Amount:            transfer.Amount,
		SubaccountIndex:   transfer.SubaddrIndex.Major,
		SubaddressIndex:   transfer.SubaddrIndex.Minor,
		BlockHeight:       transfer.Height,
		ConfirmationCount: transfer.Confirmations,
		TransactionID:     transfer.Txid,
	}
}
