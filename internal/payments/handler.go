// Package payments reserves payment method details for invoices.
package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/currencies"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/rpc"
)

// Provider exposes the node handles and availability state the handler
// needs. Satisfied by monitor.Provider.
type Provider interface {
	IsAvailable(cryptoCode string) bool
	DaemonClient(cryptoCode string) *rpc.Client
	WalletClient(cryptoCode string) *rpc.Client
}

// Handler reserves a dedicated deposit subaddress and a fee estimate for
// each invoice at creation time.
type Handler struct {
	provider Provider
	accounts map[string]int64
	log      zerolog.Logger
}

// NewHandler builds a handler. accounts maps currency code to the wallet
// account index deposit subaddresses are created under.
func NewHandler(provider Provider, accounts map[string]int64, log zerolog.Logger) *Handler {
	return &Handler{
		provider: provider,
		accounts: accounts,
		log:      log.With().Str("component", "payments").Logger(),
	}
}

// CreateMethodDetails reserves a fresh subaddress and current fee estimate
// for an invoice. When the currency is not available no RPC is issued and
// the returned details are not activated; the invoice can still be created
// and activated later.
func (h *Handler) CreateMethodDetails(ctx context.Context, cryptoCode, invoiceID string) (invoices.MethodDetails, error) {
	if !h.provider.IsAvailable(cryptoCode) {
		h.log.Info().
			Str("crypto_code", cryptoCode).
			Str("invoice_id", invoiceID).
			Msg("Currency unavailable, creating unactivated payment method")
		return invoices.MethodDetails{Activated: false}, nil
	}

	network, ok := currencies.Get(cryptoCode)
	if !ok {
		return invoices.MethodDetails{}, fmt.Errorf("unknown currency %q", cryptoCode)
	}

	accountIndex := h.accounts[cryptoCode]

	var (
		wg        sync.WaitGroup
		fee       rpc.GetFeeEstimateResponse
		address   rpc.CreateAddressResponse
		feeErr    error
		createErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		feeErr = h.provider.DaemonClient(cryptoCode).Call(ctx, "get_fee_estimate",
			&rpc.GetFeeEstimateRequest{GraceBlocks: 10}, &fee)
	}()
	go func() {
		defer wg.Done()
		createErr = h.provider.WalletClient(cryptoCode).Call(ctx, "create_address",
			&rpc.CreateAddressRequest{
				AccountIndex: accountIndex,
				Label:        fmt.Sprintf("invoice #%s", invoiceID),
			}, &address)
	}()
	wg.Wait()

	if feeErr != nil {
		return invoices.MethodDetails{}, fmt.Errorf("failed to estimate fee: %w", feeErr)
	}
	if createErr != nil {
		return invoices.MethodDetails{}, fmt.Errorf("failed to create deposit address: %w", createErr)
	}

	return invoices.MethodDetails{
		Activated:      true,
		AccountIndex:   accountIndex,
		AddressIndex:   address.AddressIndex,
		DepositAddress: address.Address,
		NextNetworkFee: network.AtomicToDecimal(fee.Fee / 1024 * 100),
	}, nil
}
