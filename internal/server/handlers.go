package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wownero420/btcpayserver/internal/currencies"
	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/rpc"
)

// currencyParam validates the {cryptoCode} path parameter against the
// configured currency set. The daemon callback URL is attacker-reachable,
// so unknown codes are rejected before anything touches the bus.
func (s *Server) currencyParam(r *http.Request) (string, bool) {
	code := strings.ToUpper(chi.URLParam(r, "cryptoCode"))
	_, ok := s.cfg.Currencies[code]
	return code, ok
}

// handleBlockNotify handles GET /callback/{cryptoCode}/block?hash=
func (s *Server) handleBlockNotify(w http.ResponseWriter, r *http.Request) {
	code, ok := s.currencyParam(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown currency")
		return
	}

	hash := r.URL.Query().Get("hash")
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, "missing hash")
		return
	}

	s.manager.Emit("server", &events.ChainNotificationData{
		CryptoCode: code,
		BlockHash:  hash,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTransactionNotify handles GET /callback/{cryptoCode}/tx?hash=
func (s *Server) handleTransactionNotify(w http.ResponseWriter, r *http.Request) {
	code, ok := s.currencyParam(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown currency")
		return
	}

	hash := r.URL.Query().Get("hash")
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, "missing hash")
		return
	}

	s.manager.Emit("server", &events.ChainNotificationData{
		CryptoCode:      code,
		TransactionHash: hash,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth handles GET /api/health. A corrupted or unreachable invoice
// ledger makes the whole process unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Database health check failed")
		s.writeError(w, http.StatusServiceUnavailable, "database unhealthy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type currencyStatus struct {
		Available       bool      `json:"available"`
		Synced          bool      `json:"synced"`
		DaemonAvailable bool      `json:"daemonAvailable"`
		WalletAvailable bool      `json:"walletAvailable"`
		CurrentHeight   int64     `json:"currentHeight"`
		TargetHeight    int64     `json:"targetHeight"`
		WalletHeight    int64     `json:"walletHeight"`
		UpdatedAt       time.Time `json:"updatedAt"`
	}

	statuses := make(map[string]currencyStatus)
	for code, summary := range s.provider.Summaries() {
		statuses[code] = currencyStatus{
			Available:       summary.Available(),
			Synced:          summary.Synced,
			DaemonAvailable: summary.DaemonAvailable,
			WalletAvailable: summary.WalletAvailable,
			CurrentHeight:   summary.CurrentHeight,
			TargetHeight:    summary.TargetHeight,
			WalletHeight:    summary.WalletHeight,
			UpdatedAt:       summary.UpdatedAt,
		}
	}

	cpuPercent, memPercent := s.systemStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"currencies": statuses,
		"system": map[string]float64{
			"cpuPercent": cpuPercent,
			"memPercent": memPercent,
		},
	})
}

func (s *Server) systemStats() (float64, float64) {
	cpuAvg := 0.0
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

type invoiceMethodView struct {
	Activated      bool    `json:"activated"`
	DepositAddress string  `json:"depositAddress,omitempty"`
	Due            float64 `json:"due"`
	PaymentLink    string  `json:"paymentLink,omitempty"`
	NextNetworkFee float64 `json:"nextNetworkFee"`
}

type invoiceView struct {
	ID        string                       `json:"id"`
	Status    invoices.Status              `json:"status"`
	Price     float64                      `json:"price"`
	Currency  string                       `json:"currency"`
	CreatedAt time.Time                    `json:"createdAt"`
	Methods   map[string]invoiceMethodView `json:"methods"`
}

func newInvoiceView(invoice *invoices.Invoice) invoiceView {
	view := invoiceView{
		ID:        invoice.ID,
		Status:    invoice.Status,
		Price:     invoice.Price,
		Currency:  invoice.Currency,
		CreatedAt: invoice.CreatedAt,
		Methods:   make(map[string]invoiceMethodView, len(invoice.Methods)),
	}

	for code, details := range invoice.Methods {
		method := invoiceMethodView{
			Activated:      details.Activated,
			DepositAddress: details.DepositAddress,
			Due:            invoice.Due(code),
			NextNetworkFee: details.NextNetworkFee,
		}
		if network, ok := currencies.Get(code); ok && details.Activated {
			method.PaymentLink = network.PaymentLink(details.DepositAddress, method.Due)
		}
		view.Methods[code] = method
	}
	return view
}

// handleCreateInvoice handles POST /api/invoices
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price    float64 `json:"price"`
		Currency string  `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Price <= 0 {
		s.writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	if req.Currency == "" {
		req.Currency = "WOW"
	}
	req.Currency = strings.ToUpper(req.Currency)

	invoice := &invoices.Invoice{
		ID:       uuid.NewString(),
		Price:    req.Price,
		Currency: req.Currency,
		Methods:  make(map[string]invoices.MethodDetails),
	}

	for code := range s.cfg.Currencies {
		details, err := s.payments.CreateMethodDetails(r.Context(), code, invoice.ID)
		if err != nil {
			s.log.Error().Err(err).Str("crypto_code", code).Msg("Failed to reserve payment method")
			s.writeError(w, http.StatusBadGateway, "failed to reserve payment method")
			return
		}
		invoice.Methods[code] = details
	}

	if err := s.repo.CreateInvoice(invoice); err != nil {
		s.log.Error().Err(err).Msg("Failed to create invoice")
		s.writeError(w, http.StatusInternalServerError, "failed to create invoice")
		return
	}

	s.writeJSON(w, http.StatusCreated, newInvoiceView(invoice))
}

// handleGetInvoice handles GET /api/invoices/{invoiceID}
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := s.repo.GetInvoice(chi.URLParam(r, "invoiceID"))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load invoice")
		s.writeError(w, http.StatusInternalServerError, "failed to load invoice")
		return
	}
	if invoice == nil {
		s.writeError(w, http.StatusNotFound, "invoice not found")
		return
	}

	s.writeJSON(w, http.StatusOK, newInvoiceView(invoice))
}

// handleListAccounts handles GET /api/currencies/{cryptoCode}/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	code, ok := s.currencyParam(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown currency")
		return
	}

	var resp rpc.GetAccountsResponse
	err := s.provider.WalletClient(code).Call(r.Context(), "get_accounts", &rpc.GetAccountsRequest{}, &resp)
	if err != nil {
		s.log.Error().Err(err).Str("crypto_code", code).Msg("Failed to list wallet accounts")
		s.writeError(w, http.StatusBadGateway, "wallet unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleCreateAccount handles POST /api/currencies/{cryptoCode}/accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	code, ok := s.currencyParam(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown currency")
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var resp rpc.CreateAccountResponse
	err := s.provider.WalletClient(code).Call(r.Context(), "create_account",
		&rpc.CreateAccountRequest{Label: req.Label}, &resp)
	if err != nil {
		s.log.Error().Err(err).Str("crypto_code", code).Msg("Failed to create wallet account")
		s.writeError(w, http.StatusBadGateway, "wallet unavailable")
		return
	}

	s.writeJSON(w, http.StatusCreated, resp)
}
