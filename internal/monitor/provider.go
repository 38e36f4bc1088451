// Package monitor polls the daemon/wallet pair of each configured currency
// and maintains the per-currency availability summary.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/config"
	"github.com/wownero420/btcpayserver/internal/currencies"
	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/rpc"
)

// Provider owns the RPC clients and the availability summary for every
// configured currency. One instance exists per process; consumers receive
// it at construction and read point-in-time summaries from it.
type Provider struct {
	daemons map[string]*rpc.Client
	wallets map[string]*rpc.Client
	manager *events.Manager
	log     zerolog.Logger

	mu        sync.RWMutex
	summaries map[string]currencies.Summary
}

// NewProvider creates RPC clients for each configured currency.
func NewProvider(items map[string]config.CurrencyConfig, manager *events.Manager, log zerolog.Logger) *Provider {
	p := &Provider{
		daemons:   make(map[string]*rpc.Client, len(items)),
		wallets:   make(map[string]*rpc.Client, len(items)),
		manager:   manager,
		log:       log.With().Str("component", "monitor").Logger(),
		summaries: make(map[string]currencies.Summary, len(items)),
	}

	for code, item := range items {
		p.daemons[code] = rpc.NewClient(item.DaemonRPCURI, log)
		p.wallets[code] = rpc.NewClient(item.WalletRPCURI, log)
	}

	return p
}

// DaemonClient returns the daemon RPC client for a currency, or nil when
// the currency is not configured.
func (p *Provider) DaemonClient(cryptoCode string) *rpc.Client {
	return p.daemons[cryptoCode]
}

// WalletClient returns the wallet RPC client for a currency, or nil when
// the currency is not configured.
func (p *Provider) WalletClient(cryptoCode string) *rpc.Client {
	return p.wallets[cryptoCode]
}

// Codes returns the configured currency codes.
func (p *Provider) Codes() []string {
	codes := make([]string, 0, len(p.daemons))
	for code := range p.daemons {
		codes = append(codes, code)
	}
	return codes
}

// Summary returns the latest summary for a currency.
func (p *Provider) Summary(cryptoCode string) (currencies.Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary, ok := p.summaries[cryptoCode]
	return summary, ok
}

// Summaries returns a copy of all current summaries.
func (p *Provider) Summaries() map[string]currencies.Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]currencies.Summary, len(p.summaries))
	for code, summary := range p.summaries {
		out[code] = summary
	}
	return out
}

// IsAvailable reports whether a currency can currently serve payments.
// A currency that has never been polled is unavailable.
func (p *Provider) IsAvailable(cryptoCode string) bool {
	summary, ok := p.Summary(cryptoCode)
	return ok && summary.Available()
}

// UpdateSummary polls the daemon and wallet once and replaces the stored
// summary. A DaemonStateChanged event is emitted only when the derived
// availability differs from the previous summary's. RPC failures mark the
// corresponding side unavailable; they never abort the tick.
func (p *Provider) UpdateSummary(ctx context.Context, cryptoCode string) (currencies.Summary, error) {
	daemonClient := p.daemons[cryptoCode]
	walletClient := p.wallets[cryptoCode]
	if daemonClient == nil || walletClient == nil {
		return currencies.Summary{}, fmt.Errorf("unknown currency %q", cryptoCode)
	}

	summary := currencies.Summary{UpdatedAt: time.Now().UTC()}

	var syncInfo rpc.SyncInfoResponse
	if err := daemonClient.Call(ctx, "sync_info", nil, &syncInfo); err != nil {
		p.log.Debug().Err(err).Str("crypto_code", cryptoCode).Msg("Daemon poll failed")
		summary.DaemonAvailable = false
	} else {
		summary.CurrentHeight = syncInfo.Height
		if syncInfo.TargetHeight != nil {
			summary.TargetHeight = *syncInfo.TargetHeight
		}
		// A daemon with no sync target reports zero; treat its own height
		// as the target so a fully synced daemon is not marked syncing.
		if summary.TargetHeight == 0 {
			summary.TargetHeight = summary.CurrentHeight
		}
		summary.Synced = summary.CurrentHeight >= summary.TargetHeight && summary.CurrentHeight > 0
		summary.DaemonAvailable = true
	}

	var height rpc.GetHeightResponse
	if err := walletClient.Call(ctx, "get_height", nil, &height); err != nil {
		p.log.Debug().Err(err).Str("crypto_code", cryptoCode).Msg("Wallet poll failed")
		summary.WalletAvailable = false
	} else {
		summary.WalletHeight = height.Height
		summary.WalletAvailable = true
	}

	p.mu.Lock()
	previous, existed := p.summaries[cryptoCode]
	changed := !existed || previous.Available() != summary.Available()
	p.summaries[cryptoCode] = summary
	p.mu.Unlock()

	if changed {
		p.manager.Emit("monitor", &events.DaemonStateChangedData{
			CryptoCode: cryptoCode,
			Summary:    summary,
		})
	}

	return summary, nil
}
