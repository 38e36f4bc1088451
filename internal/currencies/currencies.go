// Package currencies holds the registry of supported Wownero-like networks
// and the smallest-unit money conversions derived from each network's
// divisibility. The registry is resolved once at configuration time; nothing
// inspects currency metadata at runtime beyond a map lookup.
package currencies

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Network describes one supported currency.
type Network struct {
	Code              string // Upper-case code, e.g. "WOW"
	DisplayName       string
	Divisibility      int    // Number of decimal places of the smallest unit
	UriScheme         string // Payment URI scheme, e.g. "wownero"
	BlockExplorerLink string // Format string with %s for the transaction id
}

// knownNetworks lists the Wownero-like networks this build understands.
// Enabling one still requires RPC endpoints in the configuration.
var knownNetworks = map[string]Network{
	"WOW": {
		Code:              "WOW",
		DisplayName:       "Wownero",
		Divisibility:      12,
		UriScheme:         "wownero",
		BlockExplorerLink: "https://explore.wownero.com/tx/%s",
	},
	"XMR": {
		Code:              "XMR",
		DisplayName:       "Monero",
		Divisibility:      12,
		UriScheme:         "monero",
		BlockExplorerLink: "https://www.exploremonero.com/transaction/%s",
	},
}

// Get returns the network definition for a code, if known.
func Get(code string) (Network, bool) {
	n, ok := knownNetworks[strings.ToUpper(code)]
	return n, ok
}

// TransactionLink formats the block explorer link for a transaction.
func (n Network) TransactionLink(txID string) string {
	return fmt.Sprintf(n.BlockExplorerLink, txID)
}

// PaymentLink builds the wallet-openable payment URI for a deposit address
// and an amount due in display units.
func (n Network) PaymentLink(depositAddress string, due float64) string {
	return fmt.Sprintf("%s:%s?tx_amount=%s", n.UriScheme, depositAddress,
		strconv.FormatFloat(due, 'f', -1, 64))
}

// AtomicToDecimal converts an amount in the smallest unit (e.g. piconero)
// to display units.
func (n Network) AtomicToDecimal(atomic int64) float64 {
	return float64(atomic) / n.unitScale()
}

// DecimalToAtomic converts a display-unit amount to the smallest unit.
func (n Network) DecimalToAtomic(amount float64) int64 {
	return int64(amount*n.unitScale() + 0.5)
}

func (n Network) unitScale() float64 {
	scale := 1.0
	for i := 0; i < n.Divisibility; i++ {
		scale *= 10
	}
	return scale
}

// Summary is the point-in-time availability snapshot for one currency.
// Each poll tick produces a fresh value; the previous one is retained only
// to detect availability transitions.
type Summary struct {
	Synced          bool      `json:"synced"`
	CurrentHeight   int64     `json:"currentHeight"`
	WalletHeight    int64     `json:"walletHeight"`
	TargetHeight    int64     `json:"targetHeight"`
	UpdatedAt       time.Time `json:"updatedAt"`
	DaemonAvailable bool      `json:"daemonAvailable"`
	WalletAvailable bool      `json:"walletAvailable"`
}

// Available reports whether the currency can serve invoice payments:
// the daemon is synced and the wallet is answering.
func (s Summary) Available() bool {
	return s.Synced && s.WalletAvailable
}
