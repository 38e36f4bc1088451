package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wownero420/btcpayserver/internal/rpc"
)

type fakeProvider struct {
	available bool
	daemon    *rpc.Client
	wallet    *rpc.Client
}

func (p *fakeProvider) IsAvailable(string) bool         { return p.available }
func (p *fakeProvider) DaemonClient(string) *rpc.Client { return p.daemon }
func (p *fakeProvider) WalletClient(string) *rpc.Client { return p.wallet }

func newTestHandler(t *testing.T) (*Handler, *fakeProvider, *atomic.Int64, *atomic.Value) {
	t.Helper()

	var calls atomic.Int64
	var lastLabel atomic.Value
	lastLabel.Store("")

	daemonServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": "0",
			"result": map[string]any{"fee": 7_550_000, "status": "OK"},
		}))
	}))
	t.Cleanup(daemonServer.Close)

	walletServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req struct {
			Params struct {
				Label string `json:"label"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastLabel.Store(req.Params.Label)

		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": "0",
			"result": map[string]any{"address": "Wo3fresh", "address_index": 9},
		}))
	}))
	t.Cleanup(walletServer.Close)

	provider := &fakeProvider{
		available: true,
		daemon:    rpc.NewClient(daemonServer.URL, zerolog.Nop()),
		wallet:    rpc.NewClient(walletServer.URL, zerolog.Nop()),
	}

	handler := NewHandler(provider, map[string]int64{"WOW": 3}, zerolog.Nop())
	return handler, provider, &calls, &lastLabel
}

func TestCreateMethodDetailsActivated(t *testing.T) {
	handler, _, _, lastLabel := newTestHandler(t)

	details, err := handler.CreateMethodDetails(context.Background(), "WOW", "inv-1")
	require.NoError(t, err)

	assert.True(t, details.Activated)
	assert.Equal(t, int64(3), details.AccountIndex)
	assert.Equal(t, int64(9), details.AddressIndex)
	assert.Equal(t, "Wo3fresh", details.DepositAddress)
	assert.Equal(t, "invoice #inv-1", lastLabel.Load())

	// 7_550_000/1024*100 = 737_300 atomic units, 12 decimal places.
	assert.InDelta(t, 7.373e-7, details.NextNetworkFee, 1e-12)
}

func TestCreateMethodDetailsUnavailableSkipsRPC(t *testing.T) {
	handler, provider, calls, _ := newTestHandler(t)
	provider.available = false

	details, err := handler.CreateMethodDetails(context.Background(), "WOW", "inv-1")
	require.NoError(t, err)

	assert.False(t, details.Activated)
	assert.Empty(t, details.DepositAddress)
	assert.Zero(t, calls.Load())
}

func TestCreateMethodDetailsUnknownCurrency(t *testing.T) {
	handler, _, _, _ := newTestHandler(t)

	_, err := handler.CreateMethodDetails(context.Background(), "DOGE", "inv-1")
	assert.Error(t, err)
}

func TestCreateMethodDetailsWalletError(t *testing.T) {
	handler, provider, _, _ := newTestHandler(t)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	provider.wallet = rpc.NewClient(broken.URL, zerolog.Nop())

	_, err := handler.CreateMethodDetails(context.Background(), "WOW", "inv-1")
	assert.Error(t, err)
}
