package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wownero420/btcpayserver/internal/config"
	"github.com/wownero420/btcpayserver/internal/database"
	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/monitor"
	"github.com/wownero420/btcpayserver/internal/rpc"
)

// fakeNode serves both daemon and wallet methods for one currency.
type fakeNode struct {
	mu sync.Mutex

	transfersIn      []rpc.Transfer
	byTxid           map[string]rpc.GetTransferByTransactionIDResponse
	nextAddr         int
	createAddrCalls  int
	lastTransfersReq rpc.GetTransfersRequest

	server *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()

	node := &fakeNode{byTxid: make(map[string]rpc.GetTransferByTransactionIDResponse)}
	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node.mu.Lock()
		defer node.mu.Unlock()

		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "sync_info":
			result = map[string]any{"height": 100, "target_height": 100}
		case "get_height":
			result = map[string]any{"height": 100}
		case "get_transfers":
			require.NoError(t, json.Unmarshal(req.Params, &node.lastTransfersReq))
			result = rpc.GetTransfersResponse{In: node.transfersIn}
		case "get_transfer_by_txid":
			var params rpc.GetTransferByTransactionIDRequest
			require.NoError(t, json.Unmarshal(req.Params, &params))
			result = node.byTxid[params.TransactionID]
		case "create_address":
			node.createAddrCalls++
			node.nextAddr++
			result = rpc.CreateAddressResponse{
				Address:      fmt.Sprintf("Wo3rotated%d", node.nextAddr),
				AddressIndex: int64(100 + node.nextAddr),
			}
		default:
			result = map[string]any{}
		}

		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": "0", "result": result,
		}))
	}))
	t.Cleanup(node.server.Close)
	return node
}

func (n *fakeNode) setTransfers(transfers []rpc.Transfer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfersIn = transfers
}

func (n *fakeNode) setTransaction(txid string, resp rpc.GetTransferByTransactionIDResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byTxid[txid] = resp
}

func (n *fakeNode) createCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.createAddrCalls
}

type capture struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *capture) record(e *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) ofType(eventType events.EventType) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*events.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	listener *Listener
	repo     *invoices.Repository
	payments *invoices.PaymentService
	provider *monitor.Provider
	manager  *events.Manager
	node     *fakeNode
	captured *capture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	node := newFakeNode(t)

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "invoices.db"),
		Profile: database.ProfileLedger,
		Name:    "invoices",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := invoices.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	payments := invoices.NewPaymentService(db, zerolog.Nop())

	manager := events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop())
	provider := monitor.NewProvider(map[string]config.CurrencyConfig{
		"WOW": {Code: "WOW", DaemonRPCURI: node.server.URL, WalletRPCURI: node.server.URL},
	}, manager, zerolog.Nop())

	captured := &capture{}
	for _, eventType := range []events.EventType{
		events.NewBlock,
		events.InvoiceReceivedPayment,
		events.InvoiceNewMethodDetails,
		events.InvoiceNeedUpdate,
	} {
		manager.Bus().Subscribe(eventType, captured.record)
	}

	return &fixture{
		listener: New(provider, repo, payments, manager, zerolog.Nop()),
		repo:     repo,
		payments: payments,
		provider: provider,
		manager:  manager,
		node:     node,
		captured: captured,
	}
}

func (f *fixture) createInvoice(t *testing.T, price float64) *invoices.Invoice {
	t.Helper()

	invoice := &invoices.Invoice{
		Price:    price,
		Currency: "WOW",
		Methods: map[string]invoices.MethodDetails{
			"WOW": {
				Activated:      true,
				AccountIndex:   0,
				AddressIndex:   7,
				DepositAddress: "Wo3dep",
			},
		},
	}
	require.NoError(t, f.repo.CreateInvoice(invoice))
	return invoice
}

func transferTo(address string, amount int64, txid string, confirmations int64) rpc.Transfer {
	return rpc.Transfer{
		Address:       address,
		Amount:        amount,
		Confirmations: confirmations,
		Height:        100,
		SubaddrIndex:  rpc.SubaddrIndex{Major: 0, Minor: 7},
		Txid:          txid,
		Type:          "in",
	}
}

func TestSweepRecordsPaymentAndRotates(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 1)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Payments, 1)
	assert.Equal(t, "t1#0#7", loaded.Payments[0].Data.PaymentID())
	assert.Equal(t, int64(2_000_000_000_000), loaded.Payments[0].Data.Amount)

	// Partial payment to the exposed address rotates it.
	assert.Equal(t, "Wo3rotated1", loaded.Methods["WOW"].DepositAddress)
	assert.Equal(t, int64(101), loaded.Methods["WOW"].AddressIndex)
	assert.InDelta(t, 3.0, loaded.Due("WOW"), 1e-9)

	received := f.captured.ofType(events.InvoiceReceivedPayment)
	require.Len(t, received, 1)
	data := received[0].Data.(*events.InvoicePaymentData)
	assert.Equal(t, invoice.ID, data.InvoiceID)
	assert.InDelta(t, 2.0, data.Value, 1e-9)

	assert.Len(t, f.captured.ofType(events.InvoiceNewMethodDetails), 1)
	assert.Len(t, f.captured.ofType(events.InvoiceNeedUpdate), 1)
	assert.Empty(t, f.captured.ofType(events.NewBlock))

	// The wallet query covered the deposit subaddress of the open invoice.
	assert.Equal(t, int64(0), f.node.lastTransfersReq.AccountIndex)
	assert.Equal(t, []int64{7}, f.node.lastTransfersReq.SubaddrIndices)
	assert.True(t, f.node.lastTransfersReq.In)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 1)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Payments, 1)

	// The unchanged re-observation produced no invoice mutation.
	assert.Len(t, f.captured.ofType(events.InvoiceReceivedPayment), 1)
	assert.Len(t, f.captured.ofType(events.InvoiceNeedUpdate), 1)
	assert.Empty(t, f.captured.ofType(events.NewBlock))
	assert.Equal(t, 1, f.node.createCalls())
}

func TestConfirmationRedeliveryUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 1)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 10)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Payments, 1)
	assert.Equal(t, int64(10), loaded.Payments[0].Data.ConfirmationCount)

	// Confirmation progress touches the invoice but is not a new payment.
	assert.Len(t, f.captured.ofType(events.InvoiceReceivedPayment), 1)
	assert.Len(t, f.captured.ofType(events.InvoiceNeedUpdate), 2)
	assert.Equal(t, 1, f.node.createCalls())
}

func TestNoRotationWhenNothingDue(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 2)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 1)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))
	require.Equal(t, 1, f.node.createCalls())

	// Overpayment to the rotated address: nothing is due, so the address
	// stays put even though the payment is recorded.
	f.node.setTransfers([]rpc.Transfer{
		transferTo("Wo3dep", 2_000_000_000_000, "t1", 1),
		transferTo("Wo3rotated1", 1_000_000_000_000, "t2", 1),
	})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Payments, 2)
	assert.Equal(t, 1, f.node.createCalls())
	assert.Equal(t, "Wo3rotated1", loaded.Methods["WOW"].DepositAddress)
	assert.Len(t, f.captured.ofType(events.InvoiceReceivedPayment), 2)
}

func TestUnmatchedTransferIgnored(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3stranger", 2_000_000_000_000, "t1", 1)})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Payments)
	assert.Empty(t, f.captured.ofType(events.InvoiceReceivedPayment))
	assert.Empty(t, f.captured.ofType(events.InvoiceNeedUpdate))
	assert.Empty(t, f.captured.ofType(events.NewBlock))
}

func TestTransactionUpdateRecordsPayment(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	f.node.setTransaction("t1", rpc.GetTransferByTransactionIDResponse{
		Transfers: []rpc.Transfer{transferTo("Wo3dep", 2_000_000_000_000, "t1", 0)},
	})
	require.NoError(t, f.listener.onTransactionUpdated(context.Background(), "WOW", "t1"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Payments, 1)
	assert.Equal(t, "t1#0#7", loaded.Payments[0].Data.PaymentID())

	assert.Len(t, f.captured.ofType(events.InvoiceReceivedPayment), 1)
	assert.Len(t, f.captured.ofType(events.InvoiceNewMethodDetails), 1)
	assert.Empty(t, f.captured.ofType(events.NewBlock))
}

func TestTransactionUpdateThenSweepConverge(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	transfer := transferTo("Wo3dep", 2_000_000_000_000, "t1", 0)
	f.node.setTransaction("t1", rpc.GetTransferByTransactionIDResponse{
		Transfers: []rpc.Transfer{transfer},
	})
	require.NoError(t, f.listener.onTransactionUpdated(context.Background(), "WOW", "t1"))

	f.node.setTransfers([]rpc.Transfer{transfer})
	require.NoError(t, f.listener.updatePaymentStates(context.Background(), "WOW"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Payments, 1)
	assert.Len(t, f.captured.ofType(events.InvoiceReceivedPayment), 1)
}

func TestTransactionUpdateSumsPerAddress(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	// One transaction with two outputs to the same subaddress.
	f.node.setTransaction("t1", rpc.GetTransferByTransactionIDResponse{
		Transfers: []rpc.Transfer{
			transferTo("Wo3dep", 1_000_000_000_000, "t1", 0),
			transferTo("Wo3dep", 2_000_000_000_000, "t1", 0),
		},
	})
	require.NoError(t, f.listener.onTransactionUpdated(context.Background(), "WOW", "t1"))

	loaded, err := f.repo.GetInvoice(invoice.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Payments, 1)
	assert.Equal(t, int64(3_000_000_000_000), loaded.Payments[0].Data.Amount)
}

func TestEnqueueDropsWhenUnavailable(t *testing.T) {
	f := newFixture(t)

	// No summary has been polled yet, so the currency is unavailable.
	f.listener.TriggerSweep("WOW")
	assert.Empty(t, f.listener.tasks)
}

func TestBlockNotificationEnqueuesSweep(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.UpdateSummary(context.Background(), "WOW")
	require.NoError(t, err)
	require.True(t, f.provider.IsAvailable("WOW"))

	f.listener.Start()
	defer f.listener.Stop()

	f.manager.Emit("test", &events.ChainNotificationData{CryptoCode: "WOW", BlockHash: "b1"})
	assert.Len(t, f.listener.tasks, 1)

	f.manager.Emit("test", &events.ChainNotificationData{CryptoCode: "WOW", TransactionHash: "t1"})
	assert.Len(t, f.listener.tasks, 2)
}

func TestBlockNotificationPublishesNewBlock(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.UpdateSummary(context.Background(), "WOW")
	require.NoError(t, err)

	f.listener.Start()
	defer f.listener.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.listener.Run(ctx)
	}()

	// A swept block is announced even when no open invoice references it.
	f.manager.Emit("test", &events.ChainNotificationData{CryptoCode: "WOW", BlockHash: "b1"})
	require.Eventually(t, func() bool {
		return len(f.captured.ofType(events.NewBlock)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	data := f.captured.ofType(events.NewBlock)[0].Data.(*events.NewBlockData)
	assert.Equal(t, "WOW", data.CryptoCode)

	cancel()
	<-done
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	invoice := f.createInvoice(t, 5)

	_, err := f.provider.UpdateSummary(context.Background(), "WOW")
	require.NoError(t, err)

	f.node.setTransfers([]rpc.Transfer{transferTo("Wo3dep", 5_000_000_000_000, "t1", 1)})
	f.listener.TriggerSweep("WOW")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.listener.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		loaded, err := f.repo.GetInvoice(invoice.ID)
		return err == nil && len(loaded.Payments) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
