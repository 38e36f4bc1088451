// Package listener consumes chain notifications and reconciles wallet
// transfers against open invoices.
package listener

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/events"
	"github.com/wownero420/btcpayserver/internal/invoices"
	"github.com/wownero420/btcpayserver/internal/monitor"
)

const queueCapacity = 256

type task struct {
	name       string
	cryptoCode string
	run        func(ctx context.Context) error
}

// Listener drains a single-consumer work queue of reconciliation tasks.
// Tasks are enqueued by bus subscriptions (daemon callbacks, availability
// flips) and by the scheduled failsafe sweep. A failing task is logged and
// dropped; the next notification or sweep retries the work.
type Listener struct {
	provider *monitor.Provider
	repo     *invoices.Repository
	payments *invoices.PaymentService
	manager  *events.Manager
	log      zerolog.Logger

	tasks        chan task
	unsubscribes []func()
}

func New(provider *monitor.Provider, repo *invoices.Repository, payments *invoices.PaymentService, manager *events.Manager, log zerolog.Logger) *Listener {
	return &Listener{
		provider: provider,
		repo:     repo,
		payments: payments,
		manager:  manager,
		log:      log.With().Str("component", "listener").Logger(),
		tasks:    make(chan task, queueCapacity),
	}
}

// Start registers the bus subscriptions that feed the queue.
func (l *Listener) Start() {
	bus := l.manager.Bus()

	l.unsubscribes = append(l.unsubscribes,
		bus.Subscribe(events.BlockNotified, func(e *events.Event) {
			data := e.Data.(*events.ChainNotificationData)
			l.enqueue(task{
				name:       "block_sweep",
				cryptoCode: data.CryptoCode,
				run: func(ctx context.Context) error {
					if err := l.updatePaymentStates(ctx, data.CryptoCode); err != nil {
						return err
					}
					// Downstream consumers re-evaluate confirmation
					// depths per block, not per sweep.
					l.manager.Emit("listener", &events.NewBlockData{CryptoCode: data.CryptoCode})
					return nil
				},
			})
		}),
		bus.Subscribe(events.TransactionNotified, func(e *events.Event) {
			data := e.Data.(*events.ChainNotificationData)
			l.enqueue(task{
				name:       "transaction_update",
				cryptoCode: data.CryptoCode,
				run: func(ctx context.Context) error {
					return l.onTransactionUpdated(ctx, data.CryptoCode, data.TransactionHash)
				},
			})
		}),
		bus.Subscribe(events.DaemonStateChanged, func(e *events.Event) {
			data := e.Data.(*events.DaemonStateChangedData)
			if !data.Summary.Available() {
				return
			}
			// Catch up on anything missed during the outage.
			l.enqueue(task{
				name:       "recovery_sweep",
				cryptoCode: data.CryptoCode,
				run: func(ctx context.Context) error {
					return l.updatePaymentStates(ctx, data.CryptoCode)
				},
			})
		}),
	)
}

// Stop removes the bus subscriptions.
func (l *Listener) Stop() {
	for _, unsubscribe := range l.unsubscribes {
		unsubscribe()
	}
	l.unsubscribes = nil
}

// TriggerSweep enqueues a full reconciliation sweep for a currency.
func (l *Listener) TriggerSweep(cryptoCode string) {
	l.enqueue(task{
		name:       "scheduled_sweep",
		cryptoCode: cryptoCode,
		run: func(ctx context.Context) error {
			return l.updatePaymentStates(ctx, cryptoCode)
		},
	})
}

// Run drains the queue until the context is cancelled.
func (l *Listener) Run(ctx context.Context) {
	l.log.Info().Msg("Starting listener")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Stopping listener")
			return
		case item := <-l.tasks:
			l.execute(ctx, item)
		}
	}
}

func (l *Listener) enqueue(item task) {
	if !l.provider.IsAvailable(item.cryptoCode) {
		l.log.Debug().
			Str("task", item.name).
			Str("crypto_code", item.cryptoCode).
			Msg("Currency unavailable, dropping task")
		return
	}

	select {
	case l.tasks <- item:
	default:
		l.log.Warn().
			Str("task", item.name).
			Str("crypto_code", item.cryptoCode).
			Msg("Queue full, dropping task")
	}
}

func (l *Listener) execute(ctx context.Context, item task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Str("task", item.name).
				Msg("Recovered from panic in task")
		}
	}()

	started := time.Now()
	if err := item.run(ctx); err != nil {
		l.log.Error().
			Err(err).
			Str("task", item.name).
			Str("crypto_code", item.cryptoCode).
			Msg("Task failed")
		return
	}

	l.log.Debug().
		Str("task", item.name).
		Str("crypto_code", item.cryptoCode).
		Dur("elapsed", time.Since(started)).
		Msg("Task completed")
}
