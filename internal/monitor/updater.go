package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/currencies"
)

const (
	availablePollInterval   = 60 * time.Second
	unavailablePollInterval = 10 * time.Second
)

// SummaryUpdater runs one polling loop per configured currency. It polls
// every 60 seconds while the currency is available and every 10 seconds
// while it is not, so recovery after an outage is picked up quickly.
type SummaryUpdater struct {
	provider *Provider
	log      zerolog.Logger
}

func NewSummaryUpdater(provider *Provider, log zerolog.Logger) *SummaryUpdater {
	return &SummaryUpdater{
		provider: provider,
		log:      log.With().Str("component", "summary_updater").Logger(),
	}
}

// Run polls each currency until the context is cancelled. It blocks until
// all per-currency loops have drained.
func (u *SummaryUpdater) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, code := range u.provider.Codes() {
		wg.Add(1)
		go func(cryptoCode string) {
			defer wg.Done()
			u.pollLoop(ctx, cryptoCode)
		}(code)
	}

	wg.Wait()
}

func (u *SummaryUpdater) pollLoop(ctx context.Context, cryptoCode string) {
	u.log.Info().Str("crypto_code", cryptoCode).Msg("Starting summary polling")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			u.log.Info().Str("crypto_code", cryptoCode).Msg("Stopping summary polling")
			return
		case <-timer.C:
		}

		summary := u.pollOnce(ctx, cryptoCode)

		interval := unavailablePollInterval
		if summary.Available() {
			interval = availablePollInterval
		}
		timer.Reset(interval)
	}
}

func (u *SummaryUpdater) pollOnce(ctx context.Context, cryptoCode string) (summary currencies.Summary) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Error().Interface("panic", r).Str("crypto_code", cryptoCode).Msg("Recovered from panic during poll")
		}
	}()

	result, err := u.provider.UpdateSummary(ctx, cryptoCode)
	if err != nil {
		u.log.Error().Err(err).Str("crypto_code", cryptoCode).Msg("Summary update failed")
		return summary
	}
	return result
}
