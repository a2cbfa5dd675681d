package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/store"
)

// ConfirmedHandler acts on a confirmed signal. The trade executor
// implements it; the runner resets the bot's confirmation after the
// handler returns, success or not, so a confirmed signal is consumed
// exactly once.
type ConfirmedHandler interface {
	ExecuteConfirmed(ctx context.Context, bot *store.Bot, action Action, combined float64)
}

// Runner schedules evaluation passes: one on every ticker event for a
// bot's pair and one on a periodic safety-net tick. At most one
// evaluation per bot is in flight; extra triggers are dropped, not
// queued.
type Runner struct {
	st       store.Store
	ev       *Evaluator
	eventBus *bus.Bus
	handler  ConfirmedHandler
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
	subs     map[string]func() // pair -> subscription cancel
	wg       sync.WaitGroup
}

// NewRunner creates a runner. interval <= 0 defaults to 5s.
func NewRunner(st store.Store, ev *Evaluator, eventBus *bus.Bus, handler ConfirmedHandler, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		st:       st,
		ev:       ev,
		eventBus: eventBus,
		handler:  handler,
		interval: interval,
		logger:   logger,
		inflight: make(map[uuid.UUID]bool),
		subs:     make(map[string]func()),
	}
}

// Run drives evaluation until the context is cancelled, then waits for
// in-flight passes to finish.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			for _, cancel := range r.subs {
				cancel()
			}
			r.subs = make(map[string]func())
			r.mu.Unlock()
			r.wg.Wait()
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep evaluates every running bot and reconciles per-pair ticker
// subscriptions with the current bot set.
func (r *Runner) sweep(ctx context.Context) {
	bots, err := r.st.ListBots(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list bots for evaluation sweep")
		return
	}

	runningPairs := make(map[string]bool)
	for _, bot := range bots {
		if bot.State != store.BotStateRunning {
			continue
		}
		runningPairs[bot.Pair] = true
		r.ensureSubscribed(ctx, bot.Pair)
		r.trigger(ctx, bot.ID)
	}

	// Drop subscriptions for pairs with no running bot.
	r.mu.Lock()
	for pair, cancel := range r.subs {
		if !runningPairs[pair] {
			cancel()
			delete(r.subs, pair)
		}
	}
	r.mu.Unlock()
}

// ensureSubscribed attaches a ticker-event trigger for a pair once
func (r *Runner) ensureSubscribed(ctx context.Context, pair string) {
	r.mu.Lock()
	if _, ok := r.subs[pair]; ok {
		r.mu.Unlock()
		return
	}
	ch, cancel := r.eventBus.Subscribe(bus.TickerTopic(pair))
	r.subs[pair] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				bot, err := r.st.GetBotByPair(ctx, pair)
				if err != nil || bot.State != store.BotStateRunning {
					continue
				}
				r.trigger(ctx, bot.ID)
			}
		}
	}()
}

// trigger starts one evaluation for a bot unless one is already running
func (r *Runner) trigger(ctx context.Context, botID uuid.UUID) {
	r.mu.Lock()
	if r.inflight[botID] {
		r.mu.Unlock()
		return
	}
	r.inflight[botID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, botID)
			r.mu.Unlock()
		}()
		r.evaluate(ctx, botID)
	}()
}

func (r *Runner) evaluate(ctx context.Context, botID uuid.UUID) {
	bot, err := r.st.GetBot(ctx, botID)
	if err != nil {
		r.logger.Error().Err(err).Str("bot_id", botID.String()).Msg("Failed to load bot for evaluation")
		return
	}
	if bot.State != store.BotStateRunning {
		return
	}

	outcome, err := r.ev.EvaluatePass(ctx, bot)
	if err != nil {
		r.logger.Warn().Err(err).Str("bot", bot.Name).Msg("Evaluation pass failed")
		return
	}
	if !outcome.Confirmed {
		return
	}

	r.logger.Info().
		Str("bot", bot.Name).
		Str("pair", bot.Pair).
		Str("action", string(outcome.Action)).
		Float64("combined", outcome.Combined).
		Msg("Signal confirmed")

	r.handler.ExecuteConfirmed(ctx, bot, outcome.Action, outcome.Combined)

	// Consumed: back to IDLE whether placement succeeded or not, so the
	// same confirmed signal never fires twice.
	if err := r.st.ResetConfirmation(ctx, bot.ID); err != nil {
		r.logger.Error().Err(err).Str("bot", bot.Name).Msg("Failed to reset confirmation after execution")
	}
}
