package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store with the same semantics as the Postgres
// implementation. It backs tests and TRADING_MODE=test runs without a
// database.
type Memory struct {
	mu     sync.Mutex
	bots   map[uuid.UUID]*Bot
	trades map[uuid.UUID]*Trade
	orders map[string]uuid.UUID // order_id -> trade id
	evals  []*SignalEvaluation
	now    func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		bots:   make(map[uuid.UUID]*Bot),
		trades: make(map[uuid.UUID]*Trade),
		orders: make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyBot(b *Bot) *Bot {
	c := *b
	if b.SignalConfig != nil {
		c.SignalConfig = make(map[string]SignalSettings, len(b.SignalConfig))
		for k, v := range b.SignalConfig {
			c.SignalConfig[k] = v
		}
	}
	if b.BuyThreshold != nil {
		v := *b.BuyThreshold
		c.BuyThreshold = &v
	}
	if b.SellThreshold != nil {
		v := *b.SellThreshold
		c.SellThreshold = &v
	}
	if b.ConfirmationStartAt != nil {
		v := *b.ConfirmationStartAt
		c.ConfirmationStartAt = &v
	}
	if b.LastEvaluatedAt != nil {
		v := *b.LastEvaluatedAt
		c.LastEvaluatedAt = &v
	}
	return &c
}

func copyTrade(t *Trade) *Trade {
	c := *t
	if t.SignalContext != nil {
		c.SignalContext = make(map[string]interface{}, len(t.SignalContext))
		for k, v := range t.SignalContext {
			c.SignalContext[k] = v
		}
	}
	if t.FilledAt != nil {
		v := *t.FilledAt
		c.FilledAt = &v
	}
	return &c
}

// CreateBot stores a new bot, enforcing name and pair uniqueness
func (m *Memory) CreateBot(_ context.Context, bot *Bot) error {
	if err := ValidateBot(bot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.bots {
		if existing.Name == bot.Name || existing.Pair == bot.Pair {
			return ErrDuplicateBot
		}
	}
	if bot.ID == uuid.Nil {
		bot.ID = uuid.New()
	}
	if bot.State == "" {
		bot.State = BotStateStopped
	}
	now := m.now()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	m.bots[bot.ID] = copyBot(bot)
	return nil
}

// GetBot returns one bot by id
func (m *Memory) GetBot(_ context.Context, id uuid.UUID) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBot(bot), nil
}

// GetBotByPair returns the bot configured for a pair
func (m *Memory) GetBotByPair(_ context.Context, pair string) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bot := range m.bots {
		if bot.Pair == pair {
			return copyBot(bot), nil
		}
	}
	return nil, ErrNotFound
}

// ListBots returns all bots ordered by creation time
func (m *Memory) ListBots(_ context.Context) ([]*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, bot := range m.bots {
		bots = append(bots, copyBot(bot))
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	return bots, nil
}

// UpdateBotConfig applies a partial config update. Strategy or threshold
// changes reset the confirmation machine in the same step.
func (m *Memory) UpdateBotConfig(_ context.Context, id uuid.UUID, patch BotConfigPatch) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}

	updated := copyBot(bot)
	if patch.SignalConfig != nil {
		updated.SignalConfig = patch.SignalConfig
	}
	if patch.ConfirmationSeconds != nil {
		updated.ConfirmationSeconds = *patch.ConfirmationSeconds
	}
	if patch.CooldownSeconds != nil {
		updated.CooldownSeconds = *patch.CooldownSeconds
	}
	if patch.PositionSizeUSD != nil {
		updated.PositionSizeUSD = *patch.PositionSizeUSD
	}
	if patch.BuyThreshold != nil {
		updated.BuyThreshold = patch.BuyThreshold
	}
	if patch.SellThreshold != nil {
		updated.SellThreshold = patch.SellThreshold
	}
	if patch.SkipOnLowBalance != nil {
		updated.SkipOnLowBalance = *patch.SkipOnLowBalance
	}
	if err := ValidateBot(updated); err != nil {
		return nil, err
	}
	if patch.ResetsConfirmation() {
		updated.ConfirmationStartAt = nil
		updated.ConfirmingAction = ""
	}
	updated.UpdatedAt = m.now()

	m.bots[id] = copyBot(updated)
	return updated, nil
}

// SetBotState updates a bot's lifecycle state
func (m *Memory) SetBotState(_ context.Context, id uuid.UUID, state BotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.State = state
	bot.UpdatedAt = m.now()
	return nil
}

// UpdateEvaluationState writes the transient evaluation fields
func (m *Memory) UpdateEvaluationState(_ context.Context, id uuid.UUID, st EvalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.ConfirmationStartAt = st.ConfirmationStartAt
	bot.ConfirmingAction = st.ConfirmingAction
	bot.LastCombinedScore = st.LastCombinedScore
	at := st.LastEvaluatedAt
	bot.LastEvaluatedAt = &at
	return nil
}

// ResetConfirmation returns the confirmation machine to IDLE
func (m *Memory) ResetConfirmation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.ConfirmationStartAt = nil
	bot.ConfirmingAction = ""
	return nil
}

// InsertTrade stores a new trade, enforcing order id uniqueness
func (m *Memory) InsertTrade(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trade.OrderID != "" {
		if _, exists := m.orders[trade.OrderID]; exists {
			return ErrDuplicateOrderID
		}
	}
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = m.now()
	}
	m.trades[trade.ID] = copyTrade(trade)
	if trade.OrderID != "" {
		m.orders[trade.OrderID] = trade.ID
	}
	return nil
}

// GetTrade returns one trade by id
func (m *Memory) GetTrade(_ context.Context, id uuid.UUID) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrade(trade), nil
}

// GetTradeByOrderID returns the trade recorded for an exchange order
func (m *Memory) GetTradeByOrderID(_ context.Context, orderID string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrade(m.trades[id]), nil
}

// TransitionTradeStatus moves a pending trade to a terminal status. Any
// other current status fails with ErrStatusConflict, which makes the
// transition idempotent to apply-once semantics under races.
func (m *Memory) TransitionTradeStatus(_ context.Context, id uuid.UUID, to TradeStatus, fill *Fill) error {
	if !to.IsTerminal() {
		return fmt.Errorf("cannot transition to non-terminal status %q", to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trade, ok := m.trades[id]
	if !ok {
		return ErrNotFound
	}
	if trade.Status != TradeStatusPending {
		return ErrStatusConflict
	}
	trade.Status = to
	if to == TradeStatusCompleted && fill != nil {
		trade.SizeUSD = fill.SizeUSD
		trade.SizeCrypto = fill.SizeCrypto
		trade.Price = fill.Price
		trade.CommissionUSD = fill.CommissionUSD
		at := fill.FilledAt
		trade.FilledAt = &at
	}
	return nil
}

func matches(t *Trade, f TradeFilter) bool {
	if f.TriggeredBy != "" && t.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.ProductID != "" && t.ProductID != f.ProductID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ListTrades returns trades matching the filter, newest first
func (m *Memory) ListTrades(_ context.Context, filter TradeFilter) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Trade
	for _, t := range m.trades {
		if matches(t, filter) {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// PendingTrades returns pending trades for one attribution
func (m *Memory) PendingTrades(ctx context.Context, triggeredBy string) ([]*Trade, error) {
	return m.ListTrades(ctx, TradeFilter{TriggeredBy: triggeredBy, Status: TradeStatusPending})
}

// PendingOlderThan returns pending trades placed at least age ago
func (m *Memory) PendingOlderThan(_ context.Context, age time.Duration) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-age)
	var out []*Trade
	for _, t := range m.trades {
		if t.Status == TradeStatusPending && !t.CreatedAt.After(cutoff) {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LastCompletedTrade returns the most recently filled trade for an
// attribution, or ErrNotFound.
func (m *Memory) LastCompletedTrade(_ context.Context, triggeredBy string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Trade
	for _, t := range m.trades {
		if t.TriggeredBy != triggeredBy || t.Status != TradeStatusCompleted || t.FilledAt == nil {
			continue
		}
		if latest == nil || t.FilledAt.After(*latest.FilledAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyTrade(latest), nil
}

// CompletedTradesByPair returns completed trades for a pair in fill order
func (m *Memory) CompletedTradesByPair(_ context.Context, pair string) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.ProductID == pair && t.Status == TradeStatusCompleted {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].FilledAt != nil {
			ti = *out[i].FilledAt
		}
		if out[j].FilledAt != nil {
			tj = *out[j].FilledAt
		}
		return ti.Before(tj)
	})
	return out, nil
}

// InsertEvaluation stores one signal history row
func (m *Memory) InsertEvaluation(_ context.Context, ev *SignalEvaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	c := *ev
	m.evals = append(m.evals, &c)
	return nil
}

// RecentEvaluations returns the latest history rows for a bot, newest first
func (m *Memory) RecentEvaluations(_ context.Context, botID uuid.UUID, limit int) ([]*SignalEvaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SignalEvaluation
	for i := len(m.evals) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.evals[i].BotID == botID {
			c := *m.evals[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() {}
