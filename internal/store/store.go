package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BotState represents the lifecycle state of a bot
type BotState string

const (
	BotStateRunning BotState = "RUNNING"
	BotStateStopped BotState = "STOPPED"
	BotStateError   BotState = "ERROR"
)

// Side represents order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeStatus represents the status of a trade record. Transitions are
// monotonic: pending is the only non-terminal status.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed || s == TradeStatusCancelled
}

// SignalSettings configures one signal kind for a bot
type SignalSettings struct {
	Enabled bool               `json:"enabled"`
	Weight  float64            `json:"weight"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// Bot is a configured decision engine for one trading pair
type Bot struct {
	ID    uuid.UUID
	Name  string // unique
	Pair  string // unique, e.g. "BTC-USD"
	State BotState

	SignalConfig        map[string]SignalSettings // keyed by signal kind ("RSI", "MA", "MACD")
	ConfirmationSeconds int
	CooldownSeconds     int
	PositionSizeUSD     float64
	BuyThreshold        *float64 // nil means the system-wide default applies
	SellThreshold       *float64
	SkipOnLowBalance    bool

	// Transient evaluation state, mutated only through UpdateEvaluationState.
	// A nil ConfirmationStartAt means the confirmation machine is idle.
	ConfirmationStartAt *time.Time
	ConfirmingAction    string
	LastCombinedScore   float64
	LastEvaluatedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggeredBy returns the attribution string recorded on trades this bot
// places.
func (b *Bot) TriggeredBy() string {
	return "bot:" + b.ID.String()
}

// EnabledWeightSum sums the weights of enabled signals
func (b *Bot) EnabledWeightSum() float64 {
	var sum float64
	for _, s := range b.SignalConfig {
		if s.Enabled {
			sum += s.Weight
		}
	}
	return sum
}

// Trade is an immutable record of an attempted or executed order.
// SizeUSD is the USD value actually transacted, independent of any
// exchange size-in-quote flag; SizeCrypto is the base-asset amount.
type Trade struct {
	ID            uuid.UUID
	OrderID       string // exchange order id, unique once known
	TriggeredBy   string // opaque attribution: "bot:<id>", "manual", "sync"
	ProductID     string
	Side          Side
	SizeUSD       float64
	SizeCrypto    float64
	Price         float64
	CommissionUSD float64
	Status        TradeStatus
	SignalContext map[string]interface{} // optional snapshot of scores at decision time
	CreatedAt     time.Time
	FilledAt      *time.Time
}

// Fill carries the exchange-confirmed economics applied when a pending
// trade completes.
type Fill struct {
	SizeUSD       float64
	SizeCrypto    float64
	Price         float64
	CommissionUSD float64
	FilledAt      time.Time
}

// SignalEvaluation is one historical evaluation pass for a bot
type SignalEvaluation struct {
	ID         uuid.UUID
	BotID      uuid.UUID
	Pair       string
	Scores     map[string]float64
	Weights    map[string]float64
	Combined   float64
	Action     string
	Confirming bool
	Progress   float64
	CreatedAt  time.Time
}

// EvalState is the transient bot state written after each evaluation pass
type EvalState struct {
	ConfirmationStartAt *time.Time
	ConfirmingAction    string
	LastCombinedScore   float64
	LastEvaluatedAt     time.Time
}

// BotConfigPatch is a partial update to a bot's configuration. Nil fields
// are left unchanged. Changing SignalConfig or either threshold resets the
// confirmation state atomically with the update.
type BotConfigPatch struct {
	SignalConfig        map[string]SignalSettings
	ConfirmationSeconds *int
	CooldownSeconds     *int
	PositionSizeUSD     *float64
	BuyThreshold        *float64
	SellThreshold       *float64
	SkipOnLowBalance    *bool
}

// ResetsConfirmation reports whether applying the patch must reset the
// bot's confirmation state.
func (p *BotConfigPatch) ResetsConfirmation() bool {
	return p.SignalConfig != nil || p.BuyThreshold != nil || p.SellThreshold != nil
}

// TradeFilter narrows ListTrades. Zero values mean "any".
type TradeFilter struct {
	TriggeredBy string
	ProductID   string
	Status      TradeStatus
	From        time.Time
	To          time.Time
	Limit       int
}

// Typed store errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateOrderID = errors.New("duplicate order id")
	ErrDuplicateBot     = errors.New("bot name or pair already in use")
	ErrStatusConflict   = errors.New("trade status conflict")
	ErrWeightSum        = errors.New("enabled signal weights exceed 1.0")
)

// Store is typed persistent access to bots, trades and signal history.
// Implementations must make trade status transitions serializable and
// enforce order id uniqueness.
type Store interface {
	// Bots
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, id uuid.UUID) (*Bot, error)
	GetBotByPair(ctx context.Context, pair string) (*Bot, error)
	ListBots(ctx context.Context) ([]*Bot, error)
	UpdateBotConfig(ctx context.Context, id uuid.UUID, patch BotConfigPatch) (*Bot, error)
	SetBotState(ctx context.Context, id uuid.UUID, state BotState) error
	UpdateEvaluationState(ctx context.Context, id uuid.UUID, st EvalState) error
	ResetConfirmation(ctx context.Context, id uuid.UUID) error

	// Trades
	InsertTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error)
	GetTradeByOrderID(ctx context.Context, orderID string) (*Trade, error)
	TransitionTradeStatus(ctx context.Context, id uuid.UUID, to TradeStatus, fill *Fill) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]*Trade, error)
	PendingTrades(ctx context.Context, triggeredBy string) ([]*Trade, error)
	PendingOlderThan(ctx context.Context, age time.Duration) ([]*Trade, error)
	LastCompletedTrade(ctx context.Context, triggeredBy string) (*Trade, error)
	CompletedTradesByPair(ctx context.Context, pair string) ([]*Trade, error)

	// Signal history
	InsertEvaluation(ctx context.Context, ev *SignalEvaluation) error
	RecentEvaluations(ctx context.Context, botID uuid.UUID, limit int) ([]*SignalEvaluation, error)

	Close()
}

// ValidateBot checks invariants enforced at write time
func ValidateBot(bot *Bot) error {
	if bot.Name == "" || bot.Pair == "" {
		return errors.New("bot name and pair are required")
	}
	if bot.PositionSizeUSD <= 0 {
		return errors.New("position_size_usd must be positive")
	}
	sum := bot.EnabledWeightSum()
	if sum > 1.0+1e-9 {
		return ErrWeightSum
	}
	if bot.BuyThreshold != nil && *bot.BuyThreshold >= 0 {
		return errors.New("buy_threshold must be negative")
	}
	if bot.SellThreshold != nil && *bot.SellThreshold <= 0 {
		return errors.New("sell_threshold must be positive")
	}
	return nil
}
