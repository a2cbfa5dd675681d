package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limits are the global caps applied across all bots combined
type Limits struct {
	MaxDailyLossUSD float64 // 0 disables the cap
	MaxDailyTrades  int     // 0 disables the cap
}

// Snapshot is the state handed to the trade decider. Explicit value, no
// hidden singleton.
type Snapshot struct {
	EmergencyStop   bool    `json:"emergency_stop"`
	DailyLossUSD    float64 `json:"daily_loss_usd"`
	DailyTrades     int     `json:"daily_trades"`
	LossCapReached  bool    `json:"loss_cap_reached"`
	TradeCapReached bool    `json:"trade_cap_reached"`
}

// TradingAllowed reports whether any global gate blocks new trades
func (s Snapshot) TradingAllowed() bool {
	return !s.EmergencyStop && !s.LossCapReached && !s.TradeCapReached
}

// State tracks the emergency stop flag and per-day counters. Days roll
// over at UTC midnight.
type State struct {
	mu            sync.Mutex
	limits        Limits
	emergencyStop bool
	day           time.Time
	lossUSD       float64
	trades        int
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates safety state with the given limits
func New(limits Limits, logger zerolog.Logger) *State {
	s := &State{
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
	s.day = utcDay(s.now())
	return s
}

// SetClock overrides the time source, for tests
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// rollover resets the daily counters at UTC midnight. Caller holds mu.
func (s *State) rollover() {
	today := utcDay(s.now())
	if today.Equal(s.day) {
		return
	}
	s.logger.Info().
		Float64("daily_loss_usd", s.lossUSD).
		Int("daily_trades", s.trades).
		Msg("Daily safety counters reset")
	s.day = today
	s.lossUSD = 0
	s.trades = 0
}

// SetEmergencyStop flips the global kill switch
func (s *State) SetEmergencyStop(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergencyStop == on {
		return
	}
	s.emergencyStop = on
	if on {
		s.logger.Warn().Msg("EMERGENCY STOP engaged, all trading halted")
	} else {
		s.logger.Info().Msg("Emergency stop released")
	}
}

// RecordTrade counts one completed trade and its realized P&L. Losses
// accumulate toward the daily cap; profits do not offset them.
func (s *State) RecordTrade(realizedPnLUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	s.trades++
	if realizedPnLUSD < 0 {
		s.lossUSD += -realizedPnLUSD
	}
}

// Snapshot returns the current safety state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	return Snapshot{
		EmergencyStop:   s.emergencyStop,
		DailyLossUSD:    s.lossUSD,
		DailyTrades:     s.trades,
		LossCapReached:  s.limits.MaxDailyLossUSD > 0 && s.lossUSD >= s.limits.MaxDailyLossUSD,
		TradeCapReached: s.limits.MaxDailyTrades > 0 && s.trades >= s.limits.MaxDailyTrades,
	}
}
