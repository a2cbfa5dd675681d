package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const pgUniqueViolation = "23505"

// Postgres is the production Store backed by a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool and verifies connectivity
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	log.Info().Msg("Store connection pool created")
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Close closes the connection pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Health checks store connectivity
func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateBot inserts a new bot. Name and pair must both be unused.
func (p *Postgres) CreateBot(ctx context.Context, bot *Bot) error {
	if err := ValidateBot(bot); err != nil {
		return err
	}
	if bot.ID == uuid.Nil {
		bot.ID = uuid.New()
	}
	if bot.State == "" {
		bot.State = BotStateStopped
	}
	now := time.Now()
	bot.CreatedAt = now
	bot.UpdatedAt = now

	signalConfig, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return fmt.Errorf("failed to encode signal config: %w", err)
	}

	query := `
		INSERT INTO bots (
			id, name, pair, state, signal_config,
			confirmation_seconds, cooldown_seconds, position_size_usd,
			buy_threshold, sell_threshold, skip_on_low_balance,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = p.pool.Exec(ctx, query,
		bot.ID, bot.Name, bot.Pair, bot.State, signalConfig,
		bot.ConfirmationSeconds, bot.CooldownSeconds, bot.PositionSizeUSD,
		bot.BuyThreshold, bot.SellThreshold, bot.SkipOnLowBalance,
		bot.CreatedAt, bot.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateBot
	}
	if err != nil {
		return fmt.Errorf("failed to insert bot: %w", err)
	}
	return nil
}

const botColumns = `
	id, name, pair, state, signal_config,
	confirmation_seconds, cooldown_seconds, position_size_usd,
	buy_threshold, sell_threshold, skip_on_low_balance,
	confirmation_start_at, confirming_action, last_combined_score, last_evaluated_at,
	created_at, updated_at
`

func scanBot(row pgx.Row) (*Bot, error) {
	var bot Bot
	var signalConfig []byte
	err := row.Scan(
		&bot.ID, &bot.Name, &bot.Pair, &bot.State, &signalConfig,
		&bot.ConfirmationSeconds, &bot.CooldownSeconds, &bot.PositionSizeUSD,
		&bot.BuyThreshold, &bot.SellThreshold, &bot.SkipOnLowBalance,
		&bot.ConfirmationStartAt, &bot.ConfirmingAction, &bot.LastCombinedScore, &bot.LastEvaluatedAt,
		&bot.CreatedAt, &bot.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bot: %w", err)
	}
	if len(signalConfig) > 0 {
		if err := json.Unmarshal(signalConfig, &bot.SignalConfig); err != nil {
			return nil, fmt.Errorf("failed to decode signal config: %w", err)
		}
	}
	return &bot, nil
}

// GetBot loads one bot by id
func (p *Postgres) GetBot(ctx context.Context, id uuid.UUID) (*Bot, error) {
	return scanBot(p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
}

// GetBotByPair loads the bot configured for a pair
func (p *Postgres) GetBotByPair(ctx context.Context, pair string) (*Bot, error) {
	return scanBot(p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE pair = $1`, pair))
}

// ListBots returns all bots ordered by creation time
func (p *Postgres) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBotConfig applies a partial config update. Patches that change
// the signal config or a threshold reset the confirmation state in the
// same statement, so a confirmation can never survive the config it was
// built on.
func (p *Postgres) UpdateBotConfig(ctx context.Context, id uuid.UUID, patch BotConfigPatch) (*Bot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bot, err := scanBot(tx.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if patch.SignalConfig != nil {
		bot.SignalConfig = patch.SignalConfig
	}
	if patch.ConfirmationSeconds != nil {
		bot.ConfirmationSeconds = *patch.ConfirmationSeconds
	}
	if patch.CooldownSeconds != nil {
		bot.CooldownSeconds = *patch.CooldownSeconds
	}
	if patch.PositionSizeUSD != nil {
		bot.PositionSizeUSD = *patch.PositionSizeUSD
	}
	if patch.BuyThreshold != nil {
		bot.BuyThreshold = patch.BuyThreshold
	}
	if patch.SellThreshold != nil {
		bot.SellThreshold = patch.SellThreshold
	}
	if patch.SkipOnLowBalance != nil {
		bot.SkipOnLowBalance = *patch.SkipOnLowBalance
	}
	if err := ValidateBot(bot); err != nil {
		return nil, err
	}
	if patch.ResetsConfirmation() {
		bot.ConfirmationStartAt = nil
		bot.ConfirmingAction = ""
	}
	bot.UpdatedAt = time.Now()

	signalConfig, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal config: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bots SET
			signal_config = $2,
			confirmation_seconds = $3,
			cooldown_seconds = $4,
			position_size_usd = $5,
			buy_threshold = $6,
			sell_threshold = $7,
			skip_on_low_balance = $8,
			confirmation_start_at = $9,
			confirming_action = $10,
			updated_at = $11
		WHERE id = $1
	`,
		bot.ID, signalConfig,
		bot.ConfirmationSeconds, bot.CooldownSeconds, bot.PositionSizeUSD,
		bot.BuyThreshold, bot.SellThreshold, bot.SkipOnLowBalance,
		bot.ConfirmationStartAt, bot.ConfirmingAction, bot.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update bot config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bot config update: %w", err)
	}
	return bot, nil
}

// SetBotState moves a bot between lifecycle states
func (p *Postgres) SetBotState(ctx context.Context, id uuid.UUID, state BotState) error {
	tag, err := p.pool.Exec(ctx, `UPDATE bots SET state = $2, updated_at = NOW() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("failed to set bot state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEvaluationState writes the transient per-pass evaluation fields
func (p *Postgres) UpdateEvaluationState(ctx context.Context, id uuid.UUID, st EvalState) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE bots SET
			confirmation_start_at = $2,
			confirming_action = $3,
			last_combined_score = $4,
			last_evaluated_at = $5,
			updated_at = NOW()
		WHERE id = $1
	`, id, st.ConfirmationStartAt, st.ConfirmingAction, st.LastCombinedScore, st.LastEvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to update evaluation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetConfirmation clears the confirmation machine back to idle
func (p *Postgres) ResetConfirmation(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE bots SET
			confirmation_start_at = NULL,
			confirming_action = '',
			updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTrade records a trade. Exchange order ids are unique; a second
// insert for the same order returns ErrDuplicateOrderID.
func (p *Postgres) InsertTrade(ctx context.Context, trade *Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}

	var signalContext []byte
	if trade.SignalContext != nil {
		var err error
		signalContext, err = json.Marshal(trade.SignalContext)
		if err != nil {
			return fmt.Errorf("failed to encode signal context: %w", err)
		}
	}

	query := `
		INSERT INTO trades (
			id, order_id, triggered_by, product_id, side,
			size_usd, size_crypto, price, commission_usd,
			status, signal_context, created_at, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := p.pool.Exec(ctx, query,
		trade.ID, trade.OrderID, trade.TriggeredBy, trade.ProductID, trade.Side,
		trade.SizeUSD, trade.SizeCrypto, trade.Price, trade.CommissionUSD,
		trade.Status, signalContext, trade.CreatedAt, trade.FilledAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOrderID
	}
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

const tradeColumns = `
	id, order_id, triggered_by, product_id, side,
	size_usd, size_crypto, price, commission_usd,
	status, signal_context, created_at, filled_at
`

func scanTrade(row pgx.Row) (*Trade, error) {
	var trade Trade
	var signalContext []byte
	err := row.Scan(
		&trade.ID, &trade.OrderID, &trade.TriggeredBy, &trade.ProductID, &trade.Side,
		&trade.SizeUSD, &trade.SizeCrypto, &trade.Price, &trade.CommissionUSD,
		&trade.Status, &signalContext, &trade.CreatedAt, &trade.FilledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}
	if len(signalContext) > 0 {
		if err := json.Unmarshal(signalContext, &trade.SignalContext); err != nil {
			return nil, fmt.Errorf("failed to decode signal context: %w", err)
		}
	}
	return &trade, nil
}

// GetTrade loads one trade by id
func (p *Postgres) GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return scanTrade(p.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

// GetTradeByOrderID loads one trade by its exchange order id
func (p *Postgres) GetTradeByOrderID(ctx context.Context, orderID string) (*Trade, error) {
	return scanTrade(p.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE order_id = $1`, orderID))
}

// TransitionTradeStatus moves a pending trade to a terminal status. The
// row is locked for the duration, so concurrent resolvers serialize and
// exactly one of them wins; the rest get ErrStatusConflict.
func (p *Postgres) TransitionTradeStatus(ctx context.Context, id uuid.UUID, to TradeStatus, fill *Fill) error {
	if !to.IsTerminal() {
		return fmt.Errorf("cannot transition to non-terminal status %q", to)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current TradeStatus
	err = tx.QueryRow(ctx, `SELECT status FROM trades WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock trade: %w", err)
	}
	if current != TradeStatusPending {
		return ErrStatusConflict
	}

	if fill != nil {
		_, err = tx.Exec(ctx, `
			UPDATE trades SET
				status = $2, size_usd = $3, size_crypto = $4,
				price = $5, commission_usd = $6, filled_at = $7
			WHERE id = $1
		`, id, to, fill.SizeUSD, fill.SizeCrypto, fill.Price, fill.CommissionUSD, fill.FilledAt)
	} else {
		_, err = tx.Exec(ctx, `UPDATE trades SET status = $2 WHERE id = $1`, id, to)
	}
	if err != nil {
		return fmt.Errorf("failed to transition trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit trade transition: %w", err)
	}
	return nil
}

// ListTrades returns trades matching the filter, newest first
func (p *Postgres) ListTrades(ctx context.Context, filter TradeFilter) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TriggeredBy != "" {
		query += ` AND triggered_by = ` + arg(filter.TriggeredBy)
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ` + arg(filter.ProductID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if !filter.From.IsZero() {
		query += ` AND created_at >= ` + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND created_at < ` + arg(filter.To)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// PendingTrades returns the open trades for one attribution
func (p *Postgres) PendingTrades(ctx context.Context, triggeredBy string) ([]*Trade, error) {
	return p.ListTrades(ctx, TradeFilter{TriggeredBy: triggeredBy, Status: TradeStatusPending})
}

// PendingOlderThan returns pending trades created at least age ago,
// oldest first. This is the sweeper's work queue.
func (p *Postgres) PendingOlderThan(ctx context.Context, age time.Duration) ([]*Trade, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = $1 AND created_at <= $2 ORDER BY created_at`,
		TradeStatusPending, time.Now().Add(-age),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// LastCompletedTrade returns the most recently filled trade for an
// attribution, or ErrNotFound.
func (p *Postgres) LastCompletedTrade(ctx context.Context, triggeredBy string) (*Trade, error) {
	return scanTrade(p.pool.QueryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE triggered_by = $1 AND status = $2 AND filled_at IS NOT NULL
		ORDER BY filled_at DESC LIMIT 1
	`, triggeredBy, TradeStatusCompleted))
}

// CompletedTradesByPair returns all fills for a pair in fill order,
// which is what FIFO lot matching consumes.
func (p *Postgres) CompletedTradesByPair(ctx context.Context, pair string) ([]*Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE product_id = $1 AND status = $2 AND filled_at IS NOT NULL
		ORDER BY filled_at
	`, pair, TradeStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// InsertEvaluation appends one signal history row. History is advisory;
// callers tolerate failures here.
func (p *Postgres) InsertEvaluation(ctx context.Context, ev *SignalEvaluation) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	scores, err := json.Marshal(ev.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	weights, err := json.Marshal(ev.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO signal_evaluations (
			id, bot_id, pair, scores, weights,
			combined, action, confirming, progress, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.ID, ev.BotID, ev.Pair, scores, weights,
		ev.Combined, ev.Action, ev.Confirming, ev.Progress, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// RecentEvaluations returns the newest history rows for a bot
func (p *Postgres) RecentEvaluations(ctx context.Context, botID uuid.UUID, limit int) ([]*SignalEvaluation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, bot_id, pair, scores, weights,
			combined, action, confirming, progress, created_at
		FROM signal_evaluations
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*SignalEvaluation
	for rows.Next() {
		var ev SignalEvaluation
		var scores, weights []byte
		if err := rows.Scan(
			&ev.ID, &ev.BotID, &ev.Pair, &scores, &weights,
			&ev.Combined, &ev.Action, &ev.Confirming, &ev.Progress, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &ev.Scores); err != nil {
				return nil, fmt.Errorf("failed to decode scores: %w", err)
			}
		}
		if len(weights) > 0 {
			if err := json.Unmarshal(weights, &ev.Weights); err != nil {
				return nil, fmt.Errorf("failed to decode weights: %w", err)
			}
		}
		evals = append(evals, &ev)
	}
	return evals, rows.Err()
}
