package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coinflux/coinflux/internal/store"
)

type createBotRequest struct {
	Name                string                          `json:"name" binding:"required"`
	Pair                string                          `json:"pair" binding:"required"`
	SignalConfig        map[string]store.SignalSettings `json:"signal_config" binding:"required"`
	ConfirmationSeconds *int                            `json:"confirmation_seconds"` // default from config
	CooldownSeconds     *int                            `json:"cooldown_seconds"`     // default from config
	PositionSizeUSD     float64                         `json:"position_size_usd" binding:"required"`
	BuyThreshold        *float64                        `json:"buy_threshold"`
	SellThreshold       *float64                        `json:"sell_threshold"`
	SkipOnLowBalance    *bool                           `json:"skip_on_low_balance"` // default true
}

type updateBotRequest struct {
	SignalConfig        map[string]store.SignalSettings `json:"signal_config"`
	ConfirmationSeconds *int                            `json:"confirmation_seconds"`
	CooldownSeconds     *int                            `json:"cooldown_seconds"`
	PositionSizeUSD     *float64                        `json:"position_size_usd"`
	BuyThreshold        *float64                        `json:"buy_threshold"`
	SellThreshold       *float64                        `json:"sell_threshold"`
	SkipOnLowBalance    *bool                           `json:"skip_on_low_balance"`
}

type botResponse struct {
	ID                  uuid.UUID                       `json:"id"`
	Name                string                          `json:"name"`
	Pair                string                          `json:"pair"`
	State               store.BotState                  `json:"state"`
	SignalConfig        map[string]store.SignalSettings `json:"signal_config"`
	ConfirmationSeconds int                             `json:"confirmation_seconds"`
	CooldownSeconds     int                             `json:"cooldown_seconds"`
	PositionSizeUSD     float64                         `json:"position_size_usd"`
	BuyThreshold        *float64                        `json:"buy_threshold,omitempty"`
	SellThreshold       *float64                        `json:"sell_threshold,omitempty"`
	SkipOnLowBalance    bool                            `json:"skip_on_low_balance"`
	CreatedAt           time.Time                       `json:"created_at"`
	UpdatedAt           time.Time                       `json:"updated_at"`
}

func toBotResponse(bot *store.Bot) botResponse {
	return botResponse{
		ID:                  bot.ID,
		Name:                bot.Name,
		Pair:                bot.Pair,
		State:               bot.State,
		SignalConfig:        bot.SignalConfig,
		ConfirmationSeconds: bot.ConfirmationSeconds,
		CooldownSeconds:     bot.CooldownSeconds,
		PositionSizeUSD:     bot.PositionSizeUSD,
		BuyThreshold:        bot.BuyThreshold,
		SellThreshold:       bot.SellThreshold,
		SkipOnLowBalance:    bot.SkipOnLowBalance,
		CreatedAt:           bot.CreatedAt,
		UpdatedAt:           bot.UpdatedAt,
	}
}

// writeStoreError maps store errors to HTTP statuses
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrDuplicateBot):
		c.JSON(http.StatusConflict, gin.H{"error": "bot name or pair already in use"})
	case errors.Is(err, store.ErrWeightSum):
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled signal weights exceed 1.0"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	confirmation := s.defaultConfirmation
	if req.ConfirmationSeconds != nil {
		confirmation = *req.ConfirmationSeconds
	}
	cooldown := s.defaultCooldown
	if req.CooldownSeconds != nil {
		cooldown = *req.CooldownSeconds
	}
	skipOnLowBalance := true
	if req.SkipOnLowBalance != nil {
		skipOnLowBalance = *req.SkipOnLowBalance
	}
	bot := &store.Bot{
		Name:                req.Name,
		Pair:                req.Pair,
		SignalConfig:        req.SignalConfig,
		ConfirmationSeconds: confirmation,
		CooldownSeconds:     cooldown,
		PositionSizeUSD:     req.PositionSizeUSD,
		BuyThreshold:        req.BuyThreshold,
		SellThreshold:       req.SellThreshold,
		SkipOnLowBalance:    skipOnLowBalance,
	}
	if err := s.st.CreateBot(c.Request.Context(), bot); err != nil {
		if errors.Is(err, store.ErrDuplicateBot) || errors.Is(err, store.ErrWeightSum) {
			writeStoreError(c, err)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, toBotResponse(bot))
}

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.st.ListBots(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]botResponse, 0, len(bots))
	for _, bot := range bots {
		out = append(out, toBotResponse(bot))
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}

func botID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetBot(c *gin.Context) {
	id, ok := botID(c)
	if !ok {
		return
	}
	bot, err := s.st.GetBot(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBotResponse(bot))
}

func (s *Server) handleUpdateBot(c *gin.Context) {
	id, ok := botID(c)
	if !ok {
		return
	}
	var req updateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := store.BotConfigPatch{
		SignalConfig:        req.SignalConfig,
		ConfirmationSeconds: req.ConfirmationSeconds,
		CooldownSeconds:     req.CooldownSeconds,
		PositionSizeUSD:     req.PositionSizeUSD,
		BuyThreshold:        req.BuyThreshold,
		SellThreshold:       req.SellThreshold,
		SkipOnLowBalance:    req.SkipOnLowBalance,
	}
	bot, err := s.st.UpdateBotConfig(c.Request.Context(), id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrWeightSum) {
			writeStoreError(c, err)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, toBotResponse(bot))
}

func (s *Server) handleStartBot(c *gin.Context) {
	s.setBotState(c, store.BotStateRunning)
}

func (s *Server) handleStopBot(c *gin.Context) {
	s.setBotState(c, store.BotStateStopped)
}

func (s *Server) setBotState(c *gin.Context, state store.BotState) {
	id, ok := botID(c)
	if !ok {
		return
	}
	if err := s.st.SetBotState(c.Request.Context(), id, state); err != nil {
		writeStoreError(c, err)
		return
	}
	s.logger.Info().Str("bot_id", id.String()).Str("state", string(state)).Msg("Bot state changed")
	c.JSON(http.StatusOK, gin.H{"id": id, "state": state})
}

// handleGetBotStatus runs a fresh evaluation pass rather than echoing
// stored fields, so the caller sees current scores and confirmation
// progress.
func (s *Server) handleGetBotStatus(c *gin.Context) {
	id, ok := botID(c)
	if !ok {
		return
	}
	bot, err := s.st.GetBot(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	outcome, err := s.evaluator.EvaluatePass(c.Request.Context(), bot)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(),
			"bot":   toBotResponse(bot),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bot":        toBotResponse(bot),
		"evaluation": outcome,
	})
}

func (s *Server) handleGetEvaluations(c *gin.Context) {
	id, ok := botID(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	evals, err := s.st.RecentEvaluations(c.Request.Context(), id, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": evals})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	s.safety.SetEmergencyStop(true)
	if s.onEmergencyStop != nil {
		s.onEmergencyStop()
	}
	c.JSON(http.StatusOK, s.safety.Snapshot())
}

func (s *Server) handleReleaseEmergencyStop(c *gin.Context) {
	s.safety.SetEmergencyStop(false)
	c.JSON(http.StatusOK, s.safety.Snapshot())
}

func (s *Server) handleGetSafety(c *gin.Context) {
	c.JSON(http.StatusOK, s.safety.Snapshot())
}

func (s *Server) handleGetPortfolio(c *gin.Context) {
	totals, err := s.portfolio.Totals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	filter := store.TradeFilter{
		ProductID: c.Query("pair"),
		Status:    store.TradeStatus(c.Query("status")),
		Limit:     100,
	}
	if raw := c.Query("bot_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot_id"})
			return
		}
		filter.TriggeredBy = "bot:" + id.String()
	}
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			filter.Limit = v
		}
	}

	trades, err := s.st.ListTrades(c.Request.Context(), filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
