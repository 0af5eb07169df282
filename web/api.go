package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autofutures/database"
	"autofutures/engine"
	"autofutures/ledger"
	"autofutures/monitor"
	"autofutures/storage"
)

// respondError 账本/引擎错误到 HTTP 状态码的映射
func respondError(c *gin.Context, err error) {
	var (
		verr *ledger.ValidationError
		serr *ledger.InvalidStateError
		berr *ledger.InsufficientBalanceError
		oerr *ledger.OverfillError
		nerr *ledger.NotFoundError
		aerr *engine.AlreadyRunningError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &berr), errors.As(err, &oerr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.As(err, &serr):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	case errors.As(err, &aerr):
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
	case errors.As(err, &nerr):
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}

// startTrading POST /api/trade/start
func (s *Server) startTrading(c *gin.Context) {
	var params ledger.TradeParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	userID := currentUserID(c)
	if err := s.engine.Start(c.Request.Context(), userID, &params); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "params": params})
}

// stopTrading POST /api/trade/stop，幂等
func (s *Server) stopTrading(c *gin.Context) {
	if err := s.engine.Stop(c.Request.Context(), currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// getTradeStatus GET /api/trade/status
func (s *Server) getTradeStatus(c *gin.Context) {
	userID := currentUserID(c)
	status, err := s.engine.Status(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	cumulative, count, err := s.store.CumulativePnL(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_running":     status.IsRunning,
		"params":         status.Params,
		"started_at":     status.StartedAt,
		"stopped_at":     status.StoppedAt,
		"strategy":       status.Strategy,
		"cumulative_pnl": cumulative,
		"trades_count":   count,
	})
}

// getActiveTrades GET /api/trade/active
func (s *Server) getActiveTrades(c *gin.Context) {
	trades, err := s.store.ListActiveTrades(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// getTradeHistory GET /api/trade/history?status=&symbol=&limit=&offset=
func (s *Server) getTradeHistory(c *gin.Context) {
	filter := &database.TradeFilter{
		UserID:    currentUserID(c),
		Status:    c.Query("status"),
		Symbol:    c.Query("symbol"),
		TradeType: c.Query("trade_type"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}

	if v := c.Query("start_time"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = &ts
		}
	}
	if v := c.Query("end_time"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = &ts
		}
	}

	trades, err := s.store.GetHistory(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// getBotLogs GET /api/trade/logs?limit=
func (s *Server) getBotLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	logs, err := s.store.GetBotLogs(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// getParameters GET /api/trade/parameters
func (s *Server) getParameters(c *gin.Context) {
	status, err := s.engine.Status(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": status.Params, "is_running": status.IsRunning})
}

// updateParameters PUT /api/trade/parameters，运行中热更新
func (s *Server) updateParameters(c *gin.Context) {
	var params ledger.TradeParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if err := s.engine.UpdateParams(c.Request.Context(), currentUserID(c), &params); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": params})
}

type settingsRequest struct {
	TradeType string `json:"trade_type" binding:"omitempty,oneof=arbitrage margin"`
	Strategy  string `json:"strategy" binding:"omitempty,oneof=arbitrage margin"`
}

// getSettings GET /api/settings
func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.db.GetUserSettings(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if settings == nil {
		settings = &database.UserSettings{
			UserID:    currentUserID(c),
			TradeType: database.TradeTypeArbitrage,
			Strategy:  "arbitrage",
		}
	}
	c.JSON(http.StatusOK, settings)
}

// updateSettings PUT /api/settings
func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	userID := currentUserID(c)
	ctx := c.Request.Context()
	settings, err := s.db.GetUserSettings(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if settings == nil {
		settings = &database.UserSettings{UserID: userID}
	}
	if req.TradeType != "" {
		settings.TradeType = req.TradeType
	}
	if req.Strategy != "" {
		settings.Strategy = req.Strategy
	}

	if err := s.db.SaveUserSettings(ctx, settings); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type connectExchangeRequest struct {
	ExchangeID string `json:"exchange_id" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	SecretKey  string `json:"secret_key" binding:"required"`
}

// connectExchange POST /api/exchanges/connect
func (s *Server) connectExchange(c *gin.Context) {
	var req connectExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	userID := currentUserID(c)
	conn, err := s.factory.EncryptConnection(userID, req.ExchangeID, req.APIKey, req.SecretKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	// 创建一次网关验证凭证可用
	gw, err := s.factory.Create(conn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	gw.Close()

	if err := s.db.SaveExchangeConnection(c.Request.Context(), conn); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          conn.ID,
		"exchange_id": conn.ExchangeID,
		"is_active":   conn.IsActive,
	})
}

// getExchanges GET /api/exchanges
func (s *Server) getExchanges(c *gin.Context) {
	conns, err := s.db.GetExchangeConnections(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": conns})
}

// getBalances GET /api/exchanges/balances
func (s *Server) getBalances(c *gin.Context) {
	balances, err := s.store.GetBalances(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// getExchangePrice GET /api/exchanges/:exchange/price/:symbol
// 路径里的交易对用连字符，例如 BTC-USDT
func (s *Server) getExchangePrice(c *gin.Context) {
	exchangeID := c.Param("exchange")
	symbol := strings.ReplaceAll(c.Param("symbol"), "-", "/")

	ctx := c.Request.Context()
	conns, err := s.db.GetExchangeConnections(ctx, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	var conn *database.ExchangeConnection
	for _, cand := range conns {
		if cand.ExchangeID == exchangeID {
			conn = cand
			break
		}
	}
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("未连接交易所: %s", exchangeID)})
		return
	}

	gw, err := s.factory.Create(conn)
	if err != nil {
		respondError(c, err)
		return
	}
	defer gw.Close()

	quote, err := gw.GetPrice(ctx, symbol)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// getPnLAnalytics GET /api/analytics/pnl?limit=
func (s *Server) getPnLAnalytics(c *gin.Context) {
	userID := currentUserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx := c.Request.Context()
	history, err := s.store.PnLHistory(ctx, userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	cumulative, count, err := s.store.CumulativePnL(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cumulative_pnl": cumulative,
		"trades_count":   count,
		"history":        history,
	})
}

// getStatistics GET /api/analytics/statistics
func (s *Server) getStatistics(c *gin.Context) {
	userID := currentUserID(c)
	ctx := c.Request.Context()

	completed, err := s.store.GetHistory(ctx, &database.TradeFilter{
		UserID: userID, Status: database.TradeStatusCompleted, Limit: 1000,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	var wins, losses int
	var totalPnL, bestPnL, worstPnL float64
	for i, trade := range completed {
		if trade.PnL == nil {
			continue
		}
		pnl := *trade.PnL
		totalPnL += pnl
		if pnl >= 0 {
			wins++
		} else {
			losses++
		}
		if i == 0 || pnl > bestPnL {
			bestPnL = pnl
		}
		if i == 0 || pnl < worstPnL {
			worstPnL = pnl
		}
	}

	winRate := 0.0
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses) * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"total_trades": len(completed),
		"wins":         wins,
		"losses":       losses,
		"win_rate":     winRate,
		"total_pnl":    totalPnL,
		"best_pnl":     bestPnL,
		"worst_pnl":    worstPnL,
	})
}

// getSystemMetrics GET /api/system
func (s *Server) getSystemMetrics(c *gin.Context) {
	var latest *monitor.SystemMetrics
	if s.collector != nil {
		latest = s.collector.Latest()
	}
	c.JSON(http.StatusOK, gin.H{
		"system":  latest,
		"runtime": monitor.RuntimeStats(),
	})
}

// getAppLogs GET /api/logs?level=&keyword=&limit=&offset=
func (s *Server) getAppLogs(c *gin.Context) {
	if s.logStorage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "日志存储未启用"})
		return
	}

	query := &storage.LogQuery{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
	}
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, total, err := s.logStorage.Query(query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": records, "total": total})
}
