package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"signalcore/pkg/db"
	"signalcore/pkg/exchanges/common"
)

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// --- bots ---

type createBotRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "name required"})
		return
	}
	bot, err := s.store.CreateBot(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) setBotActive(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "active required"})
		return
	}
	if err := s.store.SetBotActive(c.Request.Context(), id, *req.Active); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

type bindRequest struct {
	AccountID int64   `json:"account_id" binding:"required"`
	RiskPct   float64 `json:"risk_pct"`
	Leverage  int     `json:"leverage"`
}

func (s *Server) bindAccount(c *gin.Context) {
	botID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "account_id required"})
		return
	}
	if req.RiskPct < 0 || req.RiskPct > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "risk_pct must be in [0, 100]"})
		return
	}
	if req.Leverage < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "leverage must be non-negative"})
		return
	}
	if err := s.store.BindAccount(c.Request.Context(), botID, req.AccountID, req.RiskPct, req.Leverage); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": botID, "account_id": req.AccountID})
}

func (s *Server) unbindAccount(c *gin.Context) {
	botID, ok := pathID(c, "id")
	if !ok {
		return
	}
	accountID, ok := pathID(c, "accountID")
	if !ok {
		return
	}
	if err := s.store.UnbindAccount(c.Request.Context(), botID, accountID); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTrades(c *gin.Context) {
	botID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.store.ListTrades(c.Request.Context(), botID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// --- accounts ---

type createAccountRequest struct {
	Label      string `json:"label" binding:"required"`
	Exchange   string `json:"exchange" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
	Testnet    bool   `json:"testnet"`
}

func validExchange(name string) bool {
	switch common.ExchangeKind(name) {
	case common.ExchangeBybit, common.ExchangeOKX, common.ExchangeBitget, common.ExchangeBinance:
		return true
	}
	return false
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "label, exchange, api_key and api_secret required"})
		return
	}
	if !validExchange(req.Exchange) {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "unsupported exchange"})
		return
	}
	if common.ExchangeKind(req.Exchange) == common.ExchangeOKX && req.Passphrase == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "okx accounts require a passphrase"})
		return
	}
	acct := &db.Account{
		Label:      req.Label,
		Exchange:   req.Exchange,
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		Passphrase: req.Passphrase,
		Testnet:    req.Testnet,
		Active:     true,
	}
	if err := s.store.CreateAccount(c.Request.Context(), acct); err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type updateKeysRequest struct {
	APIKey     string `json:"api_key" binding:"required"`
	APISecret  string `json:"api_secret" binding:"required"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) updateAccountKeys(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "api_key and api_secret required"})
		return
	}
	if err := s.store.UpdateAccountKeys(c.Request.Context(), id, req.APIKey, req.APISecret, req.Passphrase); err != nil {
		s.respondStoreError(c, err)
		return
	}
	// Drop any cached session so the new keys take effect immediately.
	s.engine.InvalidateSession(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "updated": true})
}

func (s *Server) setAccountActive(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "active required"})
		return
	}
	if err := s.store.SetAccountActive(c.Request.Context(), id, *req.Active); err != nil {
		s.respondStoreError(c, err)
		return
	}
	if !*req.Active {
		s.engine.InvalidateSession(id)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

func (s *Server) closeAll(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	closed, err := s.engine.CloseAll(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":   http.StatusBadGateway,
			"error":  err.Error(),
			"closed": closed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (s *Server) livePosition(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sym := c.Param("symbol")
	pos, err := s.engine.LivePosition(c.Request.Context(), id, sym)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": http.StatusBadGateway, "error": err.Error()})
		return
	}
	if pos == nil || pos.Empty() {
		c.JSON(http.StatusOK, gin.H{"symbol": sym, "position": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": sym, "position": pos})
}

func (s *Server) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "error": err.Error()})
}
