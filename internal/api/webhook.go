package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signalcore/internal/signal"
	"signalcore/pkg/exchanges/common"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook is the signal intake: verify, validate, fan out.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "unreadable body"})
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := c.GetHeader("X-Signature")
		if !verifySignature(s.cfg.WebhookSecret, body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "error": "invalid signature"})
			return
		}
	}

	var payload signal.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "malformed json"})
		return
	}

	sig, err := signal.Validate(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": err.Error()})
		return
	}

	result, err := s.engine.ExecuteSignal(c.Request.Context(), sig)
	if err != nil {
		status := http.StatusInternalServerError
		var vErr *common.ValidationError
		var rErr *common.RateLimitError
		switch {
		case errors.As(err, &vErr):
			status = http.StatusBadRequest
		case errors.As(err, &rErr):
			status = http.StatusTooManyRequests
		}
		s.logger.Warn("signal rejected",
			zap.String("bot", sig.BotName),
			zap.String("symbol", sig.RawSymbol),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"code": status, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}
