package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalcore/pkg/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:          "0",
		WebhookSecret: "hook-secret",
		JWTSecret:     "jwt-secret",
		AdminUser:     "admin",
		AdminPassword: "hunter2",
		Policy:        config.DefaultPolicy(),
	}
	// Handlers that would need the engine or store are not exercised here.
	return NewServer(cfg, nil, nil, zap.NewNop())
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"botname":"b","symbol":"BTCUSDT","side":"buy","order_type":"LONG_SIGNAL","size":"1","leverage":"5"}`)

	w := do(s, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"botname":"b"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("wrong-secret", body))
	w := do(s, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	s := testServer(t)
	// Valid signature, but the side contradicts the order type.
	body := []byte(`{"botname":"b","symbol":"BTCUSDT","side":"sell","order_type":"LONG_SIGNAL","size":"1","leverage":"5"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("hook-secret", body))
	w := do(s, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "side")
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	s := testServer(t)
	body := []byte(`{not json`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("hook-secret", body))
	w := do(s, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginIssuesToken(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"username":"admin","password":"hunter2"}`)

	w := do(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := parseToken("jwt-secret", resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := testServer(t)
	body := []byte(`{"username":"admin","password":"wrong"}`)

	w := do(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
	s := testServer(t)
	s.cfg.AdminPassword = ""
	body := []byte(`{"username":"admin","password":"anything"}`)

	w := do(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthMiddlewareGuardsManagementRoutes(t *testing.T) {
	s := testServer(t)

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = do(s, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Authorization", "Token whatever")
	w = do(s, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := generateToken("jwt-secret", "admin")
	require.NoError(t, err)

	claims, err := parseToken("jwt-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)

	_, err = parseToken("other-secret", token)
	require.Error(t, err)
}

func TestHealthOpen(t *testing.T) {
	s := testServer(t)
	w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	assert.True(t, verifySignature("s", body, signBody("s", body)))
	assert.False(t, verifySignature("s", body, signBody("x", body)))
	assert.False(t, verifySignature("s", body, ""))
}
