package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"autofutures/config"
	"autofutures/database"
	"autofutures/engine"
	"autofutures/event"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/lock"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithHub(t, event.NewHub(0, 0))
}

func newTestServerWithHub(t *testing.T, hub *event.Hub) *Server {
	t.Helper()

	db, err := database.NewGormDatabase(&database.DBConfig{
		Type:     "sqlite",
		DSN:      filepath.Join(t.TempDir(), "web.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "web-test-secret"
	cfg.Engine.MinProfitPercent = 100 // 测试中不让循环自动成交

	enc, _ := gateway.NewEncryptor("web-test-key")
	factory := gateway.NewFactory(enc, &gateway.SimulatedConfig{RateLimit: 10000, RateBurst: 10000})
	store := ledger.NewStore(db)
	eng := engine.NewManager(cfg, store, db, hub, factory, lock.NewNopLock())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	return NewServer(cfg, db, store, eng, hub, nil, nil, factory)
}

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, w.Body.String())
	}
	return out
}

func registerUser(t *testing.T, s *Server, username string) string {
	t.Helper()

	w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"password": "password123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("注册失败: %d %s", w.Code, w.Body.String())
	}
	return decodeBody(t, w)["access_token"].(string)
}

func connectExchanges(t *testing.T, s *Server, token string, exchanges ...string) {
	t.Helper()

	for _, ex := range exchanges {
		w := doJSON(t, s, http.MethodPost, "/api/exchanges/connect", token, map[string]string{
			"exchange_id": ex,
			"api_key":     "key-" + ex,
			"secret_key":  "secret-" + ex,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("连接交易所 %s 失败: %d %s", ex, w.Code, w.Body.String())
		}
	}
}

func defaultParams() map[string]interface{} {
	return map[string]interface{}{
		"coin": "BTC", "side": "buy", "order_size": 1000, "frequency": "low",
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)

	token := registerUser(t, s, "alice")

	// 重复用户名
	w := doJSON(t, s, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("重复注册应返回 409, 实际 %d", w.Code)
	}

	// 短密码
	w = doJSON(t, s, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "bob", "password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("短密码应返回 400, 实际 %d", w.Code)
	}

	// 登录
	w = doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("登录失败: %d %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["token_type"] != "bearer" {
		t.Error("token_type 应为 bearer")
	}

	// 错误密码
	w = doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("错误密码应返回 401, 实际 %d", w.Code)
	}

	// 当前用户信息
	w = doJSON(t, s, http.MethodGet, "/api/auth/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("查询当前用户失败: %d", w.Code)
	}
	if decodeBody(t, w)["username"] != "alice" {
		t.Error("当前用户应为 alice")
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	protected := []string{
		"/api/trade/status", "/api/trade/active", "/api/trade/history",
		"/api/settings", "/api/exchanges", "/api/analytics/pnl",
	}
	for _, path := range protected {
		w := doJSON(t, s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s 无凭证应返回 401, 实际 %d", path, w.Code)
		}
		w = doJSON(t, s, http.MethodGet, path, "garbage-token", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s 非法凭证应返回 401, 实际 %d", path, w.Code)
		}
	}
}

func TestTradeStartStopFlow(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "trader")

	// 未连接交易所不能启动
	w := doJSON(t, s, http.MethodPost, "/api/trade/start", token, defaultParams())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("无交易所连接启动应返回 400, 实际 %d %s", w.Code, w.Body.String())
	}

	connectExchanges(t, s, token, "binance", "kraken")

	// 启动
	w = doJSON(t, s, http.MethodPost, "/api/trade/start", token, defaultParams())
	if w.Code != http.StatusOK {
		t.Fatalf("启动失败: %d %s", w.Code, w.Body.String())
	}

	// 重复启动 409
	w = doJSON(t, s, http.MethodPost, "/api/trade/start", token, defaultParams())
	if w.Code != http.StatusConflict {
		t.Errorf("重复启动应返回 409, 实际 %d", w.Code)
	}

	// 状态
	w = doJSON(t, s, http.MethodGet, "/api/trade/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("查询状态失败: %d", w.Code)
	}
	if decodeBody(t, w)["is_running"] != true {
		t.Error("状态应为运行中")
	}

	// 停止，且幂等
	for i := 0; i < 2; i++ {
		w = doJSON(t, s, http.MethodPost, "/api/trade/stop", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("第 %d 次停止失败: %d", i+1, w.Code)
		}
	}

	w = doJSON(t, s, http.MethodGet, "/api/trade/status", token, nil)
	if decodeBody(t, w)["is_running"] != false {
		t.Error("停止后状态应为未运行")
	}
}

func TestParameterValidation(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "validator")
	connectExchanges(t, s, token, "binance", "kraken")

	bad := defaultParams()
	bad["frequency"] = "turbo"
	w := doJSON(t, s, http.MethodPost, "/api/trade/start", token, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法频率应返回 400, 实际 %d", w.Code)
	}

	bad = defaultParams()
	bad["order_size"] = -5
	w = doJSON(t, s, http.MethodPost, "/api/trade/start", token, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("负订单金额应返回 400, 实际 %d", w.Code)
	}

	body := decodeBody(t, w)
	if _, ok := body["detail"]; !ok {
		t.Error("错误响应应包含 detail 字段")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "settings_user")

	// 默认设置
	w := doJSON(t, s, http.MethodGet, "/api/settings", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("查询设置失败: %d", w.Code)
	}
	if decodeBody(t, w)["trade_type"] != "arbitrage" {
		t.Error("默认交易类型应为 arbitrage")
	}

	// 更新
	w = doJSON(t, s, http.MethodPut, "/api/settings", token, map[string]string{
		"trade_type": "margin", "strategy": "margin",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("更新设置失败: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, "/api/settings", token, nil)
	if decodeBody(t, w)["trade_type"] != "margin" {
		t.Error("更新后的交易类型应为 margin")
	}

	// 非法交易类型
	w = doJSON(t, s, http.MethodPut, "/api/settings", token, map[string]string{
		"trade_type": "gambling",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法交易类型应返回 400, 实际 %d", w.Code)
	}
}

func TestExchangeSecretsNotExposed(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "secretive")
	connectExchanges(t, s, token, "binance")

	w := doJSON(t, s, http.MethodGet, "/api/exchanges", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("查询交易所失败: %d", w.Code)
	}
	body := w.Body.String()
	if bytes.Contains([]byte(body), []byte("key-binance")) || bytes.Contains([]byte(body), []byte("secret-binance")) {
		t.Error("API 响应不应泄露明文凭证")
	}
	if bytes.Contains([]byte(body), []byte("api_key_encrypted")) {
		t.Error("API 响应不应包含密文字段")
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "analyst")

	w := doJSON(t, s, http.MethodGet, "/api/analytics/pnl", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("盈亏分析失败: %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["cumulative_pnl"] != 0.0 {
		t.Errorf("无交易时累计盈亏应为 0, 实际 %v", body["cumulative_pnl"])
	}

	w = doJSON(t, s, http.MethodGet, "/api/analytics/statistics", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("统计失败: %d", w.Code)
	}
	stats := decodeBody(t, w)
	if stats["total_trades"] != 0.0 {
		t.Errorf("无交易时总笔数应为 0, 实际 %v", stats["total_trades"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("健康检查应返回 200, 实际 %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("指标端点应返回 200, 实际 %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("autofutures_")) {
		t.Error("指标输出应包含 autofutures_ 前缀")
	}
}

func TestTradeHistoryFilters(t *testing.T) {
	s := newTestServer(t)
	token := registerUser(t, s, "historian")

	for _, path := range []string{
		"/api/trade/history",
		"/api/trade/history?status=completed&limit=10",
		fmt.Sprintf("/api/trade/history?symbol=%s", "BTC/USDT"),
	} {
		w := doJSON(t, s, http.MethodGet, path, token, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s 应返回 200, 实际 %d", path, w.Code)
		}
	}
}
