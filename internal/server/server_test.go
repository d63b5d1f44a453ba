package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/campusclash/internal/cache/local"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/server"
	"github.com/alanyoungcy/campusclash/internal/server/handler"
	"github.com/alanyoungcy/campusclash/internal/service"
	"github.com/alanyoungcy/campusclash/internal/store/sqlite"
)

const apiKey = "campus-secret"

type fixture struct {
	h      http.Handler
	ledger *service.LedgerService
	admin  domain.User
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := service.NewLedgerService(db, nil, nil, service.LedgerConfig{}, logger)
	settler := service.NewSettlementService(db, nil, nil, nil, nil, nil, nil, service.SettlementConfig{}, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	require.NoError(t, err)

	h := server.NewHandler(server.Config{
		APIKeyHash:     string(hash),
		WagerRateLimit: rateLimit,
	}, server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"database": func(ctx context.Context) error { return db.DB().PingContext(ctx) },
		}, logger),
		Users:      handler.NewUserHandler(ledger, logger),
		Markets:    handler.NewMarketHandler(ledger, logger),
		Positions:  handler.NewPositionHandler(ledger, logger),
		Settlement: handler.NewSettlementHandler(settler, logger),
	}, nil, local.NewLimiter(0), logger)

	admin, err := ledger.RegisterUser(context.Background(), "judge", true)
	require.NoError(t, err)
	return &fixture{h: h, ledger: ledger, admin: admin}
}

func (f *fixture) do(t *testing.T, method, path, caller string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-API-Key", apiKey)
	if caller != "" {
		req.Header.Set("X-User-ID", caller)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealth_IsPublic(t *testing.T) {
	f := newFixture(t, 0)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)
}

func TestAuth_RejectsMissingAndWrongKey(t *testing.T) {
	f := newFixture(t, 0)

	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWagerAndSettleFlow(t *testing.T) {
	f := newFixture(t, 0)

	code, body := f.do(t, http.MethodPost, "/api/users", "", map[string]any{"name": "ana"})
	require.Equal(t, http.StatusCreated, code)
	ana := body["id"].(string)
	assert.EqualValues(t, 1000, body["balance"])

	code, body = f.do(t, http.MethodPost, "/api/users", "", map[string]any{"name": "ben"})
	require.Equal(t, http.StatusCreated, code)
	ben := body["id"].(string)

	code, body = f.do(t, http.MethodPost, "/api/markets", ana, map[string]any{
		"title": "Will it snow on finals week?", "stake_unit": 100,
	})
	require.Equal(t, http.StatusCreated, code)
	market := body["id"].(string)

	code, body = f.do(t, http.MethodPost, "/api/markets/"+market+"/wagers", ana, map[string]any{"side": "A", "quantity": 1})
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, body["position_id"])

	code, _ = f.do(t, http.MethodPost, "/api/markets/"+market+"/wagers", ben, map[string]any{"side": "OPTION_B", "quantity": 2})
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodPost, "/api/markets/"+market+"/wagers", ana, map[string]any{"side": "B", "quantity": 1})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflicting_position", body["code"])

	code, body = f.do(t, http.MethodPost, "/api/markets/"+market+"/wagers", ben, map[string]any{"side": "B", "quantity": 9})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.EqualValues(t, 100, body["shortfall"])

	code, body = f.do(t, http.MethodGet, "/api/markets/"+market+"/pool", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 100, body["pool_a"])
	assert.EqualValues(t, 200, body["pool_b"])
	assert.EqualValues(t, 33, body["percent_a"])

	settle := map[string]any{"winning_side": "A", "result_instant": time.Now().UTC().Add(time.Second).Format(time.RFC3339Nano)}
	code, _ = f.do(t, http.MethodPost, "/api/markets/"+market+"/settle", ana, settle)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(t, http.MethodPost, "/api/markets/"+market+"/settle", f.admin.ID, settle)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["late_refund_count"])

	code, body = f.do(t, http.MethodPost, "/api/markets/"+market+"/settle", f.admin.ID, settle)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_settled", body["code"])

	code, body = f.do(t, http.MethodGet, "/api/users/"+ana, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1200, body["balance"])
	assert.EqualValues(t, 1, body["wins"])

	code, body = f.do(t, http.MethodGet, "/api/users/"+ben+"/positions", "", nil)
	require.Equal(t, http.StatusOK, code)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "LOST", positions[0].(map[string]any)["status"])

	code, _ = f.do(t, http.MethodPost, "/api/markets/"+market+"/wagers", ben, map[string]any{"side": "B", "quantity": 1})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodGet, "/api/markets/"+market+"/receipt", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPlaceWager_Validation(t *testing.T) {
	f := newFixture(t, 0)
	code, _ := f.do(t, http.MethodPost, "/api/markets/m1/wagers", "", map[string]any{"side": "A", "quantity": 1})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPost, "/api/markets/m1/wagers", f.admin.ID, map[string]any{"side": "C", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/markets/m1/wagers", f.admin.ID, map[string]any{"side": "A", "quantity": 1, "extra": true})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/api/markets/m1/wagers", f.admin.ID, map[string]any{"side": "A", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
}

func TestWithdrawOnlyOwnAccount(t *testing.T) {
	f := newFixture(t, 0)
	u, err := f.ledger.RegisterUser(context.Background(), "cara", false)
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodPost, "/api/users/"+u.ID+"/withdrawals", f.admin.ID, map[string]any{"amount": 10})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodPost, "/api/users/"+u.ID+"/withdrawals", u.ID, map[string]any{"amount": 10})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 990, body["balance"])

	code, body = f.do(t, http.MethodPost, "/api/users/"+u.ID+"/adjustments", f.admin.ID, map[string]any{"delta": 25, "reason": "quiz prize"})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1015, body["balance"])
}

func TestWagerRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	u, err := f.ledger.RegisterUser(context.Background(), "dan", false)
	require.NoError(t, err)
	m, err := f.ledger.CreateMarket(context.Background(), u.ID, service.NewMarket{Title: "q", StakeUnit: 1})
	require.NoError(t, err)

	path := "/api/markets/" + m.ID + "/wagers"
	for i := 0; i < 2; i++ {
		code, _ := f.do(t, http.MethodPost, path, u.ID, map[string]any{"side": "A", "quantity": 1})
		require.Equal(t, http.StatusCreated, code)
	}
	code, body := f.do(t, http.MethodPost, path, u.ID, map[string]any{"side": "A", "quantity": 1})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", body["code"])
}

func TestListMarkets_StatusFilter(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.ledger.CreateMarket(context.Background(), f.admin.ID, service.NewMarket{Title: "q", StakeUnit: 5})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/api/markets?status=open", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["markets"].([]any), 1)

	code, _ = f.do(t, http.MethodGet, "/api/markets?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
