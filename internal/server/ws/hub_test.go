package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/cache/local"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/events"
)

func startHub(t *testing.T, bus *local.Bus) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_ReplaysMissedEventsForSubscribedChannels(t *testing.T) {
	bus := local.NewBus(100)
	ctx := context.Background()
	for _, e := range []domain.LedgerEvent{
		{Type: domain.EventWagerPlaced, MarketID: "m1", UserID: "u1", Side: domain.SideA, Amount: 10},
		{Type: domain.EventMarketSettled, MarketID: "m1", WinningSide: domain.SideA, LateRefunds: 1},
	} {
		payload, err := events.Encode(e)
		require.NoError(t, err)
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedgerEvents, payload))
	}

	conn := dial(t, startHub(t, bus), "channels=settlements&since=0")

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	e, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, domain.EventMarketSettled, e.Type)
	assert.Equal(t, 1, e.LateRefunds)

	env := readEnvelope(t, conn)
	assert.Equal(t, "replay", env["type"])
	assert.Equal(t, float64(1), env["count"])
	assert.Equal(t, false, env["truncated"])

	assert.Equal(t, "feed_status", readEnvelope(t, conn)["type"])
}

func TestHub_NoReplayWithoutSince(t *testing.T) {
	bus := local.NewBus(100)
	payload, err := events.Encode(domain.LedgerEvent{Type: domain.EventMarketSettled, MarketID: "m1", WinningSide: domain.SideB})
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), domain.StreamLedgerEvents, payload))

	conn := dial(t, startHub(t, bus), "channels=settlements")
	assert.Equal(t, "feed_status", readEnvelope(t, conn)["type"])
}

func TestHub_RejectsBadSince(t *testing.T) {
	hub := NewHub(local.NewBus(10), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
