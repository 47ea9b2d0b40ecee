package handler

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

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/domain"
	"crowdbus/internal/hub"
	"crowdbus/internal/metrics"
	"crowdbus/internal/store"
)

func dialWS(t *testing.T, ctx context.Context) (*websocket.Conn, *hub.Hub, *store.PositionStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := hub.NewHub(logger)
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(hubCtx)

	positions := store.NewPositionStore(5)
	srv := httptest.NewServer(http.HandlerFunc(NewWSHandler(h, positions, metrics.New(), logger).ServeWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, h, positions
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, data
}

func TestWebSocketSubscribeSnapshotAndUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, h, positions := dialWS(t, ctx)
	positions.Update(domain.FusedPosition{
		BusID: "bus-12", Lat: 52.23, Lng: 21.0, Status: domain.StatusActive, TileID: "14/9147/5398",
		LastUpdated: time.Now(),
	})

	writeJSON(t, ctx, conn, map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"busIds": []string{"bus-12"}},
	})

	typ, data := readEnvelope(t, ctx, conn)
	require.Equal(t, "snapshot", typ)
	var snap SnapshotMessage
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Payload.Positions, 1)
	assert.Equal(t, "bus-12", snap.Payload.Positions[0].BusID)

	h.Broadcast([]domain.PositionUpdate{
		{BusID: "bus-7", TileID: "14/1/1", Timestamp: time.Now()},
		{BusID: "bus-12", TileID: "14/9147/5398", Timestamp: time.Now()},
	})

	typ, data = readEnvelope(t, ctx, conn)
	require.Equal(t, "update", typ)
	var upd hub.UpdateMessage
	require.NoError(t, json.Unmarshal(data, &upd))
	require.Len(t, upd.Payload.Updates, 1)
	assert.Equal(t, "bus-12", upd.Payload.Updates[0].BusID)
}

func TestWebSocketPingAndErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, _ := dialWS(t, ctx)

	writeJSON(t, ctx, conn, map[string]string{"type": "ping"})
	typ, _ := readEnvelope(t, ctx, conn)
	assert.Equal(t, "pong", typ)

	writeJSON(t, ctx, conn, map[string]string{"type": "dance"})
	typ, data := readEnvelope(t, ctx, conn)
	require.Equal(t, "error", typ)
	assert.Contains(t, string(data), "unknown message type")

	writeJSON(t, ctx, conn, map[string]any{"type": "subscribe", "payload": map[string]any{}})
	typ, data = readEnvelope(t, ctx, conn)
	require.Equal(t, "error", typ)
	assert.Contains(t, string(data), "empty subscription")
}
