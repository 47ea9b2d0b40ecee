package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"crowdbus/internal/domain"
	"crowdbus/internal/hub"
	"crowdbus/internal/metrics"
	"crowdbus/internal/store"
)

type WSHandler struct {
	hub       *hub.Hub
	positions *store.PositionStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewWSHandler(h *hub.Hub, positions *store.PositionStore, m *metrics.Metrics, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, positions: positions, metrics: m, logger: logger.With("component", "websocket")}
}

const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"

	wsReadLimit     = 16 << 10
	maxClientTopics = 500
)

// WSMessage is the envelope of every client message.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SnapshotMessage struct {
	Type    string          `json:"type"`
	Payload SnapshotPayload `json:"payload"`
}

type SnapshotPayload struct {
	Positions []domain.FusedPosition `json:"positions"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := hub.NewClient(uuid.NewString(), 256)
	h.hub.Register(client)
	h.metrics.WSConnected()
	h.logger.Debug("websocket client connected", "client_id", client.ID, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		h.metrics.WSDisconnected()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := h.handleMessage(client, data); err != nil {
			h.send(client, ErrorMessage{Type: "error", Error: err.Error()})
		}
	}
}

func (h *WSHandler) handleMessage(client *hub.Client, data []byte) error {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.New("invalid message format")
	}

	switch msg.Type {
	case msgSubscribe:
		sub, err := decodeSubscription(msg.Payload)
		if err != nil {
			return err
		}
		topics := sub.Topics()
		if len(topics) == 0 {
			return errors.New("empty subscription")
		}
		if len(client.Topics())+len(topics) > maxClientTopics {
			return fmt.Errorf("subscription exceeds %d topics", maxClientTopics)
		}
		h.hub.Subscribe(client, sub)
		h.sendSnapshot(client, sub)

	case msgUnsubscribe:
		sub, err := decodeSubscription(msg.Payload)
		if err != nil {
			return err
		}
		h.hub.Unsubscribe(client, sub)

	case msgPing:
		h.send(client, PongMessage{Type: "pong"})

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func decodeSubscription(raw json.RawMessage) (hub.Subscription, error) {
	var sub hub.Subscription
	if len(raw) == 0 {
		return sub, errors.New("missing subscription payload")
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, errors.New("invalid subscription payload")
	}
	return sub, nil
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendSnapshot(client *hub.Client, sub hub.Subscription) {
	var positions []domain.FusedPosition
	if sub.All {
		positions = h.positions.Snapshot()
	} else {
		positions = h.positions.SnapshotFor(sub.BusIDs, sub.TileIDs)
	}
	h.send(client, SnapshotMessage{Type: "snapshot", Payload: SnapshotPayload{Positions: positions}})
}

// send never blocks the read loop; a full buffer drops the message.
func (h *WSHandler) send(client *hub.Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("client buffer full, message dropped", "client_id", client.ID)
	}
}
