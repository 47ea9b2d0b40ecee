package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/domain"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Client) UpdateMessage {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg UpdateMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return UpdateMessage{}
	}
}

func TestFanoutByBusAndTile(t *testing.T) {
	h := startHub(t)

	byBus := NewClient("bus", 8)
	byTile := NewClient("tile", 8)
	everyone := NewClient("all", 8)
	for _, c := range []*Client{byBus, byTile, everyone} {
		h.Register(c)
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 3 }, time.Second, time.Millisecond)

	h.Subscribe(byBus, Subscription{BusIDs: []string{"b1"}})
	h.Subscribe(byTile, Subscription{TileIDs: []string{"14/1/1"}})
	h.Subscribe(everyone, Subscription{All: true, BusIDs: []string{"b1"}})

	h.Broadcast([]domain.PositionUpdate{
		{BusID: "b1", TileID: "14/9/9"},
		{BusID: "b2", TileID: "14/1/1"},
	})

	msg := receive(t, byBus)
	assert.Equal(t, "update", msg.Type)
	require.Len(t, msg.Payload.Updates, 1)
	assert.Equal(t, "b1", msg.Payload.Updates[0].BusID)

	msg = receive(t, byTile)
	require.Len(t, msg.Payload.Updates, 1)
	assert.Equal(t, "b2", msg.Payload.Updates[0].BusID)

	// No duplicates for overlapping subscriptions.
	msg = receive(t, everyone)
	assert.Len(t, msg.Payload.Updates, 2)
}

func TestUnsubscribeAndUnregister(t *testing.T) {
	h := startHub(t)
	c := NewClient("c", 8)
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	h.Subscribe(c, Subscription{BusIDs: []string{"b1"}})
	assert.True(t, c.Has(BusTopic("b1")))
	h.Unsubscribe(c, Subscription{BusIDs: []string{"b1"}})
	assert.False(t, c.Has(BusTopic("b1")))

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
	_, open := <-c.Send
	assert.False(t, open)
}

func TestBroadcastEmptyIsNoop(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Broadcast(nil)
	assert.Empty(t, h.broadcast)
}
