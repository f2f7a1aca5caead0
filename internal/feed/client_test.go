package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polywatch/engine/internal/store"
)

func TestNextBackoffSequence(t *testing.T) {
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	current := InitialBackoff
	for i, expected := range want {
		current = nextBackoff(current)
		assert.Equal(t, expected, current, "step %d", i)
	}
}

func TestHandleMessageRoutesTrades(t *testing.T) {
	var got []store.Trade
	client := NewClient("wss://example.test/ws", func(_ context.Context, trade store.Trade) error {
		got = append(got, trade)
		return nil
	})

	frame := []byte(`[
		{"event_type": "book", "asset_id": "1"},
		{"event_type": "last_trade_price", "asset_id": "1", "price": "0.4", "size": "100", "side": "BUY", "timestamp": 1756700000000},
		{"event_type": "last_trade_price", "asset_id": "2", "price": "bogus", "size": "100", "side": "BUY", "timestamp": 1756700000000}
	]`)

	client.handleMessage(context.Background(), frame)

	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].AssetID)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.TradesReceived)
	assert.Equal(t, int64(1), stats.UnknownEvents)
	assert.Equal(t, int64(1), stats.ParseErrors)
}

func TestHandleMessageIgnoresPong(t *testing.T) {
	client := NewClient("wss://example.test/ws", func(_ context.Context, _ store.Trade) error {
		t.Fatal("handler must not fire for PONG")
		return nil
	})

	client.handleMessage(context.Background(), []byte("PONG"))

	stats := client.Stats()
	assert.Zero(t, stats.ParseErrors)
	assert.Zero(t, stats.UnknownEvents)
}

func TestHandleMessageCountsCallbackErrors(t *testing.T) {
	client := NewClient("wss://example.test/ws", func(_ context.Context, _ store.Trade) error {
		return assert.AnError
	})

	frame := []byte(`{"event_type": "last_trade_price", "asset_id": "1", "price": "0.5", "size": "10", "side": "SELL", "timestamp": 1756700000000}`)
	client.handleMessage(context.Background(), frame)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.TradesReceived)
	assert.Equal(t, int64(1), stats.CallbackErrors)
}

func TestSubscribeMergesIdempotently(t *testing.T) {
	client := NewClient("wss://example.test/ws", nil)

	client.Subscribe([]string{"a", "b", ""})
	client.Subscribe([]string{"b", "c"})
	assert.Equal(t, 3, client.Stats().SubscribedAssets)

	client.Unsubscribe([]string{"b", "missing"})
	assert.Equal(t, 2, client.Stats().SubscribedAssets)
}

func TestStopIsIdempotent(t *testing.T) {
	client := NewClient("wss://example.test/ws", nil)
	client.Stop()
	client.Stop()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func TestStopWaitsForInFlightCallback(t *testing.T) {
	frame := `{"event_type": "last_trade_price", "asset_id": "1", "price": "0.5", "size": "10", "side": "BUY", "timestamp": 1756700000000}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // subscription replay
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	client := NewClient(wsURL(srv), func(_ context.Context, _ store.Trade) error {
		close(entered)
		<-release
		return nil
	})

	go client.Run(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("trade never reached the handler")
	}

	stopped := make(chan struct{})
	go func() {
		client.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the trade handler was still running")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
}

func TestPingLoopEndsWithItsConnection(t *testing.T) {
	var mu sync.Mutex
	var pings []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		idx := len(pings)
		pings = append(pings, 0)
		mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == pingToken {
				mu.Lock()
				pings[idx]++
				mu.Unlock()
			}
		}
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv), nil)
	client.pingInterval = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, client.connect(ctx))
	client.closeConnection()
	require.NoError(t, client.connect(ctx))

	// Only the second connection's loop may be pinging now. A loop left
	// over from the first connection would roughly double the rate.
	time.Sleep(300 * time.Millisecond)
	client.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pings, 2)
	assert.LessOrEqual(t, pings[0], 1, "closed connection must stop receiving pings")
	assert.GreaterOrEqual(t, pings[1], 5, "live connection must be pinged")
	assert.LessOrEqual(t, pings[1], 20, "only one ping loop may serve a connection")
}
