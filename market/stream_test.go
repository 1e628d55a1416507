package market

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockStreamServer upgrades the connection, verifies the SUBSCRIBE
// request and pushes the given combined-stream payloads.
func newMockStreamServer(t *testing.T, payloads ...string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "SUBSCRIBE", sub.Method)
		require.NotEmpty(t, sub.Params)

		for _, p := range payloads {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(p)))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversTicks(t *testing.T) {
	srv := newMockStreamServer(t,
		`{"stream":"btcusdt@aggTrade","data":{"p":"50123.5","q":"0.25","T":1717243200000}}`)
	defer srv.Close()

	s := NewStream(wsURL(srv))
	require.NoError(t, s.Connect())
	defer s.Close()

	ticks := make(chan Tick, 1)
	s.OnTick(func(tk Tick) { ticks <- tk })
	require.NoError(t, s.SubscribeTicks("BTCUSDT"))

	select {
	case tk := <-ticks:
		assert.Equal(t, "BTCUSDT", tk.Symbol)
		assert.InDelta(t, 50123.5, tk.Price, 1e-9)
		assert.InDelta(t, 0.25, tk.Quantity, 1e-9)
		assert.Equal(t, time.UnixMilli(1717243200000), tk.Time)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}

func TestStreamDeliversKlines(t *testing.T) {
	srv := newMockStreamServer(t,
		`{"stream":"ethusdt@kline_15m","data":{"k":{"t":1717243200000,"T":1717244099999,"o":"3000","h":"3050.5","l":"2990","c":"3040","v":"125.5","x":true}}}`)
	defer srv.Close()

	s := NewStream(wsURL(srv))
	require.NoError(t, s.Connect())
	defer s.Close()

	klines := make(chan Kline, 1)
	s.OnKline(func(k Kline) { klines <- k })
	require.NoError(t, s.SubscribeKlines("ETHUSDT", "15m"))

	select {
	case k := <-klines:
		assert.Equal(t, "ETHUSDT", k.Symbol)
		assert.Equal(t, "15m", k.Interval)
		assert.InDelta(t, 3000, k.Open, 1e-9)
		assert.InDelta(t, 3050.5, k.High, 1e-9)
		assert.InDelta(t, 3040, k.Close, 1e-9)
		assert.True(t, k.Closed)
	case <-time.After(2 * time.Second):
		t.Fatal("no kline delivered")
	}
}

func TestStreamSubscribeBeforeConnect(t *testing.T) {
	s := NewStream("ws://localhost:1")
	err := s.SubscribeTicks("BTCUSDT")
	require.Error(t, err)
}

func TestStreamDropsUnknownStreamMessages(t *testing.T) {
	srv := newMockStreamServer(t,
		`{"stream":"solusdt@aggTrade","data":{"p":"150","q":"1","T":1717243200000}}`,
		`{"stream":"btcusdt@aggTrade","data":{"p":"50000","q":"0.1","T":1717243201000}}`)
	defer srv.Close()

	s := NewStream(wsURL(srv))
	require.NoError(t, s.Connect())
	defer s.Close()

	ticks := make(chan Tick, 2)
	s.OnTick(func(tk Tick) { ticks <- tk })
	require.NoError(t, s.SubscribeTicks("BTCUSDT"))

	select {
	case tk := <-ticks:
		// the unsubscribed solusdt print never reaches the callback
		assert.Equal(t, "BTCUSDT", tk.Symbol)
		assert.InDelta(t, 50000, tk.Price, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}
