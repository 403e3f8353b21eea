package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"taoquant_grid/pkg/logging"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestClient_ReadsAndSendsHeader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`hello`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	received := make(chan string, 1)
	header := http.Header{}
	header.Set("Authorization", "Bearer t0ken")
	client := NewClient(wsURL(server), func(m []byte) { received <- string(m) },
		Options{Header: header, ReconnectWait: 10 * time.Millisecond}, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case m := <-received:
		assert.Equal(t, "hello", m)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	assert.Equal(t, "Bearer t0ken", auth.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClient_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), nil, Options{
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  50 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      time.Second,
	}, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&pings) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	connected := int32(0)
	client := NewClient(wsURL(server), nil, Options{
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  -1,
		OnConnected:   func() { atomic.AddInt32(&connected, 1) },
	}, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&connections) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connected), int32(2))
}
