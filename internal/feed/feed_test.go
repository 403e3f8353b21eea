package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/logging"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func testFeed(t *testing.T, url string) (*BarFeed, core.EventChannel) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Feed.URL = url
	cfg.Risk.DataStale = 30 * time.Second
	events := make(core.EventChannel, 16)
	f, err := NewBarFeed(cfg, events, logging.NewNopLogger())
	require.NoError(t, err)
	return f, events
}

func barJSON(t *testing.T, at time.Time, closed bool) []byte {
	t.Helper()
	raw, err := json.Marshal(Message{
		Type: "bar", Symbol: "BTCUSDT", Time: at, Closed: closed,
		Open: decimal.NewFromInt(60000), High: decimal.NewFromInt(60100),
		Low: decimal.NewFromInt(59900), Close: decimal.NewFromInt(60050), Volume: decimal.NewFromInt(3),
	})
	require.NoError(t, err)
	return raw
}

func drain(events core.EventChannel) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNewBarFeed_RequiresURL(t *testing.T) {
	_, err := NewBarFeed(config.DefaultConfig(), make(core.EventChannel, 1), logging.NewNopLogger())
	assert.Error(t, err)
}

func TestBarFeed_PublishesClosedFreshBars(t *testing.T) {
	f, events := testFeed(t, "ws://unused")

	f.handle(barJSON(t, t0, false))
	f.handle(barJSON(t, t0, true))
	f.handle(barJSON(t, t0, true))
	f.handle(barJSON(t, t0.Add(-time.Minute), true))
	f.handle([]byte(`{"type":"heartbeat"}`))
	f.handle([]byte(`not json`))
	f.handle([]byte(`{"type":"bar","symbol":"ETHUSDT","time":"2026-05-01T00:15:00Z","close":"3000","high":"3001","low":"2999","closed":true}`))
	f.handle(barJSON(t, t0.Add(15*time.Minute), true))

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, core.EventBar, got[0].Type)
	assert.Equal(t, t0, got[0].Bar.Time)
	assert.Equal(t, "60050", got[0].Bar.Close.String())
	assert.Equal(t, t0.Add(15*time.Minute), got[1].Time)
}

func TestBarFeed_StallReportedOnce(t *testing.T) {
	f, events := testFeed(t, "ws://unused")
	f.touch(t0)

	assert.False(t, f.check(t0.Add(30*time.Second)))
	assert.True(t, f.check(t0.Add(31*time.Second)))
	assert.False(t, f.check(t0.Add(time.Minute)))

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, core.EventDataGap, got[0].Type)
	assert.Equal(t, "feed", got[0].Fault.Source)
	assert.Contains(t, got[0].Fault.Reason, "31s")

	// a message clears the stall so the next quiet spell is reported again
	f.touch(t0.Add(2 * time.Minute))
	assert.True(t, f.check(t0.Add(3*time.Minute)))
	assert.Len(t, drain(events), 1)
}

func TestBarFeed_StreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, barJSON(t, t0, true))
		_ = conn.WriteMessage(websocket.TextMessage, barJSON(t, t0.Add(15*time.Minute), true))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	f, events := testFeed(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, core.EventBar, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("bar not received")
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}
