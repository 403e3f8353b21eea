package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/risk"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/pkg/logging"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []Payload
	err  error
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(ctx context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return f.err
}

func (f *fakeChannel) payloads() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.sent...)
}

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestManager_OnTransitionRespectsMinLevel(t *testing.T) {
	ch := &fakeChannel{}
	failing := &fakeChannel{err: errors.New("down")}
	m := NewManager("BTCUSDT", Error, logging.NewNopLogger())
	m.AddChannel(ch)
	m.AddChannel(failing)

	snap := risk.Snapshot{MarkPrice: decimal.NewFromInt(60000), InventoryRatio: 0.86}
	m.OnTransition(statemachine.Transition{From: statemachine.Normal, To: statemachine.Defensive, Reason: "RANGE_TOUCH", At: t0}, snap)
	m.OnTransition(statemachine.Transition{From: statemachine.Defensive, To: statemachine.DamageControl, Reason: "INVENTORY_STOP", At: t0}, snap)
	m.Wait()

	sent := ch.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, Error, sent[0].Level)
	assert.Equal(t, "INVENTORY_STOP", sent[0].Message)
	assert.Contains(t, sent[0].Title, "DAMAGE_CONTROL")
	assert.Equal(t, "0.8600", sent[0].Fields["inventory_ratio"])
	assert.Equal(t, t0, sent[0].Timestamp)
	assert.Len(t, failing.payloads(), 1)
}

func TestLevels(t *testing.T) {
	assert.Equal(t, Critical, LevelFor(statemachine.EmergencyStop))
	assert.Equal(t, Info, LevelFor(statemachine.Normal))
	assert.Equal(t, Critical, ParseLevel("critical"))
	assert.Equal(t, Warning, ParseLevel("bogus"))
	assert.Equal(t, "ERROR", Error.String())
}

func TestSlackChannel_Send(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	err := NewSlackChannel(server.URL).Send(context.Background(), Payload{
		Level: Critical, Title: "stop", Message: "EXCHANGE_FAULT", Timestamp: t0, Fields: map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)
	att := got["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "#8b0000", att["color"])
	assert.Equal(t, "[CRITICAL] stop", att["pretext"])
	fields := att["fields"].([]interface{})
	assert.Equal(t, "a", fields[0].(map[string]interface{})["title"])
}

func TestTelegramChannel_Send(t *testing.T) {
	var path string
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	ch := NewTelegramChannel("tok", "42")
	ch.apiBase = server.URL
	require.NoError(t, ch.Send(context.Background(), Payload{Level: Warning, Title: "t", Message: "m", Fields: map[string]string{"k": "v"}}))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "- *k*: v")
}

func TestChannel_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewSlackChannel(server.URL).Send(context.Background(), Payload{Title: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Alert.SlackWebhook = "https://hooks.example/abc"
	cfg.Alert.TelegramToken = "tok"
	m := NewManagerFromConfig(cfg, logging.NewNopLogger())
	assert.Len(t, m.channels, 1, "telegram needs a chat id")
	assert.Equal(t, Warning, m.minLevel)
}
