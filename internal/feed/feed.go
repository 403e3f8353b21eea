// Package feed streams closed bars from a websocket endpoint into the event loop and
// reports a data gap when the stream goes quiet.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	apperrors "taoquant_grid/pkg/errors"
	"taoquant_grid/pkg/websocket"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const faultSource = "feed"

// Message is the wire format. Any message counts as liveness; only closed bars reach the engine.
type Message struct {
	Type   string          `json:"type"` // "bar" or "heartbeat"
	Symbol string          `json:"symbol,omitempty"`
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Closed bool            `json:"closed"`
}

// BarFeed publishes core.BarEvent for every new closed bar and core.EventDataGap once per stall
type BarFeed struct {
	symbol     string
	staleAfter time.Duration
	events     core.IEventPublisher
	logger     core.ILogger
	client     *websocket.Client
	now        func() time.Time

	mu      sync.Mutex
	lastMsg time.Time
	lastBar time.Time
	stalled bool
}

func NewBarFeed(cfg *config.Config, events core.IEventPublisher, logger core.ILogger) (*BarFeed, error) {
	if cfg.Feed.URL == "" {
		return nil, fmt.Errorf("feed: url is required")
	}
	f := &BarFeed{
		symbol:     cfg.App.Symbol,
		staleAfter: cfg.Risk.DataStale,
		events:     events,
		logger:     logger.WithField("component", "bar_feed"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	header := http.Header{}
	if token := cfg.Feed.AuthToken; token.IsSet() {
		header.Set("Authorization", "Bearer "+token.Reveal())
		f.logger.Info("Feed uses bearer auth", "fingerprint", token.Fingerprint())
	}
	f.client = websocket.NewClient(cfg.Feed.URL, f.handle, websocket.Options{
		Header:      header,
		OnConnected: func() { f.touch(f.now()) },
	}, logger)
	return f, nil
}

// Run streams until ctx is done
func (f *BarFeed) Run(ctx context.Context) error {
	f.touch(f.now())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.client.Run(ctx) })
	g.Go(func() error { return f.watch(ctx) })
	return g.Wait()
}

func (f *BarFeed) handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Warn("Dropping malformed feed message", "error", err)
		return
	}
	f.touch(f.now())

	if msg.Type != "bar" || !msg.Closed {
		return
	}
	if msg.Symbol != "" && !strings.EqualFold(msg.Symbol, f.symbol) {
		return
	}
	if msg.High.LessThan(msg.Low) || !msg.Close.IsPositive() {
		f.logger.Warn("Dropping invalid bar", "time", msg.Time, "high", msg.High.String(), "low", msg.Low.String())
		return
	}

	f.mu.Lock()
	fresh := msg.Time.After(f.lastBar)
	if fresh {
		f.lastBar = msg.Time
	}
	f.mu.Unlock()
	if !fresh {
		return
	}

	f.events.Publish(core.BarEvent(core.Bar{
		Time:   msg.Time.UTC(),
		Open:   msg.Open,
		High:   msg.High,
		Low:    msg.Low,
		Close:  msg.Close,
		Volume: msg.Volume,
	}))
}

func (f *BarFeed) touch(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg = at
	if f.stalled {
		f.stalled = false
		f.logger.Info("Feed recovered")
	}
}

func (f *BarFeed) watch(ctx context.Context) error {
	every := f.staleAfter / 4
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.check(f.now())
		}
	}
}

// check reports a data gap once when nothing arrived for longer than the stale threshold
func (f *BarFeed) check(now time.Time) bool {
	f.mu.Lock()
	since := now.Sub(f.lastMsg)
	if f.stalled || since <= f.staleAfter {
		f.mu.Unlock()
		return false
	}
	f.stalled = true
	f.mu.Unlock()

	gap := &apperrors.DataGapError{Since: since.Truncate(time.Second), Reason: "no market data"}
	f.logger.Error("Feed stalled", "error", gap)
	f.events.Publish(core.FaultEvent(core.EventDataGap, now, faultSource, gap.Error()))
	return true
}
