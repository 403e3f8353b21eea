// Package alert notifies operators when the strategy changes state
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/risk"
	"taoquant_grid/internal/statemachine"
	"time"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// ParseLevel reads a level name; unknown names are WARNING
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "INFO":
		return Info
	case "ERROR":
		return Error
	case "CRITICAL":
		return Critical
	default:
		return Warning
	}
}

// LevelFor maps the state a transition enters to its severity
func LevelFor(to statemachine.State) Level {
	switch to {
	case statemachine.EmergencyStop:
		return Critical
	case statemachine.DamageControl:
		return Error
	case statemachine.Defensive:
		return Warning
	default:
		return Info
	}
}

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

const sendTimeout = 10 * time.Second

// Manager fans each alert out to every channel. It implements statemachine.TransitionObserver
// and never blocks the caller on delivery.
type Manager struct {
	symbol   string
	minLevel Level
	logger   core.ILogger

	mu       sync.RWMutex
	channels []Channel
	wg       sync.WaitGroup
}

func NewManager(symbol string, minLevel Level, logger core.ILogger) *Manager {
	return &Manager{
		symbol:   symbol,
		minLevel: minLevel,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewManagerFromConfig builds a manager with every channel that has credentials
func NewManagerFromConfig(cfg *config.Config, logger core.ILogger) *Manager {
	m := NewManager(cfg.App.Symbol, ParseLevel(cfg.Alert.MinLevel), logger)
	if hook := cfg.Alert.SlackWebhook; hook.IsSet() {
		m.AddChannel(NewSlackChannel(hook.Reveal()))
		m.logger.Info("Slack credential loaded", "fingerprint", hook.Fingerprint())
	}
	if token := cfg.Alert.TelegramToken; token.IsSet() && cfg.Alert.TelegramChatID != "" {
		m.AddChannel(NewTelegramChannel(token.Reveal(), cfg.Alert.TelegramChatID))
		m.logger.Info("Telegram credential loaded", "fingerprint", token.Fingerprint())
	}
	return m
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert delivers asynchronously to every channel when the level passes the threshold
func (m *Manager) Alert(p Payload) {
	if p.Level < m.minLevel {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	m.logger.Info("Triggering alert", "title", p.Title, "level", p.Level.String(), "channels", len(channels))
	for _, ch := range channels {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := ch.Send(ctx, p); err != nil {
				m.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		}()
	}
}

// OnTransition alerts on a state change
func (m *Manager) OnTransition(tr statemachine.Transition, snap risk.Snapshot) {
	m.Alert(Payload{
		Level:     LevelFor(tr.To),
		Title:     fmt.Sprintf("%s %s -> %s", m.symbol, tr.From, tr.To),
		Message:   string(tr.Reason),
		Timestamp: tr.At,
		Fields: map[string]string{
			"mark":            snap.MarkPrice.String(),
			"inventory_ratio": fmt.Sprintf("%.4f", snap.InventoryRatio),
			"drawdown":        fmt.Sprintf("%.4f", snap.Drawdown),
			"unrealized_pnl":  snap.UnrealizedPnL.StringFixed(2),
		},
	})
}

// Wait blocks until deliveries in flight have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}
