package execution

import (
	"context"
	"sync"
	"taoquant_grid/internal/backtest"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
)

// PaperVenue is a core.IExchange backed by the replay broker. Live bars drive its matching,
// so paper sessions fill by the same rule as replays.
type PaperVenue struct {
	broker *backtest.SimBroker

	mu   sync.Mutex
	last core.Bar
}

func NewPaperVenue(cfg *config.Config) *PaperVenue {
	return &PaperVenue{broker: backtest.NewSimBroker(cfg)}
}

func (p *PaperVenue) GetName() string { return "paper" }

func (p *PaperVenue) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	return p.broker.Place(intent)
}

// CancelOrder is a no-op for orders that already filled. A cancel the simulation rejects
// surfaces as an error; the broker retries it at the next bar.
func (p *PaperVenue) CancelOrder(ctx context.Context, orderID string) error {
	_, err := p.broker.Cancel(orderID)
	return err
}

func (p *PaperVenue) GetAccount(ctx context.Context) (core.AccountSnapshot, error) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	return p.broker.Account(last), nil
}

// OnBar matches resting orders against a closed bar and returns the fills
func (p *PaperVenue) OnBar(bar core.Bar) []core.Fill {
	p.mu.Lock()
	p.last = bar
	p.mu.Unlock()
	return p.broker.Match(bar)
}
