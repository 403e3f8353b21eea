package execution

import (
	"context"
	"errors"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/logging"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockVenue struct {
	mock.Mock
}

func (m *mockVenue) GetName() string { return "mock" }

func (m *mockVenue) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	args := m.Called(ctx, intent)
	return args.String(0), args.Error(1)
}

func (m *mockVenue) CancelOrder(ctx context.Context, orderID string) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *mockVenue) GetAccount(ctx context.Context) (core.AccountSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(core.AccountSnapshot), args.Error(1)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Execution.RateLimit = 1000
	cfg.Execution.RateBurst = 100
	cfg.Execution.MaxRetries = 0
	cfg.Execution.RetryBackoff = time.Millisecond
	cfg.Risk.APIFaultMaxConsecutive = 3
	return cfg
}

func intent(side core.Side, price string) core.OrderIntent {
	return core.OrderIntent{Price: decimal.RequireFromString(price), Side: side, Size: decimal.RequireFromString("0.01"), Tag: "grid"}
}

func newDispatcher(t *testing.T, venue *mockVenue) (*Dispatcher, core.EventChannel) {
	t.Helper()
	events := make(core.EventChannel, 16)
	d := NewDispatcher(testConfig(), venue, events, logging.NewNopLogger())
	t.Cleanup(d.pool.Stop)
	return d, events
}

func faults(events core.EventChannel) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-events:
			if ev.Type == core.EventExchangeFault {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestDispatcher_PlaceThenCancel(t *testing.T) {
	venue := &mockVenue{}
	buy := intent(core.SideBuy, "59800")
	sell := intent(core.SideSell, "60200")
	venue.On("PlaceOrder", mock.Anything, buy).Return("v-1", nil).Once()
	venue.On("PlaceOrder", mock.Anything, sell).Return("v-2", nil).Once()
	venue.On("CancelOrder", mock.Anything, "v-1").Return(nil).Once()

	d, events := newDispatcher(t, venue)
	ctx := context.Background()

	d.apply(ctx, core.OrderDelta{Place: []core.OrderIntent{buy, sell}})
	assert.Equal(t, 2, d.Resting())

	d.apply(ctx, core.OrderDelta{Cancel: []core.OrderIntent{buy}})
	assert.Equal(t, 1, d.Resting())
	venue.AssertExpectations(t)
	assert.Empty(t, faults(events))
}

func TestDispatcher_UnknownCancelSkipsVenue(t *testing.T) {
	venue := &mockVenue{}
	d, _ := newDispatcher(t, venue)

	d.apply(context.Background(), core.OrderDelta{Cancel: []core.OrderIntent{intent(core.SideBuy, "59800")}})
	venue.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestDispatcher_ConsecutiveFailuresPublishOneFault(t *testing.T) {
	venue := &mockVenue{}
	venue.On("PlaceOrder", mock.Anything, mock.Anything).Return("", errors.New("venue down"))
	d, events := newDispatcher(t, venue)

	places := []core.OrderIntent{
		intent(core.SideBuy, "59900"), intent(core.SideBuy, "59800"), intent(core.SideBuy, "59700"),
		intent(core.SideBuy, "59600"), intent(core.SideBuy, "59500"),
	}
	d.apply(context.Background(), core.OrderDelta{Place: places})

	got := faults(events)
	require.Len(t, got, 1)
	assert.Equal(t, "execution", got[0].Fault.Source)
	assert.Contains(t, got[0].Fault.Reason, "consecutive failures")
	assert.Equal(t, 0, d.Resting())

	// the streak stays faulted until a call succeeds
	d.apply(context.Background(), core.OrderDelta{Place: places[:1]})
	assert.Empty(t, faults(events))
}

func TestDispatcher_SuccessResetsStreak(t *testing.T) {
	venue := &mockVenue{}
	down := errors.New("venue down")
	venue.On("PlaceOrder", mock.Anything, mock.Anything).Return("", down).Twice()
	venue.On("PlaceOrder", mock.Anything, mock.Anything).Return("v-1", nil).Once()
	venue.On("PlaceOrder", mock.Anything, mock.Anything).Return("", down).Twice()
	d, events := newDispatcher(t, venue)
	ctx := context.Background()

	for _, p := range []string{"59900", "59800", "59700", "59600", "59500"} {
		d.apply(ctx, core.OrderDelta{Place: []core.OrderIntent{intent(core.SideBuy, p)}})
	}
	assert.Empty(t, faults(events))
	assert.Equal(t, 1, d.Resting())
	venue.AssertExpectations(t)
}

func TestDispatcher_SubmitQueue(t *testing.T) {
	venue := &mockVenue{}
	d, _ := newDispatcher(t, venue)
	ctx := context.Background()

	require.NoError(t, d.Submit(ctx, core.OrderDelta{}))
	delta := core.OrderDelta{Place: []core.OrderIntent{intent(core.SideBuy, "59800")}}
	for i := 0; i < queueDepth; i++ {
		require.NoError(t, d.Submit(ctx, delta))
	}
	err := d.Submit(ctx, delta)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcher_RunAppliesQueuedDeltas(t *testing.T) {
	venue := &mockVenue{}
	buy := intent(core.SideBuy, "59800")
	venue.On("PlaceOrder", mock.Anything, buy).Return("v-1", nil).Once()
	events := make(core.EventChannel, 16)
	d := NewDispatcher(testConfig(), venue, events, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Submit(ctx, core.OrderDelta{Place: []core.OrderIntent{buy}}))
	assert.Eventually(t, func() bool { return d.Resting() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_OnFillForgetsOrder(t *testing.T) {
	venue := &mockVenue{}
	buy := intent(core.SideBuy, "59800")
	venue.On("PlaceOrder", mock.Anything, buy).Return("v-1", nil).Once()
	d, _ := newDispatcher(t, venue)
	d.apply(context.Background(), core.OrderDelta{Place: []core.OrderIntent{buy}})

	d.OnFill(core.Fill{OrderID: "v-1", Partial: true})
	assert.Equal(t, 1, d.Resting())
	d.OnFill(core.Fill{OrderID: "v-1"})
	assert.Equal(t, 0, d.Resting())
}

func TestDispatcher_PollAccount(t *testing.T) {
	venue := &mockVenue{}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	venue.On("GetAccount", mock.Anything).Return(core.AccountSnapshot{Time: at, PositionQty: decimal.RequireFromString("0.03")}, nil).Once()
	venue.On("GetAccount", mock.Anything).Return(core.AccountSnapshot{}, errors.New("timeout"))
	d, events := newDispatcher(t, venue)
	ctx := context.Background()

	d.pollOnce(ctx)
	ev := <-events
	require.Equal(t, core.EventAccount, ev.Type)
	assert.Equal(t, "0.03", ev.Account.PositionQty.String())
	assert.Equal(t, at, ev.Time)

	for i := 0; i < 3; i++ {
		d.pollOnce(ctx)
	}
	assert.Len(t, faults(events), 1)

	assert.Error(t, d.PollAccount(ctx, 0))
}
