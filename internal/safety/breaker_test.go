package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func newTestBreaker(opts Options) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(opts, nil)
	b.now = clock.now
	return b, clock
}

func TestBreakerCycleHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Options{Enabled: true, MaxCycleFailures: 2, Cooldown: time.Minute})
	spy := &alertSpy{}
	b.SetAlerter(spy)

	require.NoError(t, b.RecordCycle(errors.New("ticker timeout")))
	tripErr := b.RecordCycle(errors.New("ticker timeout"))
	require.ErrorIs(t, tripErr, ErrCircuitOpen)

	require.ErrorIs(t, b.AllowCycle(), ErrCircuitOpen)
	assert.Equal(t, time.Minute, b.CycleCooldownRemaining())
	assert.Equal(t, "open", b.State()["cycle"])

	clock.advance(time.Minute)
	require.NoError(t, b.AllowCycle())
	assert.Equal(t, "half_open", b.State()["cycle"])
	require.NoError(t, b.RecordCycle(nil))
	assert.Zero(t, b.CycleCooldownRemaining())
	assert.Equal(t, "closed", b.State()["cycle"])

	assert.Equal(t, []string{
		"circuit_breaker_near_trip",
		"circuit_breaker_trip",
		"circuit_breaker_half_open",
		"circuit_breaker_recovered",
	}, spy.events)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Options{Enabled: true, MaxCycleFailures: 1, Cooldown: time.Minute})

	require.ErrorIs(t, b.RecordCycle(errors.New("boom")), ErrCircuitOpen)
	clock.advance(2 * time.Minute)
	require.NoError(t, b.AllowCycle())
	require.ErrorIs(t, b.RecordCycle(errors.New("probe failed")), ErrCircuitOpen)
	require.ErrorIs(t, b.AllowCycle(), ErrCircuitOpen)
}

func TestBreakerNeedsConfiguredProbes(t *testing.T) {
	b, clock := newTestBreaker(Options{Enabled: true, MaxCycleFailures: 1, Cooldown: time.Second, HalfOpenSuccesses: 2})

	require.Error(t, b.RecordCycle(errors.New("boom")))
	clock.advance(time.Second)
	require.NoError(t, b.AllowCycle())
	require.NoError(t, b.RecordCycle(nil))
	assert.Equal(t, "half_open", b.State()["cycle"])
	require.NoError(t, b.RecordCycle(nil))
	assert.Equal(t, "closed", b.State()["cycle"])
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Options{Enabled: true, MaxCycleFailures: 2})
	require.NoError(t, b.RecordCycle(errors.New("one")))
	require.NoError(t, b.RecordCycle(nil))
	require.NoError(t, b.RecordCycle(errors.New("two")))
	assert.NoError(t, b.AllowCycle())
}

func TestBreakerDisabledNeverTrips(t *testing.T) {
	b, _ := newTestBreaker(Options{Enabled: false, MaxCycleFailures: 1, MaxPlaceFailures: 1})
	for i := 0; i < 5; i++ {
		assert.NoError(t, b.RecordCycle(errors.New("boom")))
		assert.NoError(t, b.RecordPlace(errors.New("boom")))
	}
	assert.NoError(t, b.AllowCycle())
	assert.NoError(t, b.AllowPlace())

	var nilBreaker *Breaker
	assert.NoError(t, nilBreaker.AllowCycle())
	assert.NoError(t, nilBreaker.RecordPlace(errors.New("boom")))
}

type placeStub struct {
	exchange.Exchange
	err   error
	calls int
}

func (p *placeStub) PlaceOrder(_ context.Context, o core.Order) (core.Order, error) {
	p.calls++
	if p.err != nil {
		return core.Order{}, p.err
	}
	o.ID = "1"
	o.Status = core.OrderNew
	return o, nil
}

func TestGuardedExchangeTripsOnTransportFailures(t *testing.T) {
	b, _ := newTestBreaker(Options{Enabled: true, MaxPlaceFailures: 2, Cooldown: time.Minute})
	stub := &placeStub{err: errors.New("connection reset")}
	g := NewGuardedExchange(stub, b)
	order := core.Order{Symbol: "ETHUSDC", Side: core.Buy, Price: decimal.RequireFromString("1900"), Qty: decimal.RequireFromString("0.04")}

	_, err := g.PlaceOrder(context.Background(), order)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)

	_, err = g.PlaceOrder(context.Background(), order)
	require.ErrorIs(t, err, ErrCircuitOpen)

	_, err = g.PlaceOrder(context.Background(), order)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, stub.calls, "open circuit must not reach the venue")
}

func TestGuardedExchangeIgnoresVenueRejections(t *testing.T) {
	b, _ := newTestBreaker(Options{Enabled: true, MaxPlaceFailures: 1})
	stub := &placeStub{err: core.ErrInsufficientBalance}
	g := NewGuardedExchange(stub, b)

	for i := 0; i < 3; i++ {
		_, err := g.PlaceOrder(context.Background(), core.Order{})
		require.ErrorIs(t, err, core.ErrInsufficientBalance)
	}
	assert.Equal(t, "closed", b.State()["place order"])
}

func TestGuardedExchangeAverageCostUnavailable(t *testing.T) {
	g := NewGuardedExchange(&placeStub{}, nil)
	_, err := g.AverageCost(context.Background(), "ETH")
	assert.ErrorIs(t, err, core.ErrCostBasisUnavailable)
}
