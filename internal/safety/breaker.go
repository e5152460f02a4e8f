package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/alert"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
	"spot-grid/internal/retry"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1

	actionPlace = "place order"
	actionCycle = "cycle"
)

type circuit struct {
	name              string
	maxFailures       int
	cooldown          time.Duration
	halfOpenSuccesses int

	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

type Options struct {
	Enabled bool
	// MaxPlaceFailures trips the placement circuit after that many
	// consecutive transport failures. Venue rejections do not count.
	MaxPlaceFailures int
	// MaxCycleFailures trips the cycle circuit after that many consecutive
	// failed cycles.
	MaxCycleFailures  int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

// Breaker guards order placement and the cycle loop. An open circuit rejects
// work until its cooldown passes, then lets probes through half-open.
type Breaker struct {
	enabled bool

	mu    sync.Mutex
	place circuit
	cycle circuit

	now     func() time.Time
	logger  *zap.Logger
	alerter alert.Alerter
}

func NewBreaker(opts Options, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	probes := opts.HalfOpenSuccesses
	if probes < 1 {
		probes = defaultHalfOpenSuccesses
	}
	return &Breaker{
		enabled: opts.Enabled,
		place: circuit{
			name:              actionPlace,
			maxFailures:       opts.MaxPlaceFailures,
			cooldown:          cooldown,
			halfOpenSuccesses: 1,
			state:             circuitClosed,
		},
		cycle: circuit{
			name:              actionCycle,
			maxFailures:       opts.MaxCycleFailures,
			cooldown:          cooldown,
			halfOpenSuccesses: probes,
			state:             circuitClosed,
		},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCycle() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cycle)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCycle(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cycle, err)
}

// CycleCooldownRemaining is zero unless the cycle circuit is open.
func (b *Breaker) CycleCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &b.cycle
	if c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= c.cooldown {
		return 0
	}
	return c.cooldown - elapsed
}

// State reports the circuit states for health output.
func (b *Breaker) State() map[string]string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]string{
		actionPlace: string(b.place.state),
		actionCycle: string(b.cycle.state),
	}
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < c.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	cooldown := c.cooldown
	b.mu.Unlock()

	b.logger.Info("circuit_breaker_half_open",
		zap.String("action", c.name),
		zap.Duration("cooldown", cooldown),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       c.name,
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= c.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// only a probe after allow() may close an open circuit
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.String("action", c.name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        c.name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.logger.Error("circuit_breaker_trip",
			zap.String("action", c.name),
			zap.String("phase", "half_open"),
			zap.Int("threshold", c.maxFailures),
			zap.Error(err),
		)
		if alerter != nil {
			alerter.Important("circuit_breaker_trip", map[string]string{
				"action":     c.name,
				"phase":      "half_open",
				"threshold":  strconv.Itoa(c.maxFailures),
				"last_error": err.Error(),
			})
		}
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := limit > 1 && failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			b.logger.Warn("circuit_breaker_near_trip",
				zap.String("action", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               c.name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.String("action", c.name),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", limit),
		zap.Error(err),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               c.name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"cooldown_sec":         strconv.FormatInt(int64(c.cooldown/time.Second), 10),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, failures, c.cooldown, reason, err)
	return c.openErr
}

// GuardedExchange refuses placements while the placement circuit is open and
// feeds transport failures back into it. Every other call passes through.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{
		Exchange: inner,
		breaker:  breaker,
	}
}

func (e *GuardedExchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := e.breaker.AllowPlace(); err != nil {
		return core.Order{}, err
	}
	placed, err := e.Exchange.PlaceOrder(ctx, order)
	if err != nil && !retry.Retryable(err) {
		// the venue answered; the transport is fine
		_ = e.breaker.RecordPlace(nil)
		return placed, err
	}
	if trip := e.breaker.RecordPlace(err); trip != nil {
		return placed, errors.Join(err, trip)
	}
	return placed, err
}

// AverageCost keeps the optional cost-basis port visible through the wrapper.
func (e *GuardedExchange) AverageCost(ctx context.Context, asset string) (decimal.Decimal, error) {
	if src, ok := e.Exchange.(exchange.CostBasisSource); ok {
		return src.AverageCost(ctx, asset)
	}
	return decimal.Zero, core.ErrCostBasisUnavailable
}
