// Package broker implements the simulated perpetual-futures broker: margin
// accounting, fees, leverage, liquidation, and the trade log a backtest run
// produces. One SimBroker belongs to exactly one run and is never shared.
package broker

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openperp/perpquant/pkg/models"
)

// ErrInsufficientFunds is returned when an open would require more margin
// plus fees than the available cash. Strategies observe the return value;
// the engine never aborts on it.
var ErrInsufficientFunds = errors.New("insufficient funds")

// cashTolerance absorbs float rounding when comparing requirements to cash.
const cashTolerance = 1e-9

// Config fixes the cost model of one run.
type Config struct {
	InitialCash           float64
	FeeRate               float64 // charged on notional at open and close
	Leverage              float64
	MaintenanceMarginRate float64
}

// DefaultConfig returns the standard run parameters.
func DefaultConfig() Config {
	return Config{
		InitialCash:           10000,
		FeeRate:               0.0004,
		Leverage:              1,
		MaintenanceMarginRate: 0.005,
	}
}

func (c Config) validate() Config {
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	if c.InitialCash <= 0 {
		c.InitialCash = 10000
	}
	return c
}

// SimBroker holds the mutable state of one simulated account.
type SimBroker struct {
	cfg Config

	cash         float64
	pos          models.Position
	trades       []models.Trade
	curve        []models.EquityPoint
	liquidations []models.LiquidationEvent
	feesPaid     float64
	fundingPaid  float64
	barIndex     int
}

func NewSimBroker(cfg Config) *SimBroker {
	cfg = cfg.validate()
	return &SimBroker{cfg: cfg, cash: cfg.InitialCash, pos: models.Position{Direction: models.Flat}}
}

// ════════════════════════════════════════════════════════════════════
// Accessors
// ════════════════════════════════════════════════════════════════════

func (b *SimBroker) Cash() float64                             { return b.cash }
func (b *SimBroker) InitialCash() float64                      { return b.cfg.InitialCash }
func (b *SimBroker) FeesPaid() float64                         { return b.feesPaid }
func (b *SimBroker) FundingPaid() float64                      { return b.fundingPaid }
func (b *SimBroker) Trades() []models.Trade                    { return b.trades }
func (b *SimBroker) EquityCurve() []models.EquityPoint         { return b.curve }
func (b *SimBroker) Liquidations() []models.LiquidationEvent   { return b.liquidations }

// Position returns a pointer to the open position, or nil when flat.
func (b *SimBroker) Position() *models.Position {
	if !b.pos.IsOpen() {
		return nil
	}
	return &b.pos
}

// margin is the cash the open position ties up.
func (b *SimBroker) margin() float64 {
	if !b.pos.IsOpen() {
		return 0
	}
	return b.pos.Size * b.pos.EntryPrice / b.pos.Leverage
}

// Equity returns cash plus the marked position value (margin + unrealized).
func (b *SimBroker) Equity(price float64) float64 {
	return b.cash + b.margin() + b.pos.UnrealizedPnL(price)
}

// SetBarIndex tells the broker the engine's current bar, for holding-period
// accounting on closed trades.
func (b *SimBroker) SetBarIndex(i int) { b.barIndex = i }

// SetStops attaches stop-loss and take-profit prices to the open position.
// Zero leaves a side unset.
func (b *SimBroker) SetStops(sl, tp float64) {
	if b.pos.IsOpen() {
		b.pos.StopLoss = sl
		b.pos.TakeProfit = tp
	}
}

// ObserveBar feeds intrabar extremes into MAE/MFE tracking.
func (b *SimBroker) ObserveBar(low, high float64) {
	if !b.pos.IsOpen() {
		return
	}
	// For a long the worst price is the lowest seen; for a short the highest.
	if b.pos.Direction == models.Long {
		if low < b.pos.WorstPrice {
			b.pos.WorstPrice = low
		}
		if high > b.pos.BestPrice {
			b.pos.BestPrice = high
		}
	} else {
		if high > b.pos.WorstPrice {
			b.pos.WorstPrice = high
		}
		if low < b.pos.BestPrice {
			b.pos.BestPrice = low
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Orders
// ════════════════════════════════════════════════════════════════════

// Buy opens a long of the given size, or closes an open short. A buy while
// already long is a no-op.
func (b *SimBroker) Buy(size, price float64, t time.Time, reason string) error {
	if size <= 0 || price <= 0 {
		return fmt.Errorf("buy: size and price must be positive (size=%g price=%g)", size, price)
	}
	if b.pos.IsOpen() {
		if b.pos.Direction == models.Long {
			return nil
		}
		b.close(price, t, reason, false)
		return nil
	}
	return b.open(models.Long, size, price, t, reason)
}

// Sell opens a short of the given size, or closes an open long.
func (b *SimBroker) Sell(size, price float64, t time.Time, reason string) error {
	if size <= 0 || price <= 0 {
		return fmt.Errorf("sell: size and price must be positive (size=%g price=%g)", size, price)
	}
	if b.pos.IsOpen() {
		if b.pos.Direction == models.Short {
			return nil
		}
		b.close(price, t, reason, false)
		return nil
	}
	return b.open(models.Short, size, price, t, reason)
}

// BuyAll opens a long consuming effectively full equity at the configured
// leverage, shrunk if needed so margin plus fees fit in cash.
func (b *SimBroker) BuyAll(price float64, t time.Time) error {
	return b.openAll(models.Long, price, t)
}

// SellAll is ShortAll under its venue-style alias.
func (b *SimBroker) SellAll(price float64, t time.Time) error {
	return b.openAll(models.Short, price, t)
}

// ShortAll opens a short consuming effectively full equity.
func (b *SimBroker) ShortAll(price float64, t time.Time) error {
	return b.openAll(models.Short, price, t)
}

func (b *SimBroker) openAll(dir models.Direction, price float64, t time.Time) error {
	if b.pos.IsOpen() {
		if b.pos.Direction == dir {
			return nil
		}
		b.close(price, t, "reverse", false)
	}
	lev, fee := b.cfg.Leverage, b.cfg.FeeRate
	size := b.cash * lev / (price * (1 + fee))
	// Fees are charged on notional, so at high leverage the nominal sizing
	// can exceed cash; shrink to what the account affords.
	if affordable := b.cash * lev / (price * (1 + lev*fee)); affordable < size {
		size = affordable
	}
	if size <= 0 {
		return ErrInsufficientFunds
	}
	return b.open(dir, size, price, t, "signal")
}

func (b *SimBroker) open(dir models.Direction, size, price float64, t time.Time, reason string) error {
	margin := size * price / b.cfg.Leverage
	fee := size * price * b.cfg.FeeRate
	if margin+fee > b.cash+cashTolerance {
		return ErrInsufficientFunds
	}

	b.cash -= margin + fee
	b.feesPaid += fee
	b.pos = models.Position{
		Direction:   dir,
		EntryPrice:  price,
		Size:        size,
		Leverage:    b.cfg.Leverage,
		EntryTime:   t,
		EntryBar:    b.barIndex,
		EntryReason: reason,
		LiqPrice:    b.liquidationPrice(dir, price),
		WorstPrice:  price,
		BestPrice:   price,
	}
	return nil
}

// Close realizes the open position at the given price.
func (b *SimBroker) Close(price float64, t time.Time, reason string) error {
	if !b.pos.IsOpen() {
		return errors.New("close: no open position")
	}
	b.close(price, t, reason, false)
	return nil
}

// Liquidate force-closes the position at its liquidation price and records
// the event. The fill ignores the passed price in favour of the position's
// own liquidation price.
func (b *SimBroker) Liquidate(t time.Time) error {
	if !b.pos.IsOpen() {
		return errors.New("liquidate: no open position")
	}
	price := b.pos.LiqPrice
	dir, size := b.pos.Direction, b.pos.Size
	loss := -b.pos.UnrealizedPnL(price)
	b.close(price, t, "liquidation", true)
	b.liquidations = append(b.liquidations, models.LiquidationEvent{
		Timestamp: t,
		Direction: dir,
		Price:     price,
		Size:      size,
		Loss:      loss,
	})
	return nil
}

func (b *SimBroker) close(price float64, t time.Time, reason string, isLiquidation bool) {
	pos := b.pos
	margin := b.margin()
	pnlGross := pos.UnrealizedPnL(price)
	fee := pos.Size * price * b.cfg.FeeRate
	openFee := pos.Size * pos.EntryPrice * b.cfg.FeeRate

	b.cash += margin + pnlGross - fee
	if b.cash < 0 && b.cash > -cashTolerance {
		b.cash = 0
	}
	if isLiquidation && b.cash < 0 {
		// Maintenance margin covers the close; the account never owes.
		b.cash = 0
	}
	b.feesPaid += fee

	pnlNet := pnlGross - fee - openFee
	pnlPct := math.NaN()
	if margin > 0 {
		pnlPct = pnlNet / margin
	}
	b.trades = append(b.trades, models.Trade{
		EntryTime:     pos.EntryTime,
		ExitTime:      t,
		Direction:     pos.Direction,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     price,
		Size:          pos.Size,
		Leverage:      pos.Leverage,
		Fee:           openFee + fee,
		PnL:           pnlNet,
		PnLPct:        pnlPct,
		EntryReason:   pos.EntryReason,
		ExitReason:    reason,
		HoldingBars:   b.barIndex - pos.EntryBar,
		MAEPct:        excursion(pos, pos.WorstPrice),
		MFEPct:        excursion(pos, pos.BestPrice),
		EquityAfter:   b.cash,
		IsLiquidation: isLiquidation,
	})
	b.pos = models.Position{Direction: models.Flat}
}

// excursion returns the signed percentage move from entry to an extreme,
// positive when favourable to the position.
func excursion(pos models.Position, extreme float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	return pos.Direction.Sign() * (extreme - pos.EntryPrice) / pos.EntryPrice
}

// MarkToMarket appends an equity sample for the bar close.
func (b *SimBroker) MarkToMarket(price float64, t time.Time) {
	b.curve = append(b.curve, models.EquityPoint{Timestamp: t, Equity: b.Equity(price)})
}

// ApplyFunding settles a funding payment against cash. Positive amounts are
// paid by the account, negative received.
func (b *SimBroker) ApplyFunding(amount float64) {
	b.cash -= amount
	b.fundingPaid += amount
}

// RefreshLiquidationPrice recomputes the stored liquidation price, for use
// after leverage or margin adjustments by the execution overlay.
func (b *SimBroker) RefreshLiquidationPrice() {
	if b.pos.IsOpen() {
		b.pos.LiqPrice = b.liquidationPrice(b.pos.Direction, b.pos.EntryPrice)
	}
}

func (b *SimBroker) liquidationPrice(dir models.Direction, entry float64) float64 {
	lev, mmr := b.cfg.Leverage, b.cfg.MaintenanceMarginRate
	if dir == models.Long {
		return entry * (1 - 1/lev + mmr)
	}
	return entry * (1 + 1/lev - mmr)
}
