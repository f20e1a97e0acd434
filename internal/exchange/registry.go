package exchange

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/infra"
)

// Options carries the shared wiring every connector needs plus the
// credentials of venues that accept them.
type Options struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	Limiters         *infra.LimiterSet
	CacheTTL         time.Duration // point-lookup cache TTL, 0 keeps the default
	Log              zerolog.Logger
}

// New builds the connector for a venue by name.
func New(name string, opts Options) (Connector, error) {
	if opts.Limiters == nil {
		opts.Limiters = infra.NewLimiterSet()
	}
	switch name {
	case "binance":
		c := NewBinanceConnector(opts.BinanceAPIKey, opts.BinanceAPISecret, opts.Limiters, opts.Log)
		c.gate.configureCache(opts.CacheTTL)
		return c, nil
	case "bybit":
		c := NewBybitConnector(opts.Limiters, opts.Log)
		c.gate.configureCache(opts.CacheTTL)
		return c, nil
	case "okx":
		c := NewOKXConnector(opts.Limiters, opts.Log)
		c.gate.configureCache(opts.CacheTTL)
		return c, nil
	default:
		return nil, &ErrExchangeNotSupported{Exchange: name, Op: "connector"}
	}
}

// Names lists the venues New can build.
func Names() []string {
	return []string{"binance", "bybit", "okx"}
}
