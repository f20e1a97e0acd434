// Package symbols translates between the platform's canonical BASE/QUOTE
// symbol form and each exchange's native format.
package symbols

import (
	"fmt"
	"strings"
)

// ErrUnknownExchange is returned for an exchange without a rules entry.
type ErrUnknownExchange struct {
	Exchange string
}

func (e *ErrUnknownExchange) Error() string {
	return fmt.Sprintf("unknown exchange %q", e.Exchange)
}

// ErrAmbiguousSymbol is returned when a native symbol cannot be split into
// base and quote.
type ErrAmbiguousSymbol struct {
	Symbol   string
	Exchange string
}

func (e *ErrAmbiguousSymbol) Error() string {
	return fmt.Sprintf("cannot parse %q as a %s symbol", e.Symbol, e.Exchange)
}

// rules describes one exchange's native symbol format.
type rules struct {
	delimiter string
	suffix    string // appended after the quote (OKX perpetuals use "-SWAP")
}

var exchangeRules = map[string]rules{
	"binance": {delimiter: ""},
	"bybit":   {delimiter: ""},
	"okx":     {delimiter: "-", suffix: "-SWAP"},
}

// knownQuotes are tried longest-first when splitting an undelimited native
// symbol such as "BTCUSDT".
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "EUR"}

// forks maps historical renames: canonical base seen in old data → the base
// the exchanges use today, and back. Both canonical spellings map onto the
// same native contract, so the reverse mapping collapses them: ToCanonical
// of a native LUNC contract yields "LUNA/...", never "LUNC/...". Round
// trips are therefore exact for every base except the forked aliases.
var forks = map[string]string{
	"LUNA": "LUNC", // Terra Classic after the 2022 collapse
}

var forksReverse = func() map[string]string {
	m := make(map[string]string, len(forks))
	for k, v := range forks {
		m[v] = k
	}
	return m
}()

// Split breaks a canonical BASE/QUOTE symbol into its parts.
func Split(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not in BASE/QUOTE form", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// ToExchange converts a canonical BASE/QUOTE symbol to the exchange-native
// perpetual form.
func ToExchange(symbol, exchange string) (string, error) {
	r, ok := exchangeRules[exchange]
	if !ok {
		return "", &ErrUnknownExchange{Exchange: exchange}
	}
	base, quote, err := Split(symbol)
	if err != nil {
		return "", err
	}
	if renamed, ok := forks[base]; ok {
		base = renamed
	}
	return base + r.delimiter + quote + r.suffix, nil
}

// ToCanonical converts an exchange-native symbol back to BASE/QUOTE. For
// exchanges without a delimiter the quote is found by longest-suffix match
// against the known quote currencies.
func ToCanonical(native, exchange string) (string, error) {
	r, ok := exchangeRules[exchange]
	if !ok {
		return "", &ErrUnknownExchange{Exchange: exchange}
	}
	s := strings.ToUpper(native)
	s = strings.TrimSuffix(s, r.suffix)

	var base, quote string
	if r.delimiter != "" {
		parts := strings.Split(s, r.delimiter)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", &ErrAmbiguousSymbol{Symbol: native, Exchange: exchange}
		}
		base, quote = parts[0], parts[1]
	} else {
		for _, q := range knownQuotes {
			if strings.HasSuffix(s, q) && len(s) > len(q) {
				base, quote = s[:len(s)-len(q)], q
				break
			}
		}
		if base == "" {
			return "", &ErrAmbiguousSymbol{Symbol: native, Exchange: exchange}
		}
	}
	if renamed, ok := forksReverse[base]; ok {
		base = renamed
	}
	return base + "/" + quote, nil
}

// AllFormats returns the native form of a canonical symbol on every known
// exchange.
func AllFormats(symbol string) (map[string]string, error) {
	out := make(map[string]string, len(exchangeRules))
	for ex := range exchangeRules {
		native, err := ToExchange(symbol, ex)
		if err != nil {
			return nil, err
		}
		out[ex] = native
	}
	return out, nil
}

// Exchanges lists the exchanges with mapping rules.
func Exchanges() []string {
	return []string{"binance", "bybit", "okx"}
}
