package symbols

import "testing"

func TestToExchange(t *testing.T) {
	cases := []struct {
		symbol   string
		exchange string
		want     string
	}{
		{"BTC/USDT", "binance", "BTCUSDT"},
		{"BTC/USDT", "bybit", "BTCUSDT"},
		{"BTC/USDT", "okx", "BTC-USDT-SWAP"},
		{"eth/usdt", "binance", "ETHUSDT"},
		{"LUNA/USDT", "binance", "LUNCUSDT"},
	}
	for _, tc := range cases {
		got, err := ToExchange(tc.symbol, tc.exchange)
		if err != nil {
			t.Errorf("ToExchange(%s, %s): %v", tc.symbol, tc.exchange, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToExchange(%s, %s) = %q, want %q", tc.symbol, tc.exchange, got, tc.want)
		}
	}
}

func TestToCanonical(t *testing.T) {
	cases := []struct {
		native   string
		exchange string
		want     string
	}{
		{"BTCUSDT", "binance", "BTC/USDT"},
		{"ETHBTC", "binance", "ETH/BTC"},
		{"BTC-USDT-SWAP", "okx", "BTC/USDT"},
		{"SOLUSDC", "bybit", "SOL/USDC"},
		{"LUNCUSDT", "binance", "LUNA/USDT"},
	}
	for _, tc := range cases {
		got, err := ToCanonical(tc.native, tc.exchange)
		if err != nil {
			t.Errorf("ToCanonical(%s, %s): %v", tc.native, tc.exchange, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToCanonical(%s, %s) = %q, want %q", tc.native, tc.exchange, got, tc.want)
		}
	}
}

func TestRoundTripAllExchanges(t *testing.T) {
	// Fork special cases are excluded: LUNA and LUNC intentionally collapse
	// to the same native symbol.
	for _, symbol := range []string{"BTC/USDT", "ETH/USDT", "SOL/USDC", "DOGE/USD"} {
		for _, ex := range Exchanges() {
			native, err := ToExchange(symbol, ex)
			if err != nil {
				t.Fatalf("ToExchange(%s, %s): %v", symbol, ex, err)
			}
			back, err := ToCanonical(native, ex)
			if err != nil {
				t.Fatalf("ToCanonical(%s, %s): %v", native, ex, err)
			}
			if back != symbol {
				t.Errorf("%s round trip via %s: %q → %q", symbol, ex, native, back)
			}
		}
	}
}

func TestErrors(t *testing.T) {
	if _, err := ToExchange("BTC/USDT", "kraken"); err == nil {
		t.Error("expected ErrUnknownExchange")
	} else if _, ok := err.(*ErrUnknownExchange); !ok {
		t.Errorf("error type = %T", err)
	}

	if _, err := ToExchange("BTCUSDT", "binance"); err == nil {
		t.Error("expected error for non-canonical input")
	}

	if _, err := ToCanonical("XXXYYY", "binance"); err == nil {
		t.Error("expected ErrAmbiguousSymbol for unknown quote")
	} else if _, ok := err.(*ErrAmbiguousSymbol); !ok {
		t.Errorf("error type = %T", err)
	}
}

func TestAllFormats(t *testing.T) {
	m, err := AllFormats("BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if m["okx"] != "BTC-USDT-SWAP" || m["binance"] != "BTCUSDT" {
		t.Errorf("AllFormats = %v", m)
	}
	if len(m) != len(Exchanges()) {
		t.Errorf("formats for %d exchanges, want %d", len(m), len(Exchanges()))
	}
}
