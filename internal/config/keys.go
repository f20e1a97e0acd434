package config

import "os"

// APIKeySource represents where an API key comes from.
type APIKeySource string

const (
	KeySourceEnv    APIKeySource = "env"
	KeySourceConfig APIKeySource = "config"
	KeySourceNone   APIKeySource = "none"
)

// KeyStatus represents the status of an API key.
type KeyStatus struct {
	Name   string       `json:"name"`
	Source APIKeySource `json:"source"`
	IsSet  bool         `json:"is_set"`
	Masked string       `json:"masked,omitempty"` // e.g., "abc...xyz"
}

// CheckAPIKeys returns the status of all exchange credentials. The core
// only calls public endpoints, so unset keys are informational.
func CheckAPIKeys(cfg *Config) []KeyStatus {
	return []KeyStatus{
		checkKey("Binance API Key", cfg.Exchanges.Binance.APIKey, "BINANCE_API_KEY"),
		checkKey("Binance API Secret", cfg.Exchanges.Binance.APISecret, "BINANCE_API_SECRET"),
		checkKey("Bybit API Key", cfg.Exchanges.Bybit.APIKey, "BYBIT_API_KEY"),
		checkKey("Bybit API Secret", cfg.Exchanges.Bybit.APISecret, "BYBIT_API_SECRET"),
		checkKey("OKX API Key", cfg.Exchanges.OKX.APIKey, "OKX_API_KEY"),
		checkKey("OKX API Secret", cfg.Exchanges.OKX.APISecret, "OKX_API_SECRET"),
	}
}

// checkKey checks if a key is set and where it came from.
func checkKey(name, value, envVar string) KeyStatus {
	status := KeyStatus{
		Name:  name,
		IsSet: value != "",
	}

	if value != "" {
		if os.Getenv(envVar) != "" {
			status.Source = KeySourceEnv
		} else {
			status.Source = KeySourceConfig
		}
		status.Masked = maskKey(value)
	} else {
		status.Source = KeySourceNone
	}

	return status
}

// maskKey masks an API key for display, showing only first 3 and last 3 chars.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:3] + "..." + key[len(key)-3:]
}
