package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"grid": {"martingale_factor": 2.0, "max_levels": 8},
		"exchange": {"api_key": "k", "api_secret": "s"},
		"portfolio": {"symbols": ["BTCUSDT", "SOLUSDT"]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Grid.MartingaleFactor)
	assert.Equal(t, 8, cfg.Grid.MaxLevels)
	// untouched sections keep defaults
	assert.Equal(t, 0.01, cfg.TakeProfit.MinMarkup)
	assert.Equal(t, 4, cfg.TakeProfit.NCloseOrders)
	assert.Equal(t, 3, cfg.Exchange.MaxRetries)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.Portfolio.Symbols)
}

func TestLoadEnvCredentialOverride(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")

	path := writeConfig(t, `{"exchange": {"api_key": "file-key", "api_secret": "file-secret"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "env-secret", cfg.Exchange.APISecret)
}

func TestLoadRejectsInvalidSpacingBounds(t *testing.T) {
	path := writeConfig(t, `{
		"grid": {"min_spacing": 0.05, "max_spacing": 0.01},
		"exchange": {"api_key": "k", "api_secret": "s"}
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spacing bounds")
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestIsMajorCoin(t *testing.T) {
	g := GridConfig{MajorCoins: []string{"BTCUSDT", "ETHUSDT"}}
	assert.True(t, g.IsMajorCoin("btcusdt"))
	assert.True(t, g.IsMajorCoin("ETHUSDT"))
	assert.False(t, g.IsMajorCoin("DOGEUSDT"))
}
