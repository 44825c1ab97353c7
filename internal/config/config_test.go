package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, "mensageria.db", c.DSN)
	assert.Equal(t, 24*time.Hour, c.SessionTTL)
	assert.Equal(t, 3, c.DeliveryAttempts)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
	assert.Empty(t, c.TokenSecret)

	assert.Error(t, c.Validate(), "a token secret is required")
	c.TokenSecret = "s"
	assert.NoError(t, c.Validate())
}

func TestLoadEnv(t *testing.T) {
	var c Config
	c.LoadDefaults()
	err := c.LoadEnv(envMap(map[string]string{
		"MSG_ADDR":               ":9000",
		"MSG_TOKEN_SECRET":       "env-secret",
		"MSG_SESSION_TTL":        "2h",
		"MSG_MAX_FLUSH_ATTEMPTS": "5",
		"MSG_ALLOWED_ORIGINS":    "https://a.example, https://b.example,",
		"MSG_LOG_FORMAT":         "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "env-secret", c.TokenSecret)
	assert.Equal(t, 2*time.Hour, c.SessionTTL)
	assert.Equal(t, 5, c.MaxFlushAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
	assert.Equal(t, "json", c.LogFormat)
	assert.NoError(t, c.Validate())
}

func TestLoadEnv_ReportsBadValues(t *testing.T) {
	var c Config
	c.LoadDefaults()
	err := c.LoadEnv(envMap(map[string]string{
		"MSG_SESSION_TTL":       "forever",
		"MSG_DELIVERY_ATTEMPTS": "many",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSG_SESSION_TTL")
	assert.Contains(t, err.Error(), "MSG_DELIVERY_ATTEMPTS")
	assert.Equal(t, 24*time.Hour, c.SessionTTL, "bad values leave the previous setting")
}

func TestBindFlags_OverrideEnv(t *testing.T) {
	var c Config
	c.LoadDefaults()
	require.NoError(t, c.LoadEnv(envMap(map[string]string{"MSG_ADDR": ":9000", "MSG_TOKEN_SECRET": "x"})))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--addr=:7000", "--delivery-attempts=5", "--allowed-origins=https://c.example"}))

	assert.Equal(t, ":7000", c.Addr)
	assert.Equal(t, "x", c.TokenSecret, "env value survives as the flag default")
	assert.Equal(t, 5, c.DeliveryAttempts)
	assert.Equal(t, []string{"https://c.example"}, c.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	var c Config
	c.LoadDefaults()
	c.TokenSecret = "s"
	c.PingPeriod = c.HeartbeatTimeout
	c.DeliveryAttempts = 0
	c.LogFormat = "xml"

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping-period")
	assert.Contains(t, err.Error(), "delivery-attempts")
	assert.Contains(t, err.Error(), "log-format")
}
