package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
environment: test
venue:
  url: wss://venue.example/ws
  markets: [R_100]
credentials:
  secret: s3cret
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 15*time.Second, c.Venue.PongTimeout)
	assert.Equal(t, 5, c.Venue.BreakerThreshold)
	assert.Equal(t, 10*time.Second, c.Normalizer.HeartbeatTimeout)
	assert.Equal(t, 0.6, c.Signals.MinConfidence)
	assert.Equal(t, "1.00", c.Execution.Stake)
	assert.Equal(t, time.Hour, c.Execution.DedupTTL)
	assert.Equal(t, "manual_trades", c.Kafka.ManualTradesTopic)
	assert.Equal(t, []string{"R_100"}, c.SignalMarkets())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing venue url": `
environment: test
venue:
  markets: [R_100]
credentials:
  secret: s
`,
		"no markets": `
environment: test
venue:
  url: wss://venue.example/ws
credentials:
  secret: s
`,
		"missing secret": `
environment: test
venue:
  url: wss://venue.example/ws
  markets: [R_100]
`,
		"pong not after ping": `
environment: test
venue:
  url: wss://venue.example/ws
  markets: [R_100]
  ping_interval: 20s
  pong_timeout: 10s
credentials:
  secret: s
`,
		"ai without url": minimalYAML + `
ai:
  enabled: true
`,
		"kafka without brokers": minimalYAML + `
kafka:
  enabled: true
`,
		"bad duration unit": minimalYAML + `
execution:
  duration_unit: w
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestSignalMarketsOverride(t *testing.T) {
	c, err := Parse([]byte(minimalYAML + `
signals:
  markets: [R_50]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"R_50"}, c.SignalMarkets())
}

func TestApplyEnvOverrides(t *testing.T) {
	c, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	env := map[string]string{
		"VENUE_URL":         "wss://other.example/ws",
		"MARKETS":           "R_10, R_25,,",
		"KAFKA_BROKERS":     "k1:9092,k2:9092",
		"REDIS_DB":          "3",
		"CREDENTIAL_SECRET": "rotated",
	}
	c.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "wss://other.example/ws", c.Venue.URL)
	assert.Equal(t, []string{"R_10", "R_25"}, c.Venue.Markets)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 3, c.Redis.DB)
	assert.Equal(t, "rotated", c.Credentials.Secret)
}

func TestLoadWithEnvReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))
	t.Setenv("VENUE_APP_ID", "4242")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "4242", c.Venue.AppID)

	_, err = LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
