package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/ordertrack")
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("ORDER_API_URL", "http://localhost:9000")
}

func TestParseConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := parseConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 20*time.Second, cfg.SubmissionTimeout)
	require.Equal(t, 1.2, cfg.GasAdjustmentFactor)
	require.Equal(t, "order-updates", cfg.KafkaTopic)
	require.False(t, cfg.KafkaEnabled())
}

func TestParseConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("GAS_ADJUSTMENT_FACTOR", "1.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := parseConfig()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 1.5, cfg.GasAdjustmentFactor)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.KafkaEnabled())
}

func TestParseConfig_MissingRequired(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("ETH_RPC_URL", "")
	t.Setenv("ORDER_API_URL", "")

	_, err := parseConfig()
	require.Error(t, err)
}

func TestParseConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"GAS_ADJUSTMENT_FACTOR": "1",
		"POLL_INTERVAL":         "0s",
		"SUBMISSION_TIMEOUT":    "-1s",
		"LOG_LEVEL":             "loud",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, value)

			_, err := parseConfig()
			require.Error(t, err)
			require.Contains(t, err.Error(), name)
		})
	}
}
