package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, "agent-tasks", cfg.TaskTopic)
	assert.Equal(t, 50000, cfg.MaxMandateLength)
	assert.Equal(t, 200, cfg.MaxTicksLimit)
	assert.Equal(t, 300*time.Second, cfg.GatewayRequestTimeout)
	assert.False(t, cfg.DisableQuotaChecks)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("GATEWAY_MAX_MANDATE_LENGTH", "128")
	t.Setenv("STATUS_TIME", "5s")
	t.Setenv("DISABLE_QUOTA_CHECKS", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsTest())
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 128, cfg.MaxMandateLength)
	assert.Equal(t, 5*time.Second, cfg.StatusTime)
	assert.True(t, cfg.DisableQuotaChecks)
	assert.Equal(t, 15*time.Second, cfg.PresenceTTL())
}

func TestLoad_BareSecondsDurations(t *testing.T) {
	t.Setenv("AGENT_TASK_TIMEOUT_SECONDS", "1800")
	t.Setenv("RESILIENT_STATUS_MAX_WAIT_SECONDS", "2.5")
	t.Setenv("HTTP_READ_TIMEOUT", "20s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, cfg.AgentTaskTimeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.ResilientStatusMaxWait)
	assert.Equal(t, 20*time.Second, cfg.HTTPReadTimeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("AGENT_TASK_TIMEOUT_SECONDS", "soon")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := config.Load()
	require.Error(t, err)
}
