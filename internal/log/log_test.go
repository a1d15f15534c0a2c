package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestFromContextCarriesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "JOB123XYZ")

	FromContext(ctx).Warn().Str("extra", "x").Msg("hello")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "JOB123XYZ", entry["job_id"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "hello", entry["message"])
}

func TestFromContextWithoutCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})

	FromContext(context.Background()).Info().Msg("plain")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "plain", entry["message"])
	assert.NotContains(t, entry, "request_id")
	assert.NotContains(t, entry, "job_id")
}

func TestLChainsLevelMethods(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf, Service: "test"})

	L().Error().Int("status", 500).Msg("boom")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, float64(500), entry["status"])
	assert.Equal(t, "test", entry["service"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf, Service: "test"})

	logger := WithComponent("worker")
	logger.Info().Msg("started")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "worker", entry["component"])
}
