package logging_test

import (
	"bytes"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/internal/logging"
)

func Test_EventstoreLogger_WritesStructuredJSON(t *testing.T) {
	// arrange
	var out bytes.Buffer
	logger := logging.NewEventstoreLogger(logging.New(logging.Config{Level: "debug", Output: &out}), "projection")

	// act
	logger.Info("projection started", "projection", "item-popularity", "offset", 42)

	// assert
	var entry map[string]any
	require.NoError(t, jsoniter.ConfigFastest.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "projection started", entry["msg"])
	assert.Equal(t, "projection", entry["logger"])
	assert.Equal(t, "item-popularity", entry["projection"])
	assert.InDelta(t, 42, entry["offset"], 0)
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry["caller"], "logging_test.go")
}

func Test_New_FiltersBelowTheLevel(t *testing.T) {
	// arrange
	var out bytes.Buffer
	logger := logging.NewEventstoreLogger(logging.New(logging.Config{Level: "warn", Output: &out}), "")

	// act
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown too")

	// assert
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
}

func Test_New_FallsBackToInfo(t *testing.T) {
	// arrange
	var out bytes.Buffer
	logger := logging.NewEventstoreLogger(logging.New(logging.Config{Level: "loud", Encoding: "console", Output: &out}), "")

	// act
	logger.Debug("hidden")
	logger.Info("shown")

	// assert
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")
}
