package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagents/multiagents/internal/common/config"
	"github.com/multiagents/multiagents/internal/common/logger"
)

func TestProvideDefaultsToMemoryBus(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	provided, cleanup, err := Provide(&config.Config{}, log)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, provided.Bus)
	assert.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.NoError(t, cleanup())
}
