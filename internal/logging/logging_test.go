package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	for _, json := range []bool{true, false} {
		logger, _, err := New("warn", json)
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zap.InfoLevel))
		assert.True(t, logger.Core().Enabled(zap.ErrorLevel))
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := New("loud", false)
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	logger, atom, err := New("error", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))

	require.NoError(t, SetLevel(atom, "debug"))
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	assert.Error(t, SetLevel(atom, "chatty"))
	assert.True(t, logger.Core().Enabled(zap.DebugLevel), "invalid level leaves the current one")
}
