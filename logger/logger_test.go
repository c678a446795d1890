package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestNamedLogger(t *testing.T) {
	defer func() { require.NoError(t, Initialize(false)) }()
	Logger = zap.NewNop().Sugar()
	assert.NotPanics(t, func() { Named("watchdog").Info("ok") })
}

func TestPackageLevelHelpersNilSafe(t *testing.T) {
	saved := Logger
	defer func() { Logger = saved }()

	Logger = nil
	assert.NotPanics(t, func() {
		Infow("msg")
		Warnw("msg")
		Errorw("msg")
		Debugw("msg")
		_ = Cleanup()
	})
}
