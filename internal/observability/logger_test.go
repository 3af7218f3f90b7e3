package observability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amu-labs/gatekeep/internal/observability"
)

func TestLoggers(t *testing.T) {
	prevCLI, prevServer := observability.CLILogger, observability.ServerLogger
	t.Cleanup(func() {
		observability.CLILogger = prevCLI
		observability.ServerLogger = prevServer
	})

	t.Run("cli logger", func(t *testing.T) {
		observability.ServerLogger = nil
		observability.InitCLILogger("gatekeep-test", true)
		require.NotNil(t, observability.CLILogger)
		assert.Same(t, observability.CLILogger, observability.Logger())

		observability.CLILogger.Debug("debug enabled", zap.String("mode", "verbose"))
	})

	t.Run("server logger takes precedence", func(t *testing.T) {
		observability.InitServerLogger("gatekeep-test", observability.ServerLoggerOptions{
			Level:        "debug",
			Environment:  "test",
			StaticFields: map[string]any{"component": "test"},
		})
		require.NotNil(t, observability.ServerLogger)
		assert.Same(t, observability.ServerLogger, observability.Logger())

		observability.ServerLogger.Info("structured message", zap.Int("attempts", 3))
	})
}
