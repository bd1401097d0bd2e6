package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start applies the test log profile and logs the test bounds. The returned
// logger carries the test name.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := log.Logger.With().Str("test", t.Name()).Logger()
	started := time.Now()
	logger.Info().Msg("start")
	t.Cleanup(func() {
		logger.Info().Bool("failed", t.Failed()).Dur("elapsed", time.Since(started)).Msg("done")
	})
	return logger
}
