package watcher

import (
	"os"
	"testing"

	"github.com/chasegan/kalix-core/logger"
)

func TestMain(m *testing.M) {
	// Disable logging during tests
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
