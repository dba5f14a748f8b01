package parallel

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the parallel package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the parallel package's logger.
// This must be called before any spawner or scheduler is created.
func SetLogger(l *zap.Logger) {
	logger = l
}

func orDefault(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
