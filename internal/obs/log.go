package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
// Entries are JSON lines on stdout.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel accepts logrus level names; unknown names leave the level unchanged.
func SetLevel(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if lvl, err := logrus.ParseLevel(name); err == nil {
		Logger().SetLevel(lvl)
	}
}

// LogRequest emits one access-log entry.
func LogRequest(fields logrus.Fields) {
	Logger().WithFields(fields).Info("request_complete")
}
