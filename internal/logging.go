package internal

import (
	"log"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

func NewLogger(component string) *log.Logger {
	prefix := "gitagent"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// WithRequestID returns a logger that tags every line with the request id.
func WithRequestID(logger *log.Logger, requestID string) *log.Logger {
	if logger == nil {
		logger = log.Default()
	}
	if requestID == "" {
		return logger
	}
	return log.New(logger.Writer(), logger.Prefix()+"request_id="+requestID+" ", logger.Flags())
}

// NewWatermillLogger is the adapter handed to watermill drivers.
func NewWatermillLogger() watermill.LoggerAdapter {
	return watermill.NewStdLogger(false, false)
}
