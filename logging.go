package deepmem

import (
	"log"

	"github.com/efritz/deepmem/iface"
)

type (
	// Logger is an interface to the logger the client writes to.
	Logger = iface.Logger

	defaultLogger struct{}
	nilLogger     struct{}
)

// NewNilLogger creates a logger that drops all messages.
func NewNilLogger() Logger {
	return &nilLogger{}
}

func (l *defaultLogger) Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

func (l *nilLogger) Printf(format string, args ...interface{}) {
}
