package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. by closing the connection without further consideration)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. a message without deserializer)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

// Structured field names
const (
	CONN     = "conn"
	ENDPOINT = "endpoint"
	NODE     = "node"
	PEER     = "peer"
	TYPEID   = "type_id"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger.Store(newLogger(os.Stderr))
}

var logger atomic.Pointer[zerolog.Logger]
var loglevel atomic.Int32

func newLogger(w io.Writer) *zerolog.Logger {
	l := zerolog.New(w).With().Timestamp().Str("lib", "clustermq").Logger()
	return &l
}

func toZerologLevel(ll int) zerolog.Level {
	switch ll {
	case LOGLEVEL_ERRORS:
		return zerolog.ErrorLevel
	case LOGLEVEL_WARNINGS:
		return zerolog.WarnLevel
	case LOGLEVEL_INFO:
		return zerolog.InfoLevel
	case LOGLEVEL_DEBUG:
		return zerolog.DebugLevel
	default:
		return zerolog.Disabled
	}
}

// Set the global log level
func SetLoglevel(ll int) {
	loglevel.Store(int32(ll))
}

// Redirect log output, e.g. to a zerolog.ConsoleWriter.
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w))
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	return int(loglevel.Load()) >= ll
}

// Log writes what, joined by spaces, if ll is enabled.
func Log(ll int, what ...interface{}) {
	if ll == LOGLEVEL_NONE || !IsLoggingEnabled(ll) {
		return
	}
	logger.Load().WithLevel(toZerologLevel(ll)).Msg(strings.TrimSuffix(fmt.Sprintln(what...), "\n"))
}

// Logger returns the underlying structured logger, filtered by the global level.
// Use it when attaching fields:
//
//	log.Logger().With().Str(log.CONN, id).Logger()
func Logger() zerolog.Logger {
	return logger.Load().Level(toZerologLevel(int(loglevel.Load())))
}

// Event starts a structured entry at ll; the returned event is nil (and a no-op) if ll is disabled.
func Event(l *zerolog.Logger, ll int) *zerolog.Event {
	if ll == LOGLEVEL_NONE || !IsLoggingEnabled(ll) {
		return nil
	}
	return l.WithLevel(toZerologLevel(ll))
}

// Returns a short random alphanumeric string.
// This is used to tag connections in order to track them across log lines.
func GetLogToken() string {
	id := nuid.Next()
	return id[len(id)-6:]
}
