// Package torrentlog is the thin structured-logging wrapper passed to
// the swarm constructor, keeping the ambient
// logging stack (zerolog) out of the core's decision-making.
package torrentlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow surface the core packages depend on. Passing
// key/value pairs mirrors zerolog's structured-field idiom without
// exposing zerolog types outside this package.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type zlog struct {
	l zerolog.Logger
}

// New builds a zerolog-backed Logger writing JSON lines to w.
func New(w io.Writer, component string) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	base := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &zlog{l: base}
}

// Default builds a Logger writing to stderr.
func Default(component string) Logger {
	return New(os.Stderr, component)
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *zlog) Debug(msg string, kv ...any) { fields(z.l.Debug(), kv).Msg(msg) }
func (z *zlog) Info(msg string, kv ...any)  { fields(z.l.Info(), kv).Msg(msg) }
func (z *zlog) Warn(msg string, kv ...any)  { fields(z.l.Warn(), kv).Msg(msg) }
func (z *zlog) Error(msg string, kv ...any) { fields(z.l.Error(), kv).Msg(msg) }

// Nop is a Logger that discards everything, useful in tests.
var Nop Logger = &zlog{l: zerolog.Nop()}
