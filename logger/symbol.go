package logger

import (
	"github.com/teranos/postpulse/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol goes in a structured field, not in the message, so logs stay
// queryable by symbol and messages stay clean.

// AddPulseSymbol returns a logger with the Pulse symbol (꩜) attached
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol returns a logger with the PulseOpen symbol (✿) attached
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol returns a logger with the PulseClose symbol (❀) attached
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol returns a logger with the DB symbol (⊔) attached
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddPostSymbol returns a logger with the Post symbol (✎) attached
func AddPostSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Post)
}

// PulseInfow logs an info message with the Pulse symbol (꩜) on the global logger
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
