// Package audit provides structured, leveled logging for the engine's
// auditable operational events — capacity rejections, slow-client
// disconnects, bad-rule installs, rate-limit violations — distinct
// from routine request/response logging. Every event carries a stable
// event name and optional metadata so downstream log aggregation can
// alert on it without parsing free-text messages.
package audit

import (
	"github.com/rs/zerolog"
)

// Level mirrors the severities the reference fleet's audit logger
// used, as a small int scale that is mapped onto zerolog's levels when
// an event is logged.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Critical
)

// Alerter receives WARNING and above events, e.g. to page on-call or
// post to a chat channel. Optional: a Logger with no Alerter simply
// logs.
type Alerter interface {
	Alert(level Level, event, message string, metadata map[string]any)
}

// Logger logs auditable events at or above a configured minimum
// level, and forwards WARNING-and-above events to an optional
// Alerter.
type Logger struct {
	logger   zerolog.Logger
	minLevel Level
	alerter  Alerter
}

// New builds an audit Logger. minLevel events below this are not
// logged at all (matches the reference fleet's behavior of dropping
// sub-threshold events entirely rather than just suppressing output).
func New(logger zerolog.Logger, minLevel Level) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger(), minLevel: minLevel}
}

// SetAlerter installs an alert sink for WARNING/ERROR/CRITICAL events.
func (l *Logger) SetAlerter(a Alerter) { l.alerter = a }

func (l *Logger) log(level Level, event, message string, metadata map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := l.logger.WithLevel(zerologLevel(level)).Str("event", event)
	for k, v := range metadata {
		entry = entry.Interface(k, v)
	}
	entry.Msg(message)

	if l.alerter != nil && level >= Warning {
		l.alerter.Alert(level, event, message, metadata)
	}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warning:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	case Critical:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) Debug(event, message string, metadata map[string]any) {
	l.log(Debug, event, message, metadata)
}

func (l *Logger) Info(event, message string, metadata map[string]any) {
	l.log(Info, event, message, metadata)
}

func (l *Logger) Warning(event, message string, metadata map[string]any) {
	l.log(Warning, event, message, metadata)
}

func (l *Logger) Error(event, message string, metadata map[string]any) {
	l.log(Error, event, message, metadata)
}

func (l *Logger) Critical(event, message string, metadata map[string]any) {
	l.log(Critical, event, message, metadata)
}

// WithConnectionID scopes subsequent events to a single connection,
// mirroring the reference fleet's per-client audit helper.
func (l *Logger) WithConnectionID(connID int64) *ConnectionLogger {
	return &ConnectionLogger{logger: l, connID: connID}
}

// ConnectionLogger is a Logger helper bound to one connection ID.
type ConnectionLogger struct {
	logger *Logger
	connID int64
}

func (c *ConnectionLogger) withConn(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["connection_id"] = c.connID
	return out
}

func (c *ConnectionLogger) Info(event, message string, metadata map[string]any) {
	c.logger.Info(event, message, c.withConn(metadata))
}

func (c *ConnectionLogger) Warning(event, message string, metadata map[string]any) {
	c.logger.Warning(event, message, c.withConn(metadata))
}

func (c *ConnectionLogger) Error(event, message string, metadata map[string]any) {
	c.logger.Error(event, message, c.withConn(metadata))
}

func (c *ConnectionLogger) Critical(event, message string, metadata map[string]any) {
	c.logger.Critical(event, message, c.withConn(metadata))
}
