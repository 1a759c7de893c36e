// Package logutil holds slog helpers shared by the subsystems.
package logutil

import "github.com/decred/slog"

// prefixLogger prepends a fixed prefix to every message. It is used to tag
// the log lines of a single connection.
type prefixLogger struct {
	log    slog.Logger
	prefix string
}

func (p *prefixLogger) f(format string) string {
	return p.prefix + " " + format
}

func (p *prefixLogger) v(v []interface{}) []interface{} {
	return append([]interface{}{p.prefix}, v...)
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	p.log.Tracef(p.f(format), params...)
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	p.log.Debugf(p.f(format), params...)
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.log.Infof(p.f(format), params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.log.Warnf(p.f(format), params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.log.Errorf(p.f(format), params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.log.Criticalf(p.f(format), params...)
}

func (p *prefixLogger) Trace(v ...interface{})    { p.log.Trace(p.v(v)...) }
func (p *prefixLogger) Debug(v ...interface{})    { p.log.Debug(p.v(v)...) }
func (p *prefixLogger) Info(v ...interface{})     { p.log.Info(p.v(v)...) }
func (p *prefixLogger) Warn(v ...interface{})     { p.log.Warn(p.v(v)...) }
func (p *prefixLogger) Error(v ...interface{})    { p.log.Error(p.v(v)...) }
func (p *prefixLogger) Critical(v ...interface{}) { p.log.Critical(p.v(v)...) }

// Level returns the current logging level of the underlying logger.
func (p *prefixLogger) Level() slog.Level {
	return p.log.Level()
}

// SetLevel changes the logging level of the underlying logger.
func (p *prefixLogger) SetLevel(level slog.Level) {
	p.log.SetLevel(level)
}

// PrefixLogger returns a logger that prepends a string in every message.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if log == nil {
		log = slog.Disabled
	}
	return &prefixLogger{log: log, prefix: prefix}
}
