package logging

import (
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// defaultNoise lists warning substrings emitted by the protocol library
// that are expected during normal reconnect churn. Matching warnings are
// demoted to debug; everything else passes through at its own level.
var defaultNoise = []string{
	"error closing websocket",
	"failed to send acknowledgement",
	"unhandled stream event",
	"mismatching lid",
	"dispatching app state",
}

// WALogger adapts a zap logger to whatsmeow's waLog.Logger, applying
// the noise filter on the warn path.
type WALogger struct {
	log   *zap.SugaredLogger
	noise []string
}

// NewWALogger wraps logger for consumption by the protocol library.
// extraNoise substrings are filtered in addition to the defaults.
func NewWALogger(logger *zap.Logger, module string, extraNoise ...string) *WALogger {
	noise := make([]string, 0, len(defaultNoise)+len(extraNoise))
	for _, n := range append(append([]string{}, defaultNoise...), extraNoise...) {
		noise = append(noise, strings.ToLower(n))
	}
	return &WALogger{
		log:   logger.Named(module).WithOptions(zap.AddCallerSkip(1)).Sugar(),
		noise: noise,
	}
}

func (w *WALogger) noisy(msg string, args []interface{}) bool {
	line := strings.ToLower(msg)
	for _, a := range args {
		if s, ok := a.(string); ok {
			line += " " + strings.ToLower(s)
		}
	}
	for _, n := range w.noise {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

func (w *WALogger) Errorf(msg string, args ...interface{}) {
	w.log.Errorf(msg, args...)
}

// Warnf demotes known-noisy library warnings to debug so they remain
// visible at debug level without polluting the warn stream.
func (w *WALogger) Warnf(msg string, args ...interface{}) {
	if w.noisy(msg, args) {
		w.log.Debugf(msg, args...)
		return
	}
	w.log.Warnf(msg, args...)
}

func (w *WALogger) Infof(msg string, args ...interface{}) {
	w.log.Infof(msg, args...)
}

func (w *WALogger) Debugf(msg string, args ...interface{}) {
	w.log.Debugf(msg, args...)
}

// Sub returns a child logger for a library submodule.
func (w *WALogger) Sub(module string) waLog.Logger {
	return &WALogger{
		log:   w.log.Named(module),
		noise: w.noise,
	}
}
