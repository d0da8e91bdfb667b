// Package logutil plugs a line-oriented formatter into the dragonboat logger
// registry that every prefcache package logs through.
package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// Packages lists the logger names used in this module.
var Packages = []string{"cache", "prefs", "store", "badger", "redis", "config", "prefctl"}

var (
	outMu sync.RWMutex
	out   io.Writer = os.Stderr
)

// lineLogger implements logger.ILogger with "LEVEL | pkg | message" lines.
type lineLogger struct {
	name  string
	level atomic.Int32
}

func (l *lineLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *lineLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *lineLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func (l *lineLogger) log(levelStr string, format string, args ...interface{}) {
	outMu.RLock()
	w := out
	outMu.RUnlock()
	std := log.New(w, "", log.Ldate|log.Ltime)
	std.Printf("%-5s | %-8s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// Factory creates loggers at INFO; it satisfies logger.Factory.
func Factory(pkgName string) logger.ILogger {
	l := &lineLogger{name: pkgName}
	l.level.Store(int32(logger.INFO))
	return l
}

// ParseLevel converts a level name to logger.LogLevel.
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "", "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
}

var installOnce sync.Once

// Init installs the factory, directs output to w (nil keeps stderr) and
// sets every module logger to level.
func Init(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	installOnce.Do(func() { logger.SetLoggerFactory(Factory) })
	if w != nil {
		outMu.Lock()
		out = w
		outMu.Unlock()
	}
	for _, pkg := range Packages {
		logger.GetLogger(pkg).SetLevel(lvl)
	}
	return nil
}
