// Package logging installs the dLease log format for all dragonboat style loggers.
package logging

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

// --------------------------------------------------------------------------
// Line Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// lineLogger prints one "LEVEL | name | message" line per call. Dragonboat
// changes levels while its own goroutines log, so the level is atomic.
type lineLogger struct {
	name  string
	level atomic.Int32
	out   *log.Logger
}

func levelTag(level logger.LogLevel) string {
	switch level {
	case logger.DEBUG:
		return "DEBUG"
	case logger.INFO:
		return "INFO"
	case logger.WARNING:
		return "WARN"
	case logger.ERROR:
		return "ERROR"
	default:
		return "CRIT"
	}
}

func (l *lineLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *lineLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	l.out.Printf("%-5s | %-15s | %s", levelTag(level), l.name, fmt.Sprintf(format, args...))
}

func (l *lineLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf always panics, the line is written first if critical output is enabled.
func (l *lineLogger) Panicf(format string, args ...interface{}) {
	l.logf(logger.CRITICAL, format, args...)
	panic(fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// output is where all loggers write, stderr keeps stdout free for command results
var output io.Writer = os.Stderr

// CreateLogger implements logger.Factory.
func CreateLogger(pkgName string) logger.ILogger {
	l := &lineLogger{name: pkgName, out: log.New(output, "", log.Ldate|log.Ltime)}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a level name (debug, info, warn, error) to a logger.LogLevel.
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// dragonboatLoggers belong to the raft library, at info level they only report warnings
var dragonboatLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb", "config"}

// LoggerNames lists the loggers of dLease itself. memstore, redisstore, etcdstore
// and gdsstore report everything through returned errors and own no logger.
var LoggerNames = []string{
	"cli", "lockmgr",
	"raftstore", "sqlstore", "ldapstore", "couchstore", "mongostore", "filestore", "spannerstore",
}

var setFactoryOnce sync.Once

// InitLoggers installs the dLease format and sets the level of all known loggers.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	setFactoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	raftLvl := lvl
	if lvl == logger.INFO {
		raftLvl = logger.WARNING
	}
	for _, name := range dragonboatLoggers {
		logger.GetLogger(name).SetLevel(raftLvl)
	}
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
