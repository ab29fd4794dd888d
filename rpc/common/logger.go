package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// phoenixLogger implements the ILogger interface with custom formatting
type phoenixLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *phoenixLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *phoenixLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *phoenixLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *phoenixLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *phoenixLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *phoenixLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *phoenixLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Connection scoped logger
// --------------------------------------------------------------------------

// connLogger prefixes every message with the id of a connection
type connLogger struct {
	logger.ILogger
	id string
}

// ConnLogger returns a logger that writes through base and tags every
// message with "[id]", so all lines of one connection can be grepped together.
func ConnLogger(base logger.ILogger, id string) logger.ILogger {
	return &connLogger{ILogger: base, id: id}
}

func (c *connLogger) tag(args []interface{}) []interface{} {
	return append([]interface{}{c.id}, args...)
}

func (c *connLogger) Debugf(format string, args ...interface{}) {
	c.ILogger.Debugf("[%s] "+format, c.tag(args)...)
}

func (c *connLogger) Infof(format string, args ...interface{}) {
	c.ILogger.Infof("[%s] "+format, c.tag(args)...)
}

func (c *connLogger) Warningf(format string, args ...interface{}) {
	c.ILogger.Warningf("[%s] "+format, c.tag(args)...)
}

func (c *connLogger) Errorf(format string, args ...interface{}) {
	c.ILogger.Errorf("[%s] "+format, c.tag(args)...)
}

func (c *connLogger) Panicf(format string, args ...interface{}) {
	c.ILogger.Panicf("[%s] "+format, c.tag(args)...)
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// sharedOutput is the writer behind every logger created by CreateLogger.
// Redirecting it also redirects loggers that were created earlier.
//
// Thread-safety: writes and redirects are serialized by mu.
type sharedOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *sharedOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

var output = &sharedOutput{w: os.Stdout}

// SetLogOutput redirects all phoenix loggers to w
func SetLogOutput(w io.Writer) {
	output.mu.Lock()
	defer output.mu.Unlock()
	output.w = w
}

// openLogFile opens path for appending, creating it if needed
func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements dragonboat's logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &phoenixLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
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

// PackageLoggers are the named loggers of the server packages
var PackageLoggers = []string{"server", "transport", "registry"}

var installFactory sync.Once

// InitLoggers installs the custom format, opens the log file and sets the level
// of all package loggers. It must run before the first log line is written.
// The log file stays open for the lifetime of the process.
func InitLoggers(config ServerConfig) error {
	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}

	if config.LogFile != "" {
		f, err := openLogFile(config.LogFile)
		if err != nil {
			return err
		}
		SetLogOutput(f)
	}

	// dragonboat panics when the factory is set twice
	installFactory.Do(func() { logger.SetLoggerFactory(CreateLogger) })
	for _, name := range PackageLoggers {
		logger.GetLogger(name).SetLevel(level)
	}
	return nil
}
