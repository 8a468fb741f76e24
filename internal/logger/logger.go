package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu sync.RWMutex
	// Debug flag to control debug logging
	debugEnabled = false
	// The logger instances
	debugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	infoLogger  = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime)
	warnLogger  = log.New(os.Stdout, "WARN: ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
)

// Init initializes the logger
func Init(debug bool) {
	mu.Lock()
	debugEnabled = debug
	debugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	infoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime)
	warnLogger = log.New(os.Stdout, "WARN: ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	mu.Unlock()

	if debug {
		Debug("Debug logging enabled")
	}
}

// SetOutput redirects every level to w. Tests use it to capture log lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	debugLogger.SetOutput(w)
	infoLogger.SetOutput(w)
	warnLogger.SetOutput(w)
	errorLogger.SetOutput(w)
}

// SetDebug toggles debug output without resetting writers.
func SetDebug(debug bool) {
	mu.Lock()
	debugEnabled = debug
	mu.Unlock()
}

// IsDebugEnabled returns whether debug logging is enabled
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugEnabled
}

func logf(l *log.Logger, debugOnly bool, prefix, format string, v ...interface{}) {
	if debugOnly && !IsDebugEnabled() {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	l.Output(3, prefix+fmt.Sprintf(format, v...))
}

// Debug logs a debug message if debug mode is enabled
func Debug(format string, v ...interface{}) { logf(debugLogger, true, "", format, v...) }

// Info logs an info message
func Info(format string, v ...interface{}) { logf(infoLogger, false, "", format, v...) }

// Warn logs a warning message
func Warn(format string, v ...interface{}) { logf(warnLogger, false, "", format, v...) }

// Error logs an error message
func Error(format string, v ...interface{}) { logf(errorLogger, false, "", format, v...) }

// Component prefixes keep the bot, index and model log lines apart when
// they interleave across conversations.
const (
	telegramPrefix = "[telegram] "
	llmPrefix      = "[llm] "
	indexPrefix    = "[index] "
	httpPrefix     = "[http] "
)

func TelegramDebug(format string, v ...interface{}) { logf(debugLogger, true, telegramPrefix, format, v...) }
func TelegramInfo(format string, v ...interface{})  { logf(infoLogger, false, telegramPrefix, format, v...) }
func TelegramWarn(format string, v ...interface{})  { logf(warnLogger, false, telegramPrefix, format, v...) }
func TelegramError(format string, v ...interface{}) { logf(errorLogger, false, telegramPrefix, format, v...) }

func LLMDebug(format string, v ...interface{}) { logf(debugLogger, true, llmPrefix, format, v...) }
func LLMInfo(format string, v ...interface{})  { logf(infoLogger, false, llmPrefix, format, v...) }
func LLMWarn(format string, v ...interface{})  { logf(warnLogger, false, llmPrefix, format, v...) }
func LLMError(format string, v ...interface{}) { logf(errorLogger, false, llmPrefix, format, v...) }

func IndexDebug(format string, v ...interface{}) { logf(debugLogger, true, indexPrefix, format, v...) }
func IndexInfo(format string, v ...interface{})  { logf(infoLogger, false, indexPrefix, format, v...) }
func IndexWarn(format string, v ...interface{})  { logf(warnLogger, false, indexPrefix, format, v...) }
func IndexError(format string, v ...interface{}) { logf(errorLogger, false, indexPrefix, format, v...) }

func HTTPDebug(format string, v ...interface{}) { logf(debugLogger, true, httpPrefix, format, v...) }
func HTTPInfo(format string, v ...interface{})  { logf(infoLogger, false, httpPrefix, format, v...) }
func HTTPError(format string, v ...interface{}) { logf(errorLogger, false, httpPrefix, format, v...) }
