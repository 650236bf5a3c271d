package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/config"
)

// GameLogger provides a thread-safe logging interface with configurable appenders and formatting.
// It supports different log levels, caller information, and efficient object reuse through sync.Pool.
// Poller goroutines log on hot paths, so a filtered level costs one atomic load and returns a
// nil event without allocating.
//
// There is no package-level logger: a GameLogger is constructed once and injected into
// the components that log (see comm.Context).
//
// Example usage:
// ```
//
//	logger := NewLogger(&LogCfg{
//	    LogLevel:        InfoLevel,
//	    ConsoleAppender: true,
//	})
//
// logger.Info().Int("sessionId", 42).Str("peer", "10.0.0.2:7000").Msg("session created")
// ```
type GameLogger struct {
	appenders         []LogAppender               // Collection of appenders responsible for log output
	minLevel          atomic.Uint32               // Minimum log level that will be processed
	callerSkip        int                         // Number of stack frames to skip when capturing caller information
	eventPool         *sync.Pool                  // Object pool for LogEvent instances to minimize GC
	levelChange       atomic.Pointer[levelChange] // Per-file/per-line log level overrides
	whiteList         atomic.Pointer[map[int]struct{}]
	callerCache       sync.Map    // Cache for caller information to avoid redundant calculations
	enabledCallerInfo atomic.Bool // Whether caller information should be captured
	configMutex       sync.RWMutex
	currentConfig     *LogCfg
}

// NewLogger creates a new GameLogger instance with the provided configuration.
// If cfg is nil, it uses default configuration values from getDefaultCfg().
//
// Parameters:
//   - cfg: Logger configuration specifying log level, appenders, and other settings
//
// Returns:
//   - A new GameLogger instance configured according to the provided settings
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{callerSkip: cfg.CallerSkip}
	logger.applyConfig(cfg)

	// Initialize object pool for LogEvent instances to minimize garbage collection
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewNopLogger creates a logger that filters every level. Components fall
// back to it when no logger is injected.
func NewNopLogger() *GameLogger {
	logger := NewLogger(&LogCfg{})
	logger.minLevel.Store(uint32(disabledLevel))
	return logger
}

func (x *GameLogger) applyConfig(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.LogLevel))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(cfg.LevelChange))

	wl := make(map[int]struct{}, len(cfg.SessionWhiteList))
	for _, id := range cfg.SessionWhiteList {
		wl[id] = struct{}{}
	}
	x.whiteList.Store(&wl)

	x.configMutex.Lock()
	x.currentConfig = cfg
	x.configMutex.Unlock()
}

// WatchConfig registers a hook on the "logger" configuration so that level,
// caller info, level overrides and the session white list follow file
// changes. Appenders are kept; they are only refreshed.
//
// Parameters:
//   - cm: Configuration manager the logger configuration was loaded from
func (x *GameLogger) WatchConfig(cm config.ConfigManager) {
	cm.RegisterHook("logger", func(_, newVal config.Config) error {
		cfg, ok := newVal.(*LogCfg)
		if !ok {
			return nil
		}
		x.applyConfig(cfg)
		x.Refresh()
		return nil
	})
}

// GetCurrentConfig returns the current logger configuration.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

// checkLevel reports whether level passes the minimum level.
func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// inWhiteList reports whether a session's logger bypasses level filtering.
func (x *GameLogger) inWhiteList(sessionID int) bool {
	wl := x.whiteList.Load()
	if wl == nil {
		return false
	}
	_, ok := (*wl)[sessionID]
	return ok
}

// AddAppender adds a new log appender to the logger. Appenders must be added
// before the logger is shared between goroutines.
//
// Parameters:
//   - appender: The log appender to add to the logger
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the list of appenders currently registered with the logger.
func (x *GameLogger) GetAppender() []LogAppender {
	return x.appenders
}

// Refresh triggers a refresh operation on all registered appenders, flushing
// async queues to disk.
func (x *GameLogger) Refresh() {
	for _, appender := range x.appenders {
		appender.Refresh()
	}
}

// IgnoreCheckLevel determines if log level filtering should be bypassed.
// For GameLogger, this always returns false.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event to every appender and returns it to
// the pool. For Fatal level logs, it triggers a panic after writing.
//
// Parameters:
//   - e: The LogEvent to be written and recycled
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		x.Refresh()
		panic(strings.TrimSpace(e.buf.String()))
	}

	x.eventPool.Put(e)
}

// Debug creates a new debug-level log event, or nil if debug is filtered.
func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel, false, 0)
}

// Info creates a new info-level log event, or nil if info is filtered.
func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel, false, 0)
}

// Warn creates a new warning-level log event, or nil if warn is filtered.
func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel, false, 0)
}

// Error creates a new error-level log event, or nil if error is filtered.
func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel, false, 0)
}

// Fatal creates a new fatal-level log event. Finishing it with Msg panics
// after the line is written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel, false, 0)
}

// getCallerInfo retrieves the file, function and line of the user call.
// Frames: getCallerInfo, log, the level method, then extraSkip wrapper
// frames and the configured callerSkip.
func (x *GameLogger) getCallerInfo(extraSkip int) *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + extraSkip + x.callerSkip)
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep the last two path elements: pkg/file.go
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

// log prepares a new log event with timestamp, level and optional caller
// fields. It handles level filtering and per-file/per-line overrides.
//
// Parameters:
//   - level: The severity level for the log event
//   - force: Skip level filtering (white-listed sessions)
//   - extraSkip: Wrapper frames between the user and the level method
//
// Returns:
//   - A LogEvent ready for additional fields, or nil if filtered
func (x *GameLogger) log(level Level, force bool, extraSkip int) *LogEvent {
	var info *callerInfo
	if !force && !x.checkLevel(level) {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo(extraSkip)
		level = lc.GetLevel(info.file, info.line, level)
		if !x.checkLevel(level) {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo(extraSkip)
		}
		e.Str("caller", info.String())
	}

	return e
}
