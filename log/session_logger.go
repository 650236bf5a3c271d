package log

// SessionLogger tags every line with the session id. Sessions listed in the
// logger's white list log at every level regardless of the minimum level.
type SessionLogger struct {
	*GameLogger
	sessionID int
}

func NewSessionLogger(logger *GameLogger, sessionID int) *SessionLogger {
	return &SessionLogger{GameLogger: logger, sessionID: sessionID}
}

func (x *SessionLogger) SessionID() int {
	return x.sessionID
}

// IgnoreCheckLevel reports whether the session is white-listed.
func (x *SessionLogger) IgnoreCheckLevel() bool {
	return x.GameLogger.inWhiteList(x.sessionID)
}

func (x *SessionLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *SessionLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *SessionLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *SessionLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

func (x *SessionLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

func (x *SessionLogger) log(level Level) *LogEvent {
	return x.GameLogger.log(level, x.IgnoreCheckLevel(), 1).Int("sessionId", x.sessionID)
}
