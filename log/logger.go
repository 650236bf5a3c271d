package log

// Logger is implemented by GameLogger and SessionLogger. Components take a
// Logger at construction; there is no package-level default.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var (
	_ Logger = (*GameLogger)(nil)
	_ Logger = (*SessionLogger)(nil)
)
