package comm

import (
	"github.com/lcx/gamenet/log"
	"github.com/lcx/gamenet/metrics"
)

const metricsGroup = "comm"

// Context carries the shared services a PollerMgr hands to its pollers and
// sessions. It is built once and never replaced.
type Context struct {
	Logger  *log.GameLogger
	Metrics *metrics.Registry
}

// NewContext builds a Context. A nil logger discards everything; a nil
// registry records into a private prometheus registry.
func NewContext(logger *log.GameLogger, reg *metrics.Registry) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.NewRegistry("gamenet", nil)
	}
	return &Context{Logger: logger, Metrics: reg}
}

// sessionLogger returns a logger that tags lines with the session id. White
// listed sessions get one that bypasses level filtering.
func (c *Context) sessionLogger(sessionID int) log.Logger {
	return log.NewSessionLogger(c.Logger, sessionID)
}
