package log

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

const timeLayout = "2006-01-02 15:04:05.000"

// LogEvent accumulates the fields of one log line as a JSON object. Events
// come from a logger's pool and go back to it when Msg is called.
//
// Every method is safe on a nil *LogEvent, which is what a logger returns for
// a filtered level, so call chains need no level checks.
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{buf: bytes.NewBuffer(make([]byte, 0, 256)), logger: logger}
}

// Reset clears the event for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
	e.level = InfoLevel
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(e.buf, v)
	return e
}

func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
	return e
}

func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	return e.Uint64(k, uint64(v))
}

func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	return e
}

func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Bytes adds a byte slice as a hex string.
func (e *LogEvent) Bytes(k string, v []byte) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.WriteString(hex.EncodeToString(v))
	e.buf.WriteByte('"')
	return e
}

// Time adds a timestamp field. A nil time is written as null.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	if t == nil {
		e.buf.WriteString("null")
		return e
	}
	e.buf.WriteByte('"')
	e.buf.WriteString(t.Format(timeLayout))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	return e.Str(k, d.String())
}

// Err adds the error under "err". A nil error adds nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("err", err.Error())
}

// Any adds v encoded as JSON, or its %v form when it cannot be encoded.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return e.Str(k, fmt.Sprintf("%v", v))
	}
	e.key(k)
	e.buf.Write(data)
	return e
}

// Msg finishes the event with a message and hands it to the logger.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.key("msg")
	appendJSONString(e.buf, msg)
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

const hexDigits = "0123456789abcdef"

func appendJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xF])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
