package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogAppender is an output destination for finished log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes whatever the appender has queued.
	Refresh()
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

func (c *ConsoleAppender) Refresh() {}

const defaultAsyncCacheSize = 1024

// FileAppender writes to a file, rotating it once it grows past FileSplitMB.
// In async mode lines are copied into a bounded queue drained by a writer
// goroutine; Refresh blocks until everything queued before it is on disk.
type FileAppender struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	splitBytes int64

	async   bool
	lines   chan []byte
	flushes chan chan struct{}
}

// NewFileAppender opens cfg.LogPath for appending, creating parent
// directories. Open failures are reported on stderr and the appender drops
// lines until the next rotation succeeds.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	fa := &FileAppender{
		path:       cfg.LogPath,
		splitBytes: int64(cfg.FileSplitMB) << 20,
		async:      cfg.IsAsync,
	}
	if err := fa.open(); err != nil {
		fmt.Fprintf(os.Stderr, "log: open %s failed: %v\n", fa.path, err)
	}

	if fa.async {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = defaultAsyncCacheSize
		}
		fa.lines = make(chan []byte, size)
		fa.flushes = make(chan chan struct{})
		go fa.run()
	}
	return fa
}

func (fa *FileAppender) open() error {
	if dir := filepath.Dir(fa.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(fa.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	fa.file, fa.size = f, info.Size()
	return nil
}

// Write queues (async) or writes (sync) one line. p is not retained.
func (fa *FileAppender) Write(p []byte) (int, error) {
	if !fa.async {
		return fa.writeLine(p)
	}
	fa.lines <- append([]byte(nil), p...)
	return len(p), nil
}

func (fa *FileAppender) writeLine(p []byte) (int, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.splitBytes > 0 && fa.size > 0 && fa.size+int64(len(p)) > fa.splitBytes {
		fa.rotate()
	}
	if fa.file == nil {
		return 0, os.ErrClosed
	}
	n, err := fa.file.Write(p)
	fa.size += int64(n)
	return n, err
}

// rotate renames the current file aside with a timestamp suffix and reopens.
func (fa *FileAppender) rotate() {
	if fa.file != nil {
		_ = fa.file.Close()
		fa.file = nil
	}
	stamp := time.Now().Format("20060102-150405")
	for i := 0; ; i++ {
		target := fmt.Sprintf("%s.%s.%d", fa.path, stamp, i)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			_ = os.Rename(fa.path, target)
			break
		}
	}
	if err := fa.open(); err != nil {
		fmt.Fprintf(os.Stderr, "log: reopen %s failed: %v\n", fa.path, err)
	}
}

func (fa *FileAppender) run() {
	for {
		select {
		case line := <-fa.lines:
			_, _ = fa.writeLine(line)
		case done := <-fa.flushes:
			for n := len(fa.lines); n > 0; n-- {
				_, _ = fa.writeLine(<-fa.lines)
			}
			close(done)
		}
	}
}

// Refresh flushes the async queue and syncs the file.
func (fa *FileAppender) Refresh() {
	if fa.async {
		done := make(chan struct{})
		fa.flushes <- done
		<-done
	}
	fa.mu.Lock()
	if fa.file != nil {
		_ = fa.file.Sync()
	}
	fa.mu.Unlock()
}
