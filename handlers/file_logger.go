package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"gcode-proxy/protocol"
	"gcode-proxy/session"
)

// FileLogger is a built-in observer that appends every hook event to a
// dated, per-session log file, fsyncing periodically. Adapted from the
// teacher's PayloadLogger (which logged raw up/down serial bytes) to log
// at the four pipeline hook points instead.
type FileLogger struct {
	NoOp

	file    *os.File
	mu      sync.Mutex
	isDirty bool
	done    chan struct{}
}

// NewFileLogger creates a new dated session log file under logDir, named
// "YYYY-MM-DD-sessN.log", where N is one more than the highest session
// number already present for today (0 if none).
func NewFileLogger(logDir string) *FileLogger {
	fl := &FileLogger{done: make(chan struct{})}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("failed to create log directory", "dir", logDir, "error", err)
		return fl
	}

	name := fl.nextFileName(logDir, time.Now())
	if name == "" {
		slog.Error("failed to determine log file name, continuing without a log file", "dir", logDir)
		return fl
	}

	path := filepath.Join(logDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open log file", "path", path, "error", err)
		return fl
	}
	fl.file = file
	slog.Info("opened pipeline log file", "path", path)

	go fl.flushLoop()
	return fl
}

var sessionFilePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-sess(\d+)\.log$`)

func (fl *FileLogger) nextFileName(logDir string, now time.Time) string {
	today := now.Format("2006-01-02")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return ""
	}
	maxSession := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := sessionFilePattern.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != today {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil && n > maxSession {
			maxSession = n
		}
	}
	return fmt.Sprintf("%s-sess%d.log", today, maxSession+1)
}

func (fl *FileLogger) flushLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fl.mu.Lock()
			if fl.isDirty && fl.file != nil {
				fl.file.Sync()
				fl.isDirty = false
			}
			fl.mu.Unlock()
		case <-fl.done:
			return
		}
	}
}

func (fl *FileLogger) writeLine(format string, args ...any) {
	if fl.file == nil {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	line := fmt.Sprintf("%s %s\n", time.Now().Local().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	if _, err := fl.file.WriteString(line); err != nil {
		slog.Error("failed to write pipeline log line", "error", err)
		return
	}
	fl.isDirty = true
}

func (fl *FileLogger) OnGCodeReceived(line, clientAddr string) string {
	fl.writeLine("recv %s %q", clientAddr, line)
	return line
}

func (fl *FileLogger) OnGCodeSent(line, clientAddr string) {
	fl.writeLine("sent %s %q", clientAddr, line)
}

func (fl *FileLogger) OnResponseReceived(resp protocol.Response, cmd session.Command) protocol.Response {
	fl.writeLine("resp-in seq=%d %s %q", cmd.Seq, resp.Class, resp.Text)
	return resp
}

func (fl *FileLogger) OnResponseSent(resp protocol.Response, clientAddr string) {
	fl.writeLine("resp-out %s %q", clientAddr, resp.Text)
}

// Close flushes and closes the log file. Safe to call once.
func (fl *FileLogger) Close() {
	if fl.file == nil {
		return
	}
	close(fl.done)
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.isDirty {
		fl.file.Sync()
	}
	fl.file.Close()
	fl.file = nil
}
