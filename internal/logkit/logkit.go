// Package logkit provides the scheduler's logging collaborator: structured
// slog output into a rotating global log file, per-channel log files keyed by
// segment name, and an aggregator for kernel and connection statistics that
// is flushed into the log on every rotation and at shutdown.
package logkit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger owns the log directory. All file state is guarded by mu; the slog
// front-ends write through indirection writers so rotation can swap files
// underneath long-lived per-channel loggers.
type Logger struct {
	mu           sync.Mutex
	dir          string
	suffix       string
	globalFile   *os.File
	channelFiles map[string]*os.File
	global       *slog.Logger
	channels     map[string]*slog.Logger

	statsMu     sync.Mutex
	kernelStats map[string]int64
	connStats   map[string]int64

	sessions atomic.Int64
}

// New creates the log directory if needed and opens the first global log
// file. A directory failure is not fatal: the logger stays usable and writes
// go to stderr until rotation succeeds.
func New(dir string) (*Logger, error) {
	l := &Logger{
		dir:          dir,
		channelFiles: make(map[string]*os.File),
		channels:     make(map[string]*slog.Logger),
		kernelStats:  make(map[string]int64),
		connStats:    make(map[string]int64),
	}
	l.global = slog.New(slog.NewTextHandler(&globalWriter{l: l}, nil))

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return l, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	if err := l.Rotate(); err != nil {
		return l, err
	}
	return l, nil
}

// Global returns the logger for server-wide events.
func (l *Logger) Global() *slog.Logger { return l.global }

// ForChannel returns a logger whose records land in the channel's own log
// file as well as the global one. key is conventionally the channel's segment
// name.
func (l *Logger) ForChannel(key string) *slog.Logger {
	k := sanitizeKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.channels[k]; ok {
		return lg
	}
	lg := slog.New(slog.NewTextHandler(&channelWriter{l: l, key: k}, nil))
	l.channels[k] = lg
	return lg
}

// Rotate flushes the statistics, closes every open log file and starts a
// fresh timestamped global file. Channel files reopen lazily on next write.
func (l *Logger) Rotate() error {
	l.flushStats()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFilesLocked()
	l.suffix = time.Now().Format("2006-01-02_15-04-05")
	f, err := os.OpenFile(filepath.Join(l.dir, l.suffix+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	l.globalFile = f
	return nil
}

// Close flushes the statistics and closes all files.
func (l *Logger) Close() error {
	l.flushStats()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFilesLocked()
	return nil
}

// rotateEverySessions bounds how many client sessions share one log window.
const rotateEverySessions = 100

// NextSession returns a process-wide monotonically increasing session id and
// rotates the log at session-count boundaries.
func (l *Logger) NextSession() int64 {
	n := l.sessions.Add(1)
	if n%rotateEverySessions == 0 {
		l.Rotate()
	}
	return n
}

// RecordKernel counts one admission request for the kernel type.
func (l *Logger) RecordKernel(kernelType string) {
	l.statsMu.Lock()
	l.kernelStats[kernelType]++
	l.statsMu.Unlock()
}

// RecordConnection counts one session for the client key.
func (l *Logger) RecordConnection(clientKey string) {
	l.statsMu.Lock()
	l.connStats[clientKey]++
	l.statsMu.Unlock()
}

// flushStats writes the aggregated counters into the global log and resets
// them for the next window.
func (l *Logger) flushStats() {
	l.statsMu.Lock()
	kernels := l.kernelStats
	conns := l.connStats
	l.kernelStats = make(map[string]int64)
	l.connStats = make(map[string]int64)
	l.statsMu.Unlock()

	if len(kernels) == 0 && len(conns) == 0 {
		return
	}
	for kt, n := range kernels {
		l.global.Info("kernel stats", "kernel_type", kt, "count", n)
	}
	for ck, n := range conns {
		l.global.Info("connection stats", "client", ck, "count", n)
	}
}

func (l *Logger) closeFilesLocked() {
	if l.globalFile != nil {
		l.globalFile.Close()
		l.globalFile = nil
	}
	for k, f := range l.channelFiles {
		f.Close()
		delete(l.channelFiles, k)
	}
}

// channelFileLocked lazily opens the channel's log file for the current
// rotation window. mu must be held.
func (l *Logger) channelFileLocked(key string) *os.File {
	if f, ok := l.channelFiles[key]; ok {
		return f
	}
	if l.suffix == "" {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(l.dir, l.suffix+"_"+key+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	l.channelFiles[key] = f
	return f
}

type globalWriter struct {
	l *Logger
}

func (w *globalWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.l.globalFile == nil {
		return os.Stderr.Write(p)
	}
	return w.l.globalFile.Write(p)
}

type channelWriter struct {
	l   *Logger
	key string
}

func (w *channelWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if f := w.l.channelFileLocked(w.key); f != nil {
		f.Write(p)
	}
	if w.l.globalFile == nil {
		return os.Stderr.Write(p)
	}
	return w.l.globalFile.Write(p)
}

// sanitizeKey makes a segment name usable as a file name component.
func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
