// Package mplog implements the multi-process aware logger used by the
// trainer.
//
// Every process gets a named logger that writes to a shared console stream
// and to its own per-rank file (`log{rank}.txt`), so concurrent processes
// never contend on the same file descriptor. Loggers are handed out by a
// Registry: repeated requests with identical options return the same
// configured instance, never re-attaching sinks, so a logger requested from
// several places does not produce duplicated lines.
//
// In multi-process mode console output from non-primary processes is
// suppressed (their rank file still records everything). This is a logging
// concern only and never affects control flow.
package mplog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// Level of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name ("INFO", "DEBUG", ...) to a Level.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, errors.Errorf("unknown log level %q", name)
}

// Options identify a logger. Two Get calls with equal Options return the
// same logger.
type Options struct {
	// Name prefixes every record.
	Name string

	// Level below which records are dropped.
	Level Level

	// Color enables the severity-colored console prefixes.
	Color bool

	// MultiProcess suppresses console output on non-primary processes.
	MultiProcess bool

	// OutputFile, if non-empty, is the per-process durable log file.
	OutputFile string
}

// Registry hands out loggers for one process. It owns the keyed cache that
// guarantees single-attach-per-key semantics.
type Registry struct {
	rank      int
	isPrimary bool

	mu      sync.Mutex
	loggers map[Options]*Logger
	console io.Writer
}

// NewRegistry creates the logger registry for a process of the given rank.
func NewRegistry(rank int, isPrimary bool) *Registry {
	return &Registry{
		rank:      rank,
		isPrimary: isPrimary,
		loggers:   make(map[Options]*Logger),
		console:   os.Stdout,
	}
}

// SetConsole redirects the shared console stream. Mostly used by tests.
func (r *Registry) SetConsole(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = w
}

// Get returns the logger for opts, creating it on first use. The call is
// idempotent: the same opts always map to the same instance with exactly one
// console sink and (if OutputFile is set) one file sink.
func (r *Registry) Get(opts Options) (*Logger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger, found := r.loggers[opts]; found {
		return logger, nil
	}
	logger := &Logger{
		opts:      opts,
		rank:      r.rank,
		isPrimary: r.isPrimary,
		console:   r.console,
	}
	if opts.Color {
		logger.renderer = lipgloss.NewRenderer(os.Stdout, termenv.WithProfile(termenv.ColorProfile()))
		logger.prefixStyle = logger.renderer.NewStyle().Foreground(lipgloss.Color("2"))
		logger.warningStyle = logger.renderer.NewStyle().Foreground(lipgloss.Color("1")).Blink(true)
		logger.errorStyle = logger.renderer.NewStyle().Foreground(lipgloss.Color("1")).Blink(true).Underline(true)
	}
	if opts.OutputFile != "" {
		f, err := os.OpenFile(opts.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open log output file %q", opts.OutputFile)
		}
		logger.file = f
	}
	r.loggers[opts] = logger
	return logger, nil
}

// MustGet is Get, panicking on error. Convenient at startup where a logger
// failure is fatal anyway.
func (r *Registry) MustGet(opts Options) *Logger {
	logger, err := r.Get(opts)
	if err != nil {
		panic(err)
	}
	return logger
}

// Close closes every file sink owned by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, logger := range r.loggers {
		if err := logger.closeFile(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger writes structured records to the console and to the per-rank file.
type Logger struct {
	opts      Options
	rank      int
	isPrimary bool

	renderer     *lipgloss.Renderer
	prefixStyle  lipgloss.Style
	warningStyle lipgloss.Style
	errorStyle   lipgloss.Style

	mu      sync.Mutex
	console io.Writer
	file    *os.File
}

const timeFormat = "01/02 15:04:05"

// Rank of the owning process.
func (l *Logger) Rank() int { return l.rank }

// File returns the durable sink, or nil if none was configured or it was
// already closed.
func (l *Logger) File() *os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file
}

// closeFile closes the durable sink under the same lock logf writes under,
// so a record being emitted concurrently never races the close.
func (l *Logger) closeFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warningf(format string, args ...any) {
	l.logf(LevelWarning, format, args...)
}
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.opts.Level {
		return
	}
	now := time.Now().Format(timeFormat)
	msg := fmt.Sprintf(format, args...)
	plain := fmt.Sprintf("[%s %s] %s: %s\n", now, l.opts.Name, level, msg)

	// Each record is emitted with a single Write per sink, so lines from
	// concurrent processes cannot interleave mid-record.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.WriteString(plain)
	}
	if l.opts.MultiProcess && !l.isPrimary {
		return
	}
	_, _ = io.WriteString(l.console, l.consoleLine(level, now, msg))
}

// consoleLine renders the colored console form of a record. Coloring only
// decorates the severity marker and prefix, never the message itself.
func (l *Logger) consoleLine(level Level, now, msg string) string {
	if l.renderer == nil {
		return fmt.Sprintf("[%s %s] %s: %s\n", now, l.opts.Name, level, msg)
	}
	line := l.prefixStyle.Render(fmt.Sprintf("[%s %s]:", now, l.opts.Name)) + " " + msg + "\n"
	switch level {
	case LevelWarning:
		return l.warningStyle.Render("WARNING") + " " + line
	case LevelError:
		return l.errorStyle.Render("ERROR") + " " + line
	}
	return line
}
