package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures New.
type Options struct {
	Level   string    // debug, info, warn or error
	LogFile string    // optional file receiving a copy of every record
	Quiet   bool      // suppress the summary unless something failed
	Output  io.Writer // defaults to stderr
}

// Logger pairs a structured logger with the human-facing summary output.
type Logger struct {
	*slog.Logger
	quiet bool
	out   io.Writer
	file  io.Closer
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing text records to Output and, when set, LogFile.
func New(opts Options) (*Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{quiet: opts.Quiet, out: out}

	writers := []io.Writer{out}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		l.file = f
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	l.Logger = slog.New(handler)

	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Summary holds the totals printed at the end of a run.
type Summary struct {
	Title       string
	Transferred int64
	Skipped     int64
	Deleted     int64
	Errors      int64
	Bytes       int64
	Duration    time.Duration
}

// PrintSummary prints a summary of the operation
func (l *Logger) PrintSummary(s Summary) {
	if l.quiet && s.Errors == 0 {
		return
	}

	title := s.Title
	if title == "" {
		title = "Summary"
	}

	fmt.Fprintln(l.out)
	fmt.Fprintf(l.out, "=== %s ===\n", title)
	fmt.Fprintf(l.out, "Transferred: %d files (%s)\n", s.Transferred, humanize.IBytes(uint64(max(s.Bytes, 0))))
	if s.Skipped > 0 {
		fmt.Fprintf(l.out, "Up to date: %d files\n", s.Skipped)
	}
	fmt.Fprintf(l.out, "Deleted: %d files\n", s.Deleted)
	if s.Errors > 0 {
		fmt.Fprintf(l.out, "Errors: %d\n", s.Errors)
	}
	fmt.Fprintf(l.out, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}
