// Package logger reports per-item progress of a multi-phase operation such
// as hashing a tree, syncing files or publishing a generation.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Item actions reported through ItemProcessed.
const (
	ActionFetch  = "fetch"
	ActionDelete = "delete"
	ActionSkip   = "skip"
	ActionHash   = "hash"
	ActionUpload = "upload"
)

type Logger interface {
	PhaseStart(phase string, totalItems int)
	ItemProcessed(phase string, item string, action string)
	PhaseComplete(phase string, processedItems int)
}

// SlogLogger writes every event as a structured record.
type SlogLogger struct {
	Log *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{Log: l}
}

func (l *SlogLogger) PhaseStart(phase string, totalItems int) {
	l.Log.Info("phase started", "phase", phase, "items", totalItems)
}

func (l *SlogLogger) ItemProcessed(phase string, item string, action string) {
	l.Log.Debug("item processed", "phase", phase, "action", action, "item", item)
}

func (l *SlogLogger) PhaseComplete(phase string, processedItems int) {
	l.Log.Info("phase complete", "phase", phase, "processed", processedItems)
}

type NullLogger struct{}

func (l *NullLogger) PhaseStart(phase string, totalItems int) {}

func (l *NullLogger) ItemProcessed(phase string, item string, action string) {}

func (l *NullLogger) PhaseComplete(phase string, processedItems int) {}

// QuietLogger prints only items that changed something.
type QuietLogger struct {
	mu sync.Mutex
	W  io.Writer
}

func (l *QuietLogger) PhaseStart(phase string, totalItems int) {}

func (l *QuietLogger) ItemProcessed(phase string, item string, action string) {
	if action == ActionSkip || action == ActionHash {
		return
	}
	w := l.W
	if w == nil {
		w = os.Stdout
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(w, "%s: %s\n", action, item)
}

func (l *QuietLogger) PhaseComplete(phase string, processedItems int) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

// Event is one ItemProcessed call captured by a Recorder.
type Event struct {
	Phase  string
	Item   string
	Action string
}

func (r *Recorder) PhaseStart(phase string, totalItems int) {}

func (r *Recorder) ItemProcessed(phase string, item string, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{Phase: phase, Item: item, Action: action})
}

func (r *Recorder) PhaseComplete(phase string, processedItems int) {}

// Actions returns the recorded items for one action, in call order.
func (r *Recorder) Actions(action string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.Events {
		if e.Action == action {
			out = append(out, e.Item)
		}
	}
	return out
}
