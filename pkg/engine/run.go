package engine

import "sync"

// State is the lifecycle of the engine's latest run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of the file currently being downloaded. The zero
// value means no download is in progress.
type Progress struct {
	File     string
	Fraction float64
}

// Progress returns the latest snapshot. It is safe to call from any
// goroutine.
func (e *Engine) Progress() Progress {
	return *e.progress.Load()
}

func (e *Engine) setProgress(file string, fraction float64) {
	p := &Progress{File: file, Fraction: fraction}
	e.progress.Store(p)
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(*p)
	}
}

func (e *Engine) resetProgress() {
	e.setProgress("", 0)
}

// Run is a handle on a sync started with Start.
type Run struct {
	ID   string
	Mode Mode

	done chan struct{}
	once sync.Once
	res  *Result
	err  error
}

func newRun(id string, mode Mode) *Run {
	return &Run{ID: id, Mode: mode, done: make(chan struct{})}
}

func (r *Run) complete(res *Result, err error) {
	r.once.Do(func() {
		r.res = res
		r.err = err
		close(r.done)
	})
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes. The result is non-nil even on failure.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.res, r.err
}

// OnComplete calls fn on its own goroutine once the run finishes.
func (r *Run) OnComplete(fn func(*Result, error)) {
	go func() {
		fn(r.Wait())
	}()
}
