package window

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/logger"
)

// ErrAlreadyRunning is returned by Start on a running watcher.
var ErrAlreadyRunning = errors.New("watcher already running")

// FocusFunc receives the foreground window after every successful poll.
// Callers dedupe on their own key.
type FocusFunc func(ctx context.Context, focus Focus)

// Watcher polls a Source at a fixed interval and hands every observed
// foreground executable to its callback. A failed poll is logged and the
// loop continues.
type Watcher struct {
	source   Source
	interval time.Duration
	onFocus  FocusFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	current Focus
}

// NewWatcher builds a stopped watcher.
func NewWatcher(source Source, interval time.Duration, onFocus FocusFunc) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{source: source, interval: interval, onFocus: onFocus}
}

// Start runs the poll loop until Stop or ctx is done. The first poll happens
// immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.current = Focus{}
	go w.loop(ctx, w.done)

	logger.WithComponent("window").Info().
		Str("source", w.source.Name()).
		Dur("interval", w.interval).
		Msg("Focus watcher started")
	return nil
}

// Stop ends the poll loop and waits for the current poll to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.WithComponent("window").Info().Msg("Focus watcher stopped")
}

// Running reports whether the loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Current returns the last observed foreground window.
func (w *Watcher) Current() Focus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	focus, err := w.source.Focused(ctx)
	if err != nil {
		logger.WithComponent("window").Warn().Err(err).Msg("Failed to read focused window")
		return
	}

	w.mu.Lock()
	changed := focus.Path != w.current.Path
	w.current = focus
	w.mu.Unlock()

	if focus.Path == "" {
		return
	}
	if changed {
		logger.WithComponent("window").Debug().
			Str("path", focus.Path).
			Str("title", focus.Title).
			Int("pid", focus.PID).
			Msg("Foreground application changed")
	}
	if w.onFocus != nil {
		w.onFocus(ctx, focus)
	}
}
