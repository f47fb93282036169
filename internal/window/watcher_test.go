package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu     sync.Mutex
	focus  Focus
	err    error
	polls  int
	closed bool
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Focused(context.Context) (Focus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.focus, f.err
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSource) set(focus Focus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focus, f.err = focus, err
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) onFocus(_ context.Context, focus Focus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, focus.Path)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatcherReportsEveryPoll(t *testing.T) {
	src := &fakeSource{focus: Focus{Path: "/usr/bin/chess"}}
	rec := &recorder{}
	w := NewWatcher(src, 10*time.Millisecond, rec.onFocus)

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// an unchanged window is still reported so callers can re-dispatch
	waitFor(t, func() bool { return len(rec.seen()) >= 3 })
	for _, path := range rec.seen() {
		if path != "/usr/bin/chess" {
			t.Fatalf("reported = %v", rec.seen())
		}
	}

	src.set(Focus{Path: "/usr/bin/editor"}, nil)
	waitFor(t, func() bool {
		seen := rec.seen()
		return seen[len(seen)-1] == "/usr/bin/editor"
	})
	if w.Current().Path != "/usr/bin/editor" {
		t.Fatalf("current = %+v", w.Current())
	}
}

func TestWatcherSurvivesErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("display gone")}
	rec := &recorder{}
	w := NewWatcher(src, 10*time.Millisecond, rec.onFocus)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitFor(t, func() bool { return src.pollCount() >= 2 })
	if len(rec.seen()) != 0 {
		t.Fatalf("reported during errors = %v", rec.seen())
	}
	src.set(Focus{Path: "/usr/bin/chess"}, nil)
	waitFor(t, func() bool { return len(rec.seen()) >= 1 })
}

func TestWatcherStartStop(t *testing.T) {
	src := &fakeSource{}
	w := NewWatcher(src, time.Hour, nil)

	if w.Running() {
		t.Fatal("running before start")
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v", err)
	}
	w.Stop()
	if w.Running() {
		t.Fatal("running after stop")
	}
	w.Stop()

	// restartable
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
}

func TestEmptyPathIsIgnored(t *testing.T) {
	src := &fakeSource{focus: Focus{WindowID: 7}}
	rec := &recorder{}
	w := NewWatcher(src, 10*time.Millisecond, rec.onFocus)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return src.pollCount() >= 2 })
	w.Stop()
	if got := rec.seen(); len(got) != 0 {
		t.Fatalf("changes = %v", got)
	}
}
