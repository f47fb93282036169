// Package pause suspends OS processes and stops OS services for the length
// of a monitored session.
package pause

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/shirou/gopsutil/v3/process"
)

// Process is a running process that can be frozen and thawed.
type Process interface {
	SuspendWithContext(ctx context.Context) error
	ResumeWithContext(ctx context.Context) error
}

// Finder returns the running processes called name.
type Finder func(ctx context.Context, name string) ([]Process, error)

// Runner executes a service manager command.
type Runner func(ctx context.Context, name string, args ...string) error

type Option func(*Bracket)

func WithFinder(f Finder) Option { return func(b *Bracket) { b.find = f } }

func WithRunner(r Runner) Option { return func(b *Bracket) { b.run = r } }

// WithPlatform selects the service manager, config.PlatformLinux by default
// on Linux.
func WithPlatform(p string) Option { return func(b *Bracket) { b.platform = p } }

// Bracket pauses the configured processes and services and restores them.
type Bracket struct {
	processes []string
	services  []string
	find      Finder
	run       Runner
	platform  string

	mu        sync.Mutex
	suspended []Process
	stopped   []string
}

func New(processes, services []string, opts ...Option) *Bracket {
	b := &Bracket{
		processes: processes,
		services:  services,
		find:      FindByName,
		run:       runCommand,
		platform:  config.CurrentPlatform(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Active reports whether anything is currently paused.
func (b *Bracket) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.suspended) > 0 || len(b.stopped) > 0
}

// Pause stops services then suspends processes. Every item is attempted;
// the failures are joined.
func (b *Bracket) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := logger.WithComponent("pause")

	var errs []error
	for _, name := range b.services {
		cmd, args := b.serviceCommand("stop", name)
		if err := b.run(ctx, cmd, args...); err != nil {
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		b.stopped = append(b.stopped, name)
		log.Info().Str("service", name).Msg("Service stopped")
	}

	for _, name := range b.processes {
		procs, err := b.find(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("find process %s: %w", name, err))
			continue
		}
		for _, p := range procs {
			if err := p.SuspendWithContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("suspend %s: %w", name, err))
				continue
			}
			b.suspended = append(b.suspended, p)
		}
		log.Info().Str("process", name).Int("count", len(procs)).Msg("Process suspended")
	}
	return errors.Join(errs...)
}

// Resume undoes Pause in reverse order.
func (b *Bracket) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for i := len(b.suspended) - 1; i >= 0; i-- {
		if err := b.suspended[i].ResumeWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resume process: %w", err))
		}
	}
	b.suspended = nil

	for i := len(b.stopped) - 1; i >= 0; i-- {
		name := b.stopped[i]
		cmd, args := b.serviceCommand("start", name)
		if err := b.run(ctx, cmd, args...); err != nil {
			errs = append(errs, fmt.Errorf("start service %s: %w", name, err))
		}
	}
	b.stopped = nil

	if len(errs) == 0 {
		logger.WithComponent("pause").Info().Msg("Paused processes and services restored")
	}
	return errors.Join(errs...)
}

// Run pauses, calls fn, then resumes even when fn fails.
func (b *Bracket) Run(ctx context.Context, fn func(context.Context) error) (err error) {
	if perr := b.Pause(ctx); perr != nil {
		logger.WithComponent("pause").Warn().Err(perr).Msg("Pause incomplete")
	}
	defer func() {
		// restore even when ctx is already cancelled
		if rerr := b.Resume(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

func (b *Bracket) serviceCommand(action, name string) (string, []string) {
	switch b.platform {
	case config.PlatformWindows:
		return "net", []string{action, name}
	case config.PlatformDarwin:
		return "launchctl", []string{action, name}
	default:
		return "systemctl", []string{action, name}
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// FindByName matches running processes by name or executable base name,
// ignoring case.
func FindByName(ctx context.Context, name string) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	var out []Process
	for _, p := range procs {
		if matches(ctx, p, want) {
			out = append(out, p)
		}
	}
	return out, nil
}

func matches(ctx context.Context, p *process.Process, want string) bool {
	if n, err := p.NameWithContext(ctx); err == nil && strings.ToLower(n) == want {
		return true
	}
	if exe, err := p.ExeWithContext(ctx); err == nil && strings.ToLower(filepath.Base(exe)) == want {
		return true
	}
	return false
}
