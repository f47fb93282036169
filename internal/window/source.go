// Package window reports the foreground application and watches it for
// changes.
package window

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/shirou/gopsutil/v3/process"
)

// Focus describes the foreground window.
type Focus struct {
	WindowID uint32 `json:"window_id"`
	PID      int    `json:"pid"`
	Title    string `json:"title"`
	Class    string `json:"class"`
	// Path is the executable of the owning process, or the window class
	// when the process cannot be inspected
	Path string `json:"path"`
}

// Source supplies the current foreground window on demand.
type Source interface {
	Name() string
	Focused(ctx context.Context) (Focus, error)
	Close() error
}

// ExecutablePath returns the executable path of pid.
func ExecutablePath(ctx context.Context, pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil || exe == "" {
		// some platforms only expose the name
		name, nameErr := p.NameWithContext(ctx)
		if nameErr != nil {
			return "", fmt.Errorf("process %d executable: %w", pid, err)
		}
		return name, nil
	}
	return exe, nil
}

// Detect opens the focus source for the running desktop: KWin on a Plasma
// Wayland session when available, X11 otherwise.
func Detect() (Source, error) {
	if os.Getenv("WAYLAND_DISPLAY") != "" && strings.Contains(strings.ToUpper(os.Getenv("XDG_CURRENT_DESKTOP")), "KDE") {
		src, err := NewKWinSource()
		if err == nil {
			return src, nil
		}
		logger.WithComponent("window").Warn().Err(err).Msg("KWin source unavailable, trying X11")
	}
	src, err := NewX11Source()
	if err != nil {
		return nil, err
	}
	return src, nil
}
