package window

import (
	"context"
	"fmt"
	"hash/fnv"
	"os/exec"
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/godbus/dbus/v5"
)

// KWin D-Bus constants
const (
	kwinService   = "org.kde.KWin"
	kwinPath      = "/KWin"
	kwinInterface = "org.kde.KWin"
)

// KWinSource reads the active window on KDE Plasma, Wayland included.
// kdotool names the active window; KWin's getWindowInfo describes it.
type KWinSource struct {
	conn *dbus.Conn

	active func(ctx context.Context) (string, error)
	info   func(ctx context.Context, uuid string) (map[string]dbus.Variant, error)
	exe    func(ctx context.Context, pid int) (string, error)
}

// NewKWinSource connects to the session bus and checks KWin is on it.
func NewKWinSource() (*KWinSource, error) {
	if _, err := exec.LookPath("kdotool"); err != nil {
		return nil, fmt.Errorf("kdotool not found: %w", err)
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to list D-Bus names: %w", err)
	}
	found := false
	for _, name := range names {
		if name == kwinService {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("KWin service not found on D-Bus")
	}

	s := &KWinSource{conn: conn, active: kdotoolActive, exe: ExecutablePath}
	s.info = s.windowInfo
	logger.WithComponent("window").Info().Msg("Connected to KWin D-Bus service")
	return s, nil
}

func (s *KWinSource) Name() string {
	return "kwin"
}

func (s *KWinSource) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *KWinSource) Focused(ctx context.Context) (Focus, error) {
	uuid, err := s.active(ctx)
	if err != nil {
		return Focus{}, err
	}
	props, err := s.info(ctx, uuid)
	if err != nil {
		return Focus{}, fmt.Errorf("window info %s: %w", uuid, err)
	}

	focus := focusFromInfo(uuid, props)
	if focus.PID > 0 {
		if exe, err := s.exe(ctx, focus.PID); err == nil {
			focus.Path = exe
		}
	}
	if focus.Path == "" {
		focus.Path = focus.Class
	}
	return focus, nil
}

func (s *KWinSource) windowInfo(ctx context.Context, uuid string) (map[string]dbus.Variant, error) {
	obj := s.conn.Object(kwinService, kwinPath)
	var result map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, kwinInterface+".getWindowInfo", 0, uuid).Store(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func kdotoolActive(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "kdotool", "getactivewindow").Output()
	if err != nil {
		return "", fmt.Errorf("kdotool getactivewindow failed: %w", err)
	}
	uuid := strings.Trim(strings.TrimSpace(string(out)), "{}")
	if uuid == "" {
		return "", fmt.Errorf("no active window")
	}
	return uuid, nil
}

// focusFromInfo maps a getWindowInfo reply. KWin has no numeric window ids on
// Wayland, so WindowID is a hash of the uuid.
func focusFromInfo(uuid string, props map[string]dbus.Variant) Focus {
	h := fnv.New32a()
	h.Write([]byte(uuid))

	focus := Focus{
		WindowID: h.Sum32(),
		Title:    variantString(props["caption"]),
		Class:    variantString(props["resourceClass"]),
		PID:      variantInt(props["pid"]),
	}
	if focus.Class == "" {
		focus.Class = variantString(props["resourceName"])
	}
	return focus
}

func variantString(v dbus.Variant) string {
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

func variantInt(v dbus.Variant) int {
	switch n := v.Value().(type) {
	case float64:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint32:
		return int(n)
	}
	return 0
}
