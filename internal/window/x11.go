package window

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/streammanager/internal/logger"
)

// X11Source reads the active window through EWMH properties.
type X11Source struct {
	conn *xgb.Conn
	root xproto.Window

	mu    sync.Mutex
	atoms map[string]xproto.Atom

	exe func(ctx context.Context, pid int) (string, error)
}

// NewX11Source connects to the X server named by $DISPLAY.
func NewX11Source() (*X11Source, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	return &X11Source{
		conn:  conn,
		root:  setup.DefaultScreen(conn).Root,
		atoms: map[string]xproto.Atom{},
		exe:   ExecutablePath,
	}, nil
}

func (s *X11Source) Name() string {
	return "x11"
}

func (s *X11Source) Close() error {
	s.conn.Close()
	return nil
}

// Focused returns the window named by _NET_ACTIVE_WINDOW, falling back to
// the input focus on window managers without EWMH.
func (s *X11Source) Focused(ctx context.Context) (Focus, error) {
	win, err := s.activeWindow()
	if err != nil {
		return Focus{}, err
	}

	focus := Focus{WindowID: uint32(win)}
	focus.Title = s.title(win)
	focus.Class = s.class(win)

	if pid, ok := s.pid(win); ok {
		focus.PID = pid
		if exe, err := s.exe(ctx, pid); err == nil {
			focus.Path = exe
		} else {
			logger.WithComponent("window").Debug().Err(err).Int("pid", pid).Msg("Executable lookup failed")
		}
	}
	if focus.Path == "" {
		focus.Path = focus.Class
	}
	return focus, nil
}

func (s *X11Source) activeWindow() (xproto.Window, error) {
	atom, err := s.atom("_NET_ACTIVE_WINDOW")
	if err == nil {
		reply, err := xproto.GetProperty(s.conn, false, s.root, atom, xproto.AtomWindow, 0, 1).Reply()
		if err == nil {
			if id, ok := cardinal(reply.Value); ok && id != 0 {
				return xproto.Window(id), nil
			}
		}
	}

	focus, err := xproto.GetInputFocus(s.conn).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get input focus: %w", err)
	}
	return focus.Focus, nil
}

func (s *X11Source) title(win xproto.Window) string {
	for _, name := range []string{"_NET_WM_NAME", "WM_NAME"} {
		if v, err := s.property(win, name); err == nil && v != "" {
			return v
		}
	}
	return ""
}

func (s *X11Source) class(win xproto.Window) string {
	raw, err := s.property(win, "WM_CLASS")
	if err != nil {
		return ""
	}
	return parseClass(raw)
}

func (s *X11Source) pid(win xproto.Window) (int, bool) {
	atom, err := s.atom("_NET_WM_PID")
	if err != nil {
		return 0, false
	}
	reply, err := xproto.GetProperty(s.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
	if err != nil {
		return 0, false
	}
	v, ok := cardinal(reply.Value)
	return int(v), ok && v != 0
}

// atom interns name once per connection.
func (s *X11Source) atom(name string) (xproto.Atom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(s.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	s.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (s *X11Source) property(win xproto.Window, name string) (string, error) {
	atom, err := s.atom(name)
	if err != nil {
		return "", err
	}
	reply, err := xproto.GetProperty(s.conn, false, win, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property %s", name)
	}
	return string(reply.Value), nil
}

// cardinal decodes the first 32-bit value of a property. X11 sends values in
// the client's byte order, little endian on every supported platform.
func cardinal(value []byte) (uint32, bool) {
	if len(value) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(value[:4]), true
}

// parseClass returns the class part of WM_CLASS ("instance\0class\0"),
// or the instance when the class is empty.
func parseClass(raw string) string {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}
