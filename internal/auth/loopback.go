package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/service"
)

const confirmationPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>StreamManager</title></head>
<body><p>Authorization received. You can close this window.</p></body></html>
`

const shutdownGrace = 2 * time.Second

type callback struct {
	code string
	err  error
}

// Loopback is a one-shot HTTP listener on the redirect URI that receives the
// authorization code.
type Loopback struct {
	ln       net.Listener
	srv      *http.Server
	path     string
	state    string
	once     sync.Once
	results  chan callback
	closeErr error
	closed   sync.Once
}

// Listen binds the host and port of redirectURI. The callback must carry
// state in its query.
func Listen(redirectURI, state string) (*Loopback, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri %q: %w", redirectURI, err)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		return nil, fmt.Errorf("redirect uri %q has no port", redirectURI)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%s: %w", host, port, err)
	}

	l := &Loopback{
		ln:      ln,
		path:    u.Path,
		state:   state,
		results: make(chan callback, 1),
	}
	l.srv = &http.Server{
		Handler:           http.HandlerFunc(l.handle),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = l.srv.Serve(ln)
	}()
	return l, nil
}

// Addr returns the bound address.
func (l *Loopback) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Loopback) handle(w http.ResponseWriter, r *http.Request) {
	if l.path != "" && l.path != "/" && r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if l.state != "" && q.Get("state") != l.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	w.Header().Set("Connection", "close")

	if reason := q.Get("error"); reason != "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, confirmationPage)
		flush(w)
		l.deliver(callback{err: fmt.Errorf("authorization denied: %s %s", reason, q.Get("error_description"))})
		return
	}

	// Query() already url-decodes the value
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, confirmationPage)
	flush(w)
	l.deliver(callback{code: code})
}

// flush pushes the confirmation page out before the code is handed over and
// the listener may start closing.
func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (l *Loopback) deliver(cb callback) {
	l.once.Do(func() {
		l.results <- cb
	})
}

// Wait blocks until a code arrives, ctx is done, or timeout elapses. It
// returns service.ErrAuthorizationTimeout on timeout, including a ctx
// deadline.
func (l *Loopback) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cb := <-l.results:
		return cb.code, cb.err
	case <-timer.C:
		return "", service.ErrAuthorizationTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", service.ErrAuthorizationTimeout
		}
		return "", ctx.Err()
	}
}

// Close stops the listener and lets an in-flight callback finish writing,
// dropping connections that are still open after shutdownGrace. Safe to call
// twice.
func (l *Loopback) Close() error {
	l.closed.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			if err := l.srv.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.closeErr = err
			}
		}
		// Serve may not have taken ownership of the listener yet
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}
