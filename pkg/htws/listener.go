// Package htws carries the tunnel byte stream over websocket connections.
// It implements the htun transport collaborator contract: an HTTP listener
// that upgrades one client at a time at /tunnel, and a session that frames
// raw payload, padding, and close events into websocket binary messages.
package htws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htun/pkg/htun"
)

// TunnelPath is the upgrade endpoint tunnel clients connect to.
const TunnelPath = "/tunnel"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener implements htun.TransportListener over an HTTP server. The
// server loop is single-session, so the listener admits one client at a
// time: while a session is pending or active, further upgrade requests are
// refused with 503.
type Listener struct {
	*asyncobj.Helper
	cfg        htun.TransportConfig
	nl         net.Listener
	httpServer *http.Server
	name       string

	// newSessions hands upgraded sessions to Accept. Unbuffered, so at
	// most one session is created ahead of the accept loop.
	newSessions chan *session

	// busy is the single-client slot: set at upgrade, cleared when the
	// session shuts down.
	busy int32

	// done is closed at shutdown to unblock handlers and Accept callers.
	done chan struct{}
}

// NewListener validates the transport config, binds the listen address, and
// starts serving upgrade requests. A failure here is a startup error the
// caller treats as fatal; once NewListener returns, accept failures are
// per-client and recoverable.
func NewListener(lg logger.Logger, addr string, cfg htun.TransportConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't listen on %s: %s", addr, err)
	}
	l := &Listener{
		cfg:         cfg,
		nl:          nl,
		name:        fmt.Sprintf("<htws %v>", nl.Addr()),
		newSessions: make(chan *session),
		done:        make(chan struct{}),
	}
	l.Helper = asyncobj.NewHelper(lg.ForkLogStr(l.name), l)

	mux := http.NewServeMux()
	mux.HandleFunc(TunnelPath, l.handleTunnel)
	h := http.Handler(mux)
	if l.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	l.httpServer = &http.Server{Handler: h}

	l.SetIsActivated()
	go func() {
		serr := l.httpServer.Serve(nl)
		if serr != nil && serr != http.ErrServerClosed {
			l.StartShutdown(serr)
		}
	}()
	l.DLogf("listening for tunnel connections")
	return l, nil
}

func (l *Listener) String() string {
	return l.name
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr {
	return l.nl.Addr()
}

// Accept implements htun.TransportListener.
func (l *Listener) Accept(ctx context.Context) (htun.TransportSession, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, l.Errorf("listener is shut down")
	case sess := <-l.newSessions:
		l.DLogf("accepted %v", sess)
		return sess, nil
	}
}

func (l *Listener) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !atomic.CompareAndSwapInt32(&l.busy, 0, 1) {
		l.DLogf("refusing tunnel client %s: a session is already active", r.RemoteAddr)
		http.Error(w, "tunnel busy", http.StatusServiceUnavailable)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.StoreInt32(&l.busy, 0)
		l.DLogf("websocket upgrade failed for %s: %s", r.RemoteAddr, err)
		return
	}
	sess := newSession(l.Logger, wsConn, l.cfg, func() { atomic.StoreInt32(&l.busy, 0) })
	select {
	case l.newSessions <- sess:
	case <-l.done:
		sess.Close()
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	close(l.done)
	err := l.httpServer.Close()

	// Abandon any session upgraded but never accepted.
	select {
	case sess := <-l.newSessions:
		sess.Close()
	default:
	}

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
