package htun

import (
	"io"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
)

// bridgeBufferSize is the read chunk size for the local endpoint pump.
const bridgeBufferSize = 32 * 1024

// readEvent is one readiness event delivered by a source pump: a non-empty
// chunk of payload, or a terminal error (io.EOF for clean end of stream).
// Never both.
type readEvent struct {
	data []byte
	err  error
}

// SessionBridge runs the multiplex loop for one session: it couples a local
// endpoint to a tunnel transport session until either side closes, injecting
// padding whenever the outbound tunnel channel has been silent for the
// keep-alive interval.
//
// The bridge is a single logical thread of control. One pump goroutine per
// source performs the blocking reads and feeds an event channel; the loop in
// Run is the only place events are consumed and all writes happen there,
// synchronously, before the next wait. When both sources are ready in the
// same wait, the local endpoint is always handled first.
type SessionBridge struct {
	logger.Logger
	local     LocalEndpoint
	tun       TransportSession
	keepAlive time.Duration

	// lastActivity is refreshed forward only: by local-side reads and by
	// padding emissions, never by inbound tunnel traffic. Idleness is
	// judged relative to data flowing into the tunnel, not out of it.
	lastActivity time.Time

	// closed is the shared end-of-session flag set by either half.
	closed   bool
	fatalErr error

	localEvents chan readEvent
	tunEvents   chan readEvent

	// done unblocks the pumps when Run stops consuming events.
	done chan struct{}

	nbToTunnel uint64
	nbToLocal  uint64
	nbPadding  int
}

// NewSessionBridge creates a bridge over an open local endpoint and an
// accepted tunnel session. The bridge borrows both: closing them after Run
// returns is the caller's job, exactly once each.
func NewSessionBridge(lg logger.Logger, local LocalEndpoint, tun TransportSession, keepAlive time.Duration) *SessionBridge {
	return &SessionBridge{
		Logger:      lg.ForkLogf("bridge %v <=> %v", local, tun),
		local:       local,
		tun:         tun,
		keepAlive:   keepAlive,
		localEvents: make(chan readEvent),
		tunEvents:   make(chan readEvent),
		done:        make(chan struct{}),
	}
}

// Run bridges until either side signals closure. A nil return is a normal
// session end (end of stream or transport close on either half); a non-nil
// return is a FatalError from a broken bridge invariant and the caller must
// terminate. Run may be called at most once.
func (sb *SessionBridge) Run() error {
	sb.lastActivity = time.Now()
	go sb.pumpLocal()
	go sb.pumpTunnel()
	defer close(sb.done)

	for !sb.closed {
		localEv, tunEv, timedOut := sb.waitReady()
		if timedOut {
			sb.DLogf("keep-alive deadline elapsed with no traffic; emitting padding")
			if err := sb.tun.SendPadding(1); err != nil {
				sb.DLogf("padding write failed: %s", err)
				sb.closed = true
				break
			}
			sb.nbPadding++
			sb.lastActivity = time.Now()
			continue
		}

		// Both ready events are handled in this iteration, local first;
		// the closed flag is only consulted once both are done.
		if localEv != nil {
			sb.handleLocal(*localEv)
		}
		if tunEv != nil {
			sb.handleTunnel(*tunEv)
		}
	}

	sb.DLogf("bridge finished: %s to tunnel, %s to local, %d padding frames",
		sizestr.ToString(int64(sb.nbToTunnel)), sizestr.ToString(int64(sb.nbToLocal)), sb.nbPadding)
	return sb.fatalErr
}

// waitReady is the single suspension point of the server: a bounded wait for
// readiness on the two sources. The timeout is the time remaining before a
// keep-alive padding write is due, so the loop never oversleeps a padding
// deadline. When one source wakes the wait, the other is polled without
// blocking so that simultaneous readiness surfaces as one result pair.
func (sb *SessionBridge) waitReady() (localEv, tunEv *readEvent, timedOut bool) {
	timeout := sb.keepAlive - time.Since(sb.lastActivity)
	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-sb.localEvents:
		localEv = &ev
		select {
		case ev2 := <-sb.tunEvents:
			tunEv = &ev2
		default:
		}
	case ev := <-sb.tunEvents:
		tunEv = &ev
		select {
		case ev2 := <-sb.localEvents:
			localEv = &ev2
		default:
		}
	case <-timer.C:
		// A timeout only counts if no source is ready: the selection
		// between a fired timer and a ready source is otherwise arbitrary.
		select {
		case ev := <-sb.localEvents:
			localEv = &ev
		default:
		}
		select {
		case ev := <-sb.tunEvents:
			tunEv = &ev
		default:
		}
		timedOut = localEv == nil && tunEv == nil
	}
	return
}

// handleLocal processes one local-side event: payload is framed into the
// tunnel and refreshes the keep-alive clock; end of stream or a read error
// ends the session gracefully.
func (sb *SessionBridge) handleLocal(ev readEvent) {
	if ev.err != nil {
		if IsFatal(ev.err) {
			sb.fatalErr = ev.err
			sb.closed = true
			return
		}
		if ev.err == io.EOF {
			sb.DLogf("local endpoint reached end of stream")
		} else {
			sb.ILogf("local endpoint read failed: %s", ev.err)
		}
		sb.closed = true
		return
	}
	if err := sb.tun.Send(ev.data); err != nil {
		sb.ILogf("tunnel write failed: %s", err)
		sb.closed = true
		return
	}
	sb.nbToTunnel += uint64(len(ev.data))
	sb.lastActivity = time.Now()
}

// handleTunnel processes one tunnel-side event: decoded payload is written
// to the local endpoint, in order; a decode error or remote close ends the
// session gracefully. Inbound traffic does not refresh the keep-alive clock.
func (sb *SessionBridge) handleTunnel(ev readEvent) {
	if ev.err != nil {
		if IsFatal(ev.err) {
			sb.fatalErr = ev.err
			sb.closed = true
			return
		}
		if ev.err == io.EOF {
			sb.DLogf("tunnel closed by remote")
		} else {
			sb.ILogf("tunnel receive failed: %s", ev.err)
		}
		sb.closed = true
		return
	}
	if _, err := sb.local.Write(ev.data); err != nil {
		sb.ILogf("local endpoint write failed: %s", err)
		sb.closed = true
		return
	}
	sb.nbToLocal += uint64(len(ev.data))
}

// deliver hands an event to the bridge loop, giving up if the loop has
// already exited. Returns false if the bridge is done.
func (sb *SessionBridge) deliver(ch chan<- readEvent, ev readEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-sb.done:
		return false
	}
}

func (sb *SessionBridge) pumpLocal() {
	for {
		buf := make([]byte, bridgeBufferSize)
		n, err := sb.local.Read(buf)
		if n < 0 || n > len(buf) {
			sb.deliver(sb.localEvents, readEvent{err: Fatal(sb.Errorf("local endpoint read returned impossible count %d", n))})
			return
		}
		if n > 0 {
			if !sb.deliver(sb.localEvents, readEvent{data: buf[:n]}) {
				return
			}
		}
		if err != nil {
			sb.deliver(sb.localEvents, readEvent{err: err})
			return
		}
		if n == 0 {
			// A zero-count read with no error is a broken Reader; treat
			// it like the wait primitive failing rather than spinning.
			sb.deliver(sb.localEvents, readEvent{err: Fatal(sb.Errorf("local endpoint read returned 0 bytes with no error"))})
			return
		}
	}
}

func (sb *SessionBridge) pumpTunnel() {
	for {
		data, err := sb.tun.Receive()
		if len(data) > 0 {
			if !sb.deliver(sb.tunEvents, readEvent{data: data}) {
				return
			}
		}
		if err != nil {
			sb.deliver(sb.tunEvents, readEvent{err: err})
			return
		}
	}
}
