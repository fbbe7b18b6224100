package htws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htun/pkg/htun"
)

// session is one attached tunnel client, implementing htun.TransportSession
// over a websocket connection. A reader goroutine decodes inbound frames:
// data payloads are handed to Receive, padding is consumed silently, and a
// close frame (or clean websocket close) surfaces as io.EOF.
//
// Max connection age is enforced here, not in the bridge: when the age limit
// expires the session shuts itself down cleanly and the bridge observes an
// ordinary remote close.
type session struct {
	*asyncobj.Helper
	conn *websocket.Conn
	cfg  htun.TransportConfig
	name string

	// writeMu serializes frame writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	// inbound carries decoded data payloads to Receive. The reader
	// goroutine is its only sender and closes it on exit, after recording
	// the terminal error in recvErr.
	inbound      chan []byte
	recvErr      error
	recvFinished bool

	// done is closed at shutdown; it unblocks pending sends and Receives.
	done chan struct{}

	ageTimer *time.Timer

	// release frees the listener's single-client slot; called once at
	// shutdown.
	release func()
}

func newSession(lg logger.Logger, conn *websocket.Conn, cfg htun.TransportConfig, release func()) *session {
	s := &session{
		conn:    conn,
		cfg:     cfg,
		name:    fmt.Sprintf("<tunnel client %v>", conn.RemoteAddr()),
		inbound: make(chan []byte),
		done:    make(chan struct{}),
		release: release,
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogStr(s.name), s)
	s.SetIsActivated()
	// Well-behaved peers never send a block larger than the content length;
	// anything bigger is aborted before it is buffered whole.
	conn.SetReadLimit(int64(cfg.ContentLength))
	if cfg.MaxConnectionAge > 0 {
		s.ageTimer = time.AfterFunc(cfg.MaxConnectionAge, s.expireAge)
	}
	go s.readLoop()
	return s
}

func (s *session) String() string {
	return s.name
}

// Receive implements htun.TransportSession.
func (s *session) Receive() ([]byte, error) {
	select {
	case data, ok := <-s.inbound:
		if !ok {
			return nil, s.terminalRecvErr()
		}
		return data, nil
	case <-s.done:
		return nil, s.terminalRecvErr()
	}
}

func (s *session) terminalRecvErr() error {
	s.Lock.Lock()
	err := s.recvErr
	s.Lock.Unlock()
	if err == nil {
		err = io.EOF
	}
	return err
}

// setRecvErr records the terminal Receive error. First caller wins.
func (s *session) setRecvErr(err error) {
	s.Lock.Lock()
	if !s.recvFinished {
		s.recvFinished = true
		s.recvErr = err
	}
	s.Lock.Unlock()
}

// Send implements htun.TransportSession. Payloads larger than one content
// block are split and transmitted in order.
func (s *session) Send(p []byte) error {
	maxPayload := s.cfg.ContentLength - frameHeaderLen
	if maxPayload > maxFramePayload {
		maxPayload = maxFramePayload
	}
	for len(p) > 0 {
		n := len(p)
		if n > maxPayload {
			n = maxPayload
		}
		block, err := encodeFrame(opData, p[:n], s.cfg.ContentLength, s.cfg.StrictContentLength)
		if err != nil {
			return err
		}
		if err := s.writeBlock(block); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// SendPadding implements htun.TransportSession. Padding frames are header
// only, never filled to the content length.
func (s *session) SendPadding(count int) error {
	block, err := encodeFrame(opPadding, nil, s.cfg.ContentLength, false)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := s.writeBlock(block); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) writeBlock(block []byte) error {
	if err := s.DeferShutdown(); err != nil {
		return err
	}
	defer s.UndeferShutdown()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, block)
}

func (s *session) readLoop() {
	defer close(s.inbound)
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.setRecvErr(recvErrFor(err))
			return
		}
		if mt != websocket.BinaryMessage {
			s.DLogf("ignoring non-binary websocket message type %d", mt)
			continue
		}
		op, payload, err := decodeFrame(msg)
		if err != nil {
			s.setRecvErr(s.DLogErrorf("inbound frame decode failed: %s", err))
			return
		}
		switch op {
		case opData:
			if len(payload) == 0 {
				continue
			}
			select {
			case s.inbound <- payload:
			case <-s.done:
				return
			}
		case opPadding:
			s.TLogf("consumed inbound padding frame")
		case opClose:
			s.DLogf("remote sent close frame")
			s.setRecvErr(io.EOF)
			return
		default:
			s.setRecvErr(s.DLogErrorf("unknown inbound frame opcode 0x%02x", op))
			return
		}
	}
}

// recvErrFor maps websocket read errors to the Receive contract: a clean
// close, or a teardown we initiated ourselves, is plain end of stream.
func recvErrFor(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

// expireAge fires when the connection reaches its maximum age. The session
// records a clean end of stream and shuts down; the close announcement to
// the peer happens in the shutdown handler.
func (s *session) expireAge() {
	s.ILogf("connection reached maximum age %v; closing", s.cfg.MaxConnectionAge)
	s.setRecvErr(io.EOF)
	s.StartShutdown(nil)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *session) HandleOnceShutdown(completionErr error) error {
	if s.ageTimer != nil {
		s.ageTimer.Stop()
	}
	close(s.done)

	// Best-effort clean close announcement before tearing the socket down.
	s.writeMu.Lock()
	if block, err := encodeFrame(opClose, nil, s.cfg.ContentLength, false); err == nil {
		s.conn.WriteMessage(websocket.BinaryMessage, block)
	}
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := s.conn.Close()
	s.writeMu.Unlock()

	if s.release != nil {
		s.release()
	}

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
