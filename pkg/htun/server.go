package htun

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Server is the tunnel server loop: it repeatedly acquires a local endpoint,
// accepts one tunnel client on the shared transport listener, bridges the
// session to completion, tears both halves down, and goes back to waiting.
// At most one session is ever bridging; the next acquisition does not begin
// until the previous session is fully torn down.
//
// The server owns the transport listener for shutdown purposes: the listener
// survives individual sessions and is shut down once, when the server shuts
// down.
type Server struct {
	*asyncobj.Helper
	cfg      *Config
	listener TransportListener

	// acquire is AcquireEndpoint, replaceable under test.
	acquire func(ctx context.Context, lg logger.Logger, ec *EndpointConfig) (LocalEndpoint, error)
}

// NewServer creates a Server over a validated config and an already
// listening transport.
func NewServer(lg logger.Logger, cfg *Config, listener TransportListener) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		listener: listener,
		acquire:  AcquireEndpoint,
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogf("server %v", listener), s)
	s.SetIsActivated()
	return s, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("shutting down transport listener")
	err := s.listener.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Run drives the accept loop until ctx is cancelled or a fatal error
// occurs, then shuts the server down. A nil return is a clean shutdown; a
// non-nil return is fatal (IsFatal is true for errors originating in the
// core) and the process should terminate. Recoverable failures -- a failed
// accept, a session that ends in error -- never escape Run.
func (s *Server) Run(ctx context.Context) error {
	err := s.serve(ctx)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

func (s *Server) serve(ctx context.Context) error {
	s.ILogf("bridging tunnel clients to %v", &s.cfg.Endpoint)

	// Pacing for the one recoverable retry path, so a hot accept error
	// doesn't spin the loop.
	bo := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			s.DLogf("run context cancelled; leaving accept loop")
			return nil
		}

		// Idle: a working local side is the precondition for everything
		// else, so it is acquired before a client is accepted and its
		// failure is fatal.
		local, err := s.acquire(ctx, s.Logger, &s.cfg.Endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return Fatal(err)
		}

		s.DLogf("waiting for tunnel connection")
		tun, err := s.listener.Accept(ctx)
		if err != nil {
			local.Close()
			if ctx.Err() != nil {
				return nil
			}
			if s.listener.IsStartedShutdown() {
				return Fatal(s.Errorf("transport listener shut down: %s", err))
			}
			s.ILogf("couldn't accept tunnel connection: %s", err)
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()
		s.ILogf("connected to %v", tun)

		// Bridging
		bridge := NewSessionBridge(s.Logger, local, tun, s.cfg.Transport.KeepAlive)
		err = bridge.Run()

		// Closing: both halves are torn down exactly once, together. The
		// listener stays up for the next client.
		s.DLogf("closing tunnel session")
		if cerr := local.Close(); cerr != nil {
			s.DLogf("local endpoint close: %s", cerr)
		}
		if cerr := tun.Close(); cerr != nil {
			s.DLogf("tunnel session close: %s", cerr)
		}
		s.ILogf("disconnected from %v", tun)

		if err != nil {
			return err
		}
	}
}
