package htun

import (
	"context"
	"fmt"

	"github.com/sammck-go/asyncobj"
)

// TransportListener is the listening half of a tunnel transport. It is
// created once at startup (a setup failure there is fatal), survives across
// sessions, and is destroyed only at process shutdown. Accept yields one
// TransportSession per attached tunnel client.
type TransportListener interface {
	fmt.Stringer

	// Allows asynchronous shutdown of the listener at process end.
	// After shutdown is started, Accept() completes quickly with an error.
	asyncobj.AsyncShutdowner

	// Close shuts the listener down and waits for completion; repeated
	// calls are allowed and return the same result.
	Close() error

	// IsStartedShutdown reports whether listener shutdown has begun. The
	// server loop uses it to tell a dead listener from a transient accept
	// failure.
	IsStartedShutdown() bool

	// Accept blocks until a tunnel client attaches, ctx is cancelled, or
	// the listener is shut down. An error from Accept is recoverable
	// unless the listener itself has shut down: the server loop logs it
	// and retries. The returned session is exclusively owned by the
	// caller, who must close it exactly once.
	Accept(ctx context.Context) (TransportSession, error)
}

// TransportSession is one attached tunnel client. It owns the HTTP-level
// wire grammar: inbound traffic is decoded to raw payload before it reaches
// the session bridge, and outbound payload is framed and transmitted in
// order. Padding frames are a transport-internal matter -- the bridge asks
// for them, and inbound padding is consumed without ever surfacing.
type TransportSession interface {
	fmt.Stringer

	// Allows asynchronous shutdown of the session.
	asyncobj.AsyncShutdowner

	// Close shuts the session down and waits for completion; repeated
	// calls are allowed and return the same result.
	Close() error

	// Receive blocks until the next decoded inbound payload is available
	// and returns it. It returns io.EOF on a clean remote close (including
	// a transport-enforced max-connection-age close), and a non-EOF error
	// on a decode or transport failure. Padding never surfaces here.
	Receive() ([]byte, error)

	// Send frames p and transmits it. Payloads are transmitted in the
	// order sent, split into blocks no larger than the configured content
	// length.
	Send(p []byte) error

	// SendPadding emits count zero-payload padding frames, fabricated
	// traffic that keeps the transport and any intermediary HTTP proxies
	// from timing the connection out.
	SendPadding(count int) error
}
