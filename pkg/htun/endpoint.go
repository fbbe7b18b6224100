package htun

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sammck-go/logger"
)

// LocalEndpoint is the local side of one bridged session: a raw byte stream
// over a device or a forwarded TCP connection. It is exclusively owned by
// the session it was acquired for -- opened at session start, closed exactly
// once at session end, never reused.
type LocalEndpoint interface {
	fmt.Stringer
	io.ReadWriteCloser
}

// deviceEndpoint wraps a local character device opened for read/write.
type deviceEndpoint struct {
	*os.File
	name string
}

func (ep *deviceEndpoint) String() string {
	return ep.name
}

// forwardEndpoint wraps a freshly dialed TCP connection to the forward
// target.
type forwardEndpoint struct {
	net.Conn
	name string
}

func (ep *forwardEndpoint) String() string {
	return ep.name
}

// AcquireEndpoint opens the local endpoint selected by the config and
// returns an exclusively-owned stream for one session. A failure here is
// fatal to the server: without a local side there is nothing to bridge.
// ctx bounds the forward-target dial; device opens are not cancellable.
func AcquireEndpoint(ctx context.Context, lg logger.Logger, ec *EndpointConfig) (LocalEndpoint, error) {
	if ec.IsDevice() {
		f, err := os.OpenFile(ec.DevicePath, os.O_RDWR, 0)
		lg.DLogf("open device %q: err=%v", ec.DevicePath, err)
		if err != nil {
			return nil, Fatal(&DeviceOpenError{Path: ec.DevicePath, Err: err})
		}
		return &deviceEndpoint{File: f, name: fmt.Sprintf("<device %s>", ec.DevicePath)}, nil
	}

	addr := fmt.Sprintf("%s:%d", ec.ForwardHost, ec.ForwardPort)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	lg.DLogf("dial forward target %q: err=%v", addr, err)
	if err != nil {
		return nil, Fatal(&ConnectError{Host: ec.ForwardHost, Port: ec.ForwardPort, Err: err})
	}
	return &forwardEndpoint{Conn: conn, name: fmt.Sprintf("<forward %s>", addr)}, nil
}
