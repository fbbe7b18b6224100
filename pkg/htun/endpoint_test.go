package htun

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireForwardEndpoint(t *testing.T) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen returned error: %s", err)
	}
	defer nl.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := nl.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	port := nl.Addr().(*net.TCPAddr).Port
	ec := &EndpointConfig{ForwardHost: "127.0.0.1", ForwardPort: port}
	ep, err := AcquireEndpoint(context.Background(), testLogger(t), ec)
	if err != nil {
		t.Fatalf("AcquireEndpoint returned error: %s", err)
	}
	defer ep.Close()

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("forward target never saw the connection")
	}
	defer peer.Close()

	if _, err := ep.Write([]byte("out")); err != nil {
		t.Fatalf("endpoint write failed: %s", err)
	}
	buf := make([]byte, 8)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := peer.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("out")) {
		t.Errorf("forward target read %q (err=%v), want %q", buf[:n], err, "out")
	}

	if !strings.Contains(ep.String(), "forward") {
		t.Errorf("endpoint name %q does not identify the forward variant", ep.String())
	}
}

func TestAcquireForwardEndpointConnectErrorIsFatal(t *testing.T) {
	// Bind a port and close it so the dial is refused.
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen returned error: %s", err)
	}
	port := nl.Addr().(*net.TCPAddr).Port
	nl.Close()

	ec := &EndpointConfig{ForwardHost: "127.0.0.1", ForwardPort: port}
	_, err = AcquireEndpoint(context.Background(), testLogger(t), ec)
	if err == nil {
		t.Fatal("AcquireEndpoint succeeded against a closed port")
	}
	if !IsFatal(err) {
		t.Errorf("connect failure not classified fatal: %v", err)
	}
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("error does not carry ConnectError: %v", err)
	}
	if cerr.Host != "127.0.0.1" || cerr.Port != port {
		t.Errorf("ConnectError carries %s:%d, want 127.0.0.1:%d", cerr.Host, cerr.Port, port)
	}
	if cerr.Err == nil {
		t.Error("ConnectError does not carry the underlying OS error")
	}
}

func TestAcquireDeviceEndpointOpenErrorIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-device")
	ec := &EndpointConfig{DevicePath: path}
	_, err := AcquireEndpoint(context.Background(), testLogger(t), ec)
	if err == nil {
		t.Fatal("AcquireEndpoint succeeded on a missing device")
	}
	if !IsFatal(err) {
		t.Errorf("device open failure not classified fatal: %v", err)
	}
	var derr *DeviceOpenError
	if !errors.As(err, &derr) {
		t.Fatalf("error does not carry DeviceOpenError: %v", err)
	}
	if derr.Path != path {
		t.Errorf("DeviceOpenError carries path %q, want %q", derr.Path, path)
	}
}
