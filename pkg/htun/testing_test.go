package htun

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testChunk is one scripted read result: payload or a terminal error.
type testChunk struct {
	data []byte
	err  error
}

// testEndpoint is a scriptable LocalEndpoint. Reads are fed through the
// reads channel; writes and close counts are recorded for assertions.
type testEndpoint struct {
	name  string
	reads chan testChunk
	quit  chan struct{}

	mu      sync.Mutex
	written []byte
	closes  int
}

func newTestEndpoint(name string) *testEndpoint {
	return &testEndpoint{
		name:  name,
		reads: make(chan testChunk, 16),
		quit:  make(chan struct{}),
	}
}

func (ep *testEndpoint) String() string {
	return ep.name
}

func (ep *testEndpoint) Read(p []byte) (int, error) {
	select {
	case c := <-ep.reads:
		if c.err != nil {
			return 0, c.err
		}
		return copy(p, c.data), nil
	case <-ep.quit:
		return 0, io.EOF
	}
}

func (ep *testEndpoint) Write(p []byte) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.written = append(ep.written, p...)
	return len(p), nil
}

func (ep *testEndpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.closes++
	if ep.closes == 1 {
		close(ep.quit)
	}
	return nil
}

func (ep *testEndpoint) closeCount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closes
}

func (ep *testEndpoint) writtenBytes() []byte {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]byte(nil), ep.written...)
}

// testTransport is a scriptable TransportSession built on asyncobj.Helper
// like the real ones. Inbound traffic is fed through recvs; sent payloads
// and padding emissions (with timestamps) are recorded.
type testTransport struct {
	*asyncobj.Helper
	name  string
	recvs chan testChunk
	quit  chan struct{}

	sendErr    error
	paddingErr error

	mu           sync.Mutex
	sent         []byte
	paddings     int
	paddingTimes []time.Time
}

func newTestTransport(t *testing.T, lg logger.Logger, name string) *testTransport {
	tt := &testTransport{
		name:  name,
		recvs: make(chan testChunk, 16),
		quit:  make(chan struct{}),
	}
	tt.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), tt)
	tt.SetIsActivated()
	return tt
}

func (tt *testTransport) String() string {
	return tt.name
}

func (tt *testTransport) HandleOnceShutdown(completionErr error) error {
	close(tt.quit)
	return completionErr
}

func (tt *testTransport) Receive() ([]byte, error) {
	select {
	case c := <-tt.recvs:
		if c.err != nil {
			return nil, c.err
		}
		return c.data, nil
	case <-tt.quit:
		return nil, io.EOF
	}
}

func (tt *testTransport) Send(p []byte) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.sendErr != nil {
		return tt.sendErr
	}
	tt.sent = append(tt.sent, p...)
	return nil
}

func (tt *testTransport) SendPadding(count int) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.paddingErr != nil {
		return tt.paddingErr
	}
	tt.paddings += count
	for i := 0; i < count; i++ {
		tt.paddingTimes = append(tt.paddingTimes, time.Now())
	}
	return nil
}

func (tt *testTransport) sentBytes() []byte {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]byte(nil), tt.sent...)
}

func (tt *testTransport) paddingCount() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.paddings
}

func (tt *testTransport) lastPaddingTime() time.Time {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if len(tt.paddingTimes) == 0 {
		return time.Time{}
	}
	return tt.paddingTimes[len(tt.paddingTimes)-1]
}

// acceptResult is one scripted outcome of testListener.Accept.
type acceptResult struct {
	sess TransportSession
	err  error
}

// testListener is a scriptable TransportListener.
type testListener struct {
	*asyncobj.Helper
	name    string
	results chan acceptResult
	quit    chan struct{}
	accepts int32
}

func newTestListener(t *testing.T, lg logger.Logger) *testListener {
	l := &testListener{
		name:    "<test listener>",
		results: make(chan acceptResult, 16),
		quit:    make(chan struct{}),
	}
	l.Helper = asyncobj.NewHelper(lg.ForkLogStr(l.name), l)
	l.SetIsActivated()
	return l
}

func (l *testListener) String() string {
	return l.name
}

func (l *testListener) HandleOnceShutdown(completionErr error) error {
	close(l.quit)
	return completionErr
}

func (l *testListener) Accept(ctx context.Context) (TransportSession, error) {
	atomic.AddInt32(&l.accepts, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.quit:
		return nil, l.Errorf("listener is shut down")
	case r := <-l.results:
		return r.sess, r.err
	}
}

func (l *testListener) acceptCount() int {
	return int(atomic.LoadInt32(&l.accepts))
}

func testConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{ForwardHost: "127.0.0.1", ForwardPort: 9}, // not dialed; acquire is faked
		Transport: TransportConfig{
			ContentLength: DefaultContentLength,
			KeepAlive:     100 * time.Millisecond,
		},
	}
}
