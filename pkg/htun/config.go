package htun

import (
	"fmt"
	"time"
)

const (
	// DefaultPort is the port the server listens on when none is given.
	DefaultPort = 8888

	// DefaultContentLength is the default framing block size for transports
	// that carve the stream into fixed-size content blocks.
	DefaultContentLength = 100 * 1024

	// DefaultKeepAlive is the default interval after which padding is
	// emitted on an idle tunnel.
	DefaultKeepAlive = 5 * time.Second

	// DefaultMaxConnectionAge is the default limit on the age of a single
	// tunnel connection. Transports force a clean close when it is reached.
	DefaultMaxConnectionAge = 300 * time.Second
)

// EndpointConfig selects the local endpoint a session is bridged to. Exactly
// one of the two variants must be populated: a character device path, or a
// forward target host and port. The CLI layer validates mutual exclusivity
// before the server starts; the core assumes it.
type EndpointConfig struct {
	// DevicePath is the path of a local device to open for read/write.
	// Empty if the forward variant is selected.
	DevicePath string

	// ForwardHost and ForwardPort name the TCP service to dial for each
	// session. ForwardPort is 0 if the device variant is selected.
	ForwardHost string
	ForwardPort int
}

// IsDevice returns true if the device variant is selected.
func (ec *EndpointConfig) IsDevice() bool {
	return ec.DevicePath != ""
}

// Validate checks that exactly one endpoint variant is selected.
func (ec *EndpointConfig) Validate() error {
	if ec.IsDevice() {
		if ec.ForwardHost != "" || ec.ForwardPort != 0 {
			return fmt.Errorf("endpoint config: device and forward target are mutually exclusive")
		}
		return nil
	}
	if ec.ForwardHost == "" || ec.ForwardPort <= 0 || ec.ForwardPort > 65535 {
		return fmt.Errorf("endpoint config: either a device or a forward host:port is required")
	}
	return nil
}

func (ec *EndpointConfig) String() string {
	if ec.IsDevice() {
		return ec.DevicePath
	}
	return fmt.Sprintf("%s:%d", ec.ForwardHost, ec.ForwardPort)
}

// TransportConfig is the typed option block handed to a tunnel transport at
// listener construction. It replaces per-option name/value setters; a
// transport validates it once, up front, and an invalid config is a startup
// error rather than a silently ignored field.
type TransportConfig struct {
	// ContentLength is the framing block size in bytes. Transports never
	// transmit a block larger than this; in strict mode every data block
	// is padded out to exactly this size.
	ContentLength int

	// StrictContentLength pads every transmitted data block to exactly
	// ContentLength bytes, for intermediaries that dislike short bodies.
	StrictContentLength bool

	// KeepAlive is the maximum time the outbound tunnel channel is allowed
	// to stay silent before the session bridge emits padding. Must be > 0.
	KeepAlive time.Duration

	// MaxConnectionAge limits the lifetime of one tunnel connection. The
	// transport, not the bridge, enforces it by forcing a clean close when
	// a session reaches this age. Zero means unlimited.
	MaxConnectionAge time.Duration
}

// DefaultTransportConfig returns a TransportConfig with the stock defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ContentLength:    DefaultContentLength,
		KeepAlive:        DefaultKeepAlive,
		MaxConnectionAge: DefaultMaxConnectionAge,
	}
}

// Validate checks the transport option block. It is called by transport
// listener constructors, so a bad config surfaces as a fatal setup error
// before the first client is accepted.
func (tc *TransportConfig) Validate() error {
	if tc.ContentLength < MinContentLength {
		return fmt.Errorf("transport config: content length %d below minimum %d", tc.ContentLength, MinContentLength)
	}
	if tc.KeepAlive <= 0 {
		return fmt.Errorf("transport config: keep-alive interval must be positive, got %v", tc.KeepAlive)
	}
	if tc.MaxConnectionAge < 0 {
		return fmt.Errorf("transport config: max connection age must not be negative, got %v", tc.MaxConnectionAge)
	}
	return nil
}

// MinContentLength is the smallest legal framing block size: a frame header
// plus at least one payload byte.
const MinContentLength = 64

// Config is the immutable process configuration consumed by the server loop.
// It is produced by the CLI layer, which owns flag parsing and validation.
type Config struct {
	// Endpoint selects the local side of every bridged session.
	Endpoint EndpointConfig

	// Transport is passed through to the tunnel transport listener.
	Transport TransportConfig
}

// Validate checks both halves of the config.
func (c *Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	return c.Transport.Validate()
}
