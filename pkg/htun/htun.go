// Package htun implements the server endpoint of an HTTP-carried byte-stream
// tunnel. It bridges a single tunnel client at a time to a local endpoint --
// either a local character device or a freshly dialed TCP connection to a
// forward target -- keeping the tunnel transport alive with padding traffic
// while the session is idle.
//
// The package owns the session bridge, the server accept loop, and the local
// endpoint provider. The HTTP-level wire encoding of the tunnel protocol is
// behind the TransportListener/TransportSession interfaces; see package htws
// for the websocket-carried implementation.
package htun

// Version is the released version of the htun module.
const Version = "0.9.0"
