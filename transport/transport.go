// Package transport implements the network channels stream workers send
// frames over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"conduit/video/wire"
)

// DefaultTimeout bounds connect and send when an endpoint sets none.
const DefaultTimeout = 5 * time.Second

// NATSMaxPayload is the largest message a NATS server accepts unless its
// max_payload is raised.
const NATSMaxPayload = 1 << 20

// ErrTooLarge is wrapped in the *TransmitError returned for a message the
// peer will never accept at its size. The channel itself is still usable.
var ErrTooLarge = errors.New("message exceeds the transport payload limit")

// Protocol selects the network primitive.
type Protocol string

const (
	TCP       Protocol = "tcp"
	IPC       Protocol = "ipc"
	WebSocket Protocol = "websocket"
	MJPEG     Protocol = "mjpeg"
	NATS      Protocol = "nats"
)

// Pattern selects the messaging pattern.
type Pattern int

const (
	// Pair streams frames over a single connection dialled to the peer.
	Pair Pattern = iota
	// ReqRep sends each frame as a request and waits for a reply.
	ReqRep
	// PubSub binds the endpoint and fans frames out to every subscriber.
	PubSub
	// PushPull streams frames one way to a pulling peer.
	PushPull
)

var patternNames = []string{"pair", "reqrep", "pubsub", "pushpull"}

func (p Pattern) String() string {
	if p >= 0 && int(p) < len(patternNames) {
		return patternNames[p]
	}
	return "pattern(" + strconv.Itoa(int(p)) + ")"
}

// ParsePattern accepts a pattern name or its numeric form (0-3).
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n < len(patternNames) {
			return Pattern(n), nil
		}
		return 0, fmt.Errorf("unknown pattern %d", n)
	}
	switch s {
	case "req/rep", "request/reply":
		return ReqRep, nil
	case "pub/sub", "publish/subscribe":
		return PubSub, nil
	case "push/pull":
		return PushPull, nil
	}
	for i, name := range patternNames {
		if s == name {
			return Pattern(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pattern %q", s)
}

// ParseProtocol validates a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := supported[p]; !ok {
		return "", fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

// supported lists the patterns each protocol can carry.
var supported = map[Protocol][]Pattern{
	TCP:       {Pair, ReqRep, PubSub, PushPull},
	IPC:       {Pair, ReqRep, PubSub, PushPull},
	WebSocket: {Pair, PubSub, PushPull},
	MJPEG:     {PubSub},
	NATS:      {PubSub, ReqRep},
}

// Supports reports whether protocol p can carry pattern pat.
func Supports(p Protocol, pat Pattern) bool {
	for _, s := range supported[p] {
		if s == pat {
			return true
		}
	}
	return false
}

// Endpoint fully describes where and how a channel connects.
type Endpoint struct {
	Protocol Protocol
	Pattern  Pattern
	// Address is a host name or IP, or the socket path for IPC.
	Address string
	Port    int
	// Path is the HTTP path for websocket and mjpeg, and the subject for
	// nats.
	Path string
	// Timeout bounds connect and each send.
	Timeout time.Duration
}

// HostPort returns the address as used by net.Dial.
func (e Endpoint) HostPort() string {
	if e.Protocol == IPC {
		return e.Address
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s+%s://%s%s", e.Protocol, e.Pattern, e.HostPort(), e.Path)
}

func (e Endpoint) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}

// Channel sends serialized frames to one destination. Implementations are
// used by a single goroutine.
type Channel interface {
	// Send transmits m, returning a *TransmitError when the destination is
	// gone or does not accept the message within the endpoint timeout.
	Send(ctx context.Context, m *wire.Message) error

	// Close releases the connection or listener.
	Close() error
}

// ConnectionError reports a failure to establish a channel.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransmitError reports a failure to send on an established channel.
type TransmitError struct {
	Endpoint string
	Err      error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Endpoint, e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// Dialer opens channels. The stream worker takes one so tests can substitute
// in-memory channels.
type Dialer interface {
	Dial(ctx context.Context, e Endpoint) (Channel, error)
}

// DialFunc adapts a function to a Dialer.
type DialFunc func(ctx context.Context, e Endpoint) (Channel, error)

func (f DialFunc) Dial(ctx context.Context, e Endpoint) (Channel, error) {
	return f(ctx, e)
}

// Default dials real network channels.
var Default Dialer = DialFunc(Open)

// Open establishes a channel for e. Connect is bounded by the endpoint
// timeout.
func Open(ctx context.Context, e Endpoint) (Channel, error) {
	if !Supports(e.Protocol, e.Pattern) {
		return nil, &ConnectionError{Endpoint: e.String(), Err: fmt.Errorf("protocol %s does not support pattern %s", e.Protocol, e.Pattern)}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var (
		ch  Channel
		err error
	)
	switch e.Protocol {
	case TCP, IPC:
		if e.Pattern == PubSub {
			ch, err = listenPublisher(e)
		} else {
			ch, err = dialStream(ctx, e)
		}
	case WebSocket:
		if e.Pattern == PubSub {
			ch, err = listenWebSocket(e)
		} else {
			ch, err = dialWebSocket(ctx, e)
		}
	case MJPEG:
		ch, err = listenMJPEG(e)
	case NATS:
		ch, err = dialNATS(ctx, e)
	}
	if err != nil {
		return nil, &ConnectionError{Endpoint: e.String(), Err: err}
	}
	return ch, nil
}

func network(p Protocol) string {
	if p == IPC {
		return "unix"
	}
	return "tcp"
}
