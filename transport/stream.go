package transport

import (
	"context"
	"net"
	"time"

	"conduit/video/wire"
)

// streamChannel sends length-prefixed messages over a dialled tcp or unix
// connection. In the reqrep pattern every message waits for a
// length-prefixed reply before Send returns.
type streamChannel struct {
	ep   Endpoint
	conn net.Conn
}

func dialStream(ctx context.Context, e Endpoint) (*streamChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network(e.Protocol), e.HostPort())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &streamChannel{ep: e, conn: conn}, nil
}

func (s *streamChannel) Send(ctx context.Context, m *wire.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return &TransmitError{Endpoint: s.ep.String(), Err: err}
	}
	deadline := time.Now().Add(s.ep.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)

	if err := wire.WriteMessage(s.conn, b); err != nil {
		return &TransmitError{Endpoint: s.ep.String(), Err: err}
	}
	if s.ep.Pattern == ReqRep {
		if _, err := wire.ReadMessage(s.conn); err != nil {
			return &TransmitError{Endpoint: s.ep.String(), Err: err}
		}
	}
	return nil
}

func (s *streamChannel) Close() error {
	return s.conn.Close()
}
