package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"conduit/video/wire"
)

// DefaultSubject is the NATS subject used when an endpoint names none.
const DefaultSubject = "conduit.frames"

// natsChannel publishes frames on a subject, or sends them as requests in
// the reqrep pattern. Reconnects are left to the stream worker, so the
// client is configured not to reconnect on its own.
type natsChannel struct {
	ep      Endpoint
	subject string
	nc      *nats.Conn
}

func natsURL(e Endpoint) string {
	port := e.Port
	if port == 0 {
		port = nats.DefaultPort
	}
	return "nats://" + net.JoinHostPort(e.Address, strconv.Itoa(port))
}

// dialNATS connects to the server at e. nats.Connect takes no context, so
// the connect runs aside and is abandoned, then closed, if ctx ends first.
func dialNATS(ctx context.Context, e Endpoint) (*natsChannel, error) {
	subject := e.Path
	if subject == "" {
		subject = DefaultSubject
	}
	timeout := e.timeout()
	if d, ok := ctx.Deadline(); ok && time.Until(d) < timeout {
		timeout = time.Until(d)
	}
	clog := log.WithField("endpoint", e.String())

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(natsURL(e),
			nats.Name("conduit"),
			nats.Timeout(timeout),
			nats.NoReconnect(),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					clog.Warnf("NATS disconnected: %v", err)
				}
			}),
		)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &natsChannel{ep: e, subject: subject, nc: r.nc}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// fits reports whether a message of n bytes is within the server's limit.
// A limit of zero means the server has not announced one.
func fits(n int, limit int64) bool {
	return limit <= 0 || int64(n) <= limit
}

func (c *natsChannel) Send(ctx context.Context, m *wire.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return &TransmitError{Endpoint: c.ep.String(), Err: err}
	}
	if !fits(len(b), c.nc.MaxPayload()) {
		return &TransmitError{Endpoint: c.ep.String(), Err: ErrTooLarge}
	}
	ctx, cancel := context.WithTimeout(ctx, c.ep.timeout())
	defer cancel()

	switch c.ep.Pattern {
	case ReqRep:
		if _, err := c.nc.RequestWithContext(ctx, c.subject, b); err != nil {
			return &TransmitError{Endpoint: c.ep.String(), Err: err}
		}
	default:
		if err := c.nc.Publish(c.subject, b); err != nil {
			return &TransmitError{Endpoint: c.ep.String(), Err: err}
		}
		if !c.nc.IsConnected() {
			return &TransmitError{Endpoint: c.ep.String(), Err: nats.ErrConnectionClosed}
		}
	}
	return nil
}

func (c *natsChannel) Close() error {
	c.nc.FlushTimeout(time.Second)
	c.nc.Close()
	return nil
}
