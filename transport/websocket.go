package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"conduit/video/wire"
)

const pingPeriod = 10 * time.Second

func endpointPath(e Endpoint) string {
	if e.Path == "" {
		return "/"
	}
	return e.Path
}

// wsServer binds an HTTP listener and pushes every message to each connected
// websocket client as a binary frame.
type wsServer struct {
	ep       Endpoint
	l        net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	out      *fanout
	wg       sync.WaitGroup
}

func listenWebSocket(e Endpoint) (*wsServer, error) {
	l, err := net.Listen("tcp", e.HostPort())
	if err != nil {
		return nil, err
	}
	s := &wsServer{
		ep: e,
		l:  l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		out: newFanout(),
	}
	mux := http.NewServeMux()
	mux.Handle(endpointPath(e), s)
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("endpoint", e.String()).Errorf("Websocket server failed: %v", err)
		}
	}()
	return s, nil
}

func (s *wsServer) Addr() net.Addr {
	return s.l.Addr()
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for frame stream: %v", err)
		}
		return
	}
	s.wg.Add(1)
	sub := s.out.add(r.RemoteAddr)
	if sub == nil {
		s.wg.Done()
		ws.Close()
		return
	}
	go s.serve(ws, sub)
}

func (s *wsServer) serve(ws *websocket.Conn, sub *subscriber) {
	defer s.wg.Done()
	clog := log.WithFields(log.Fields{"endpoint": s.ep.String(), "addr": sub.addr})
	clog.Info("Connected to frame stream")
	defer func() {
		ws.Close()
		s.out.remove(sub)
		clog.Info("Disconnected from frame stream")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				s.out.remove(sub)
				return
			}
		}
	}()

	for {
		select {
		case b := <-sub.c:
			ws.SetWriteDeadline(time.Now().Add(s.ep.timeout()))
			if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(s.ep.timeout()))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-sub.done:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *wsServer) Send(ctx context.Context, m *wire.Message) error {
	if s.out.len() == 0 {
		return nil
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return &TransmitError{Endpoint: s.ep.String(), Err: err}
	}
	s.out.publish(b)
	return nil
}

func (s *wsServer) Close() error {
	err := s.srv.Close()
	s.out.close()
	s.wg.Wait()
	return err
}

// wsClient dials a websocket peer and writes each message as a binary frame.
type wsClient struct {
	ep   Endpoint
	conn *websocket.Conn

	// gone is closed once the reader observes the peer closing.
	gone    chan struct{}
	readErr error
}

func dialWebSocket(ctx context.Context, e Endpoint) (*wsClient, error) {
	u := url.URL{Scheme: "ws", Host: e.HostPort(), Path: endpointPath(e)}
	d := websocket.Dialer{HandshakeTimeout: e.timeout()}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c := &wsClient{ep: e, conn: conn, gone: make(chan struct{})}
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				c.readErr = err
				close(c.gone)
				return
			}
		}
	}()
	return c, nil
}

func (c *wsClient) Send(ctx context.Context, m *wire.Message) error {
	select {
	case <-c.gone:
		return &TransmitError{Endpoint: c.ep.String(), Err: c.readErr}
	default:
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return &TransmitError{Endpoint: c.ep.String(), Err: err}
	}
	deadline := time.Now().Add(c.ep.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return &TransmitError{Endpoint: c.ep.String(), Err: err}
	}
	return nil
}

func (c *wsClient) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
