package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"conduit/video/wire"
)

// publisher binds a tcp or unix listener and fans every message out to the
// connected subscribers. Sending never blocks on a subscriber; a subscriber
// that falls behind misses frames.
type publisher struct {
	ep  Endpoint
	l   net.Listener
	out *fanout
	wg  sync.WaitGroup
}

func listenPublisher(e Endpoint) (*publisher, error) {
	if e.Protocol == IPC {
		// A stale socket file from a previous run blocks the bind.
		if fi, err := os.Stat(e.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
			os.Remove(e.Address)
		}
	}
	l, err := net.Listen(network(e.Protocol), e.HostPort())
	if err != nil {
		return nil, err
	}
	p := &publisher{ep: e, l: l, out: newFanout()}
	p.wg.Add(1)
	go p.accept()
	return p, nil
}

// Addr returns the bound address.
func (p *publisher) Addr() net.Addr {
	return p.l.Addr()
}

func (p *publisher) accept() {
	defer p.wg.Done()
	for {
		conn, err := p.l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithField("endpoint", p.ep.String()).Errorf("Accept failed: %v", err)
			}
			return
		}
		s := p.out.add(conn.RemoteAddr().String())
		if s == nil {
			conn.Close()
			return
		}
		p.wg.Add(1)
		go p.serve(conn, s)
	}
}

func (p *publisher) serve(conn net.Conn, s *subscriber) {
	defer p.wg.Done()
	clog := log.WithFields(log.Fields{"endpoint": p.ep.String(), "addr": s.addr})
	clog.Info("Subscriber connected")
	defer func() {
		conn.Close()
		p.out.remove(s)
		clog.Info("Subscriber disconnected")
	}()

	// Subscribers never send; a read returning means the peer went away.
	go func() {
		var b [1]byte
		conn.Read(b[:])
		p.out.remove(s)
	}()

	for {
		select {
		case b := <-s.c:
			conn.SetWriteDeadline(time.Now().Add(p.ep.timeout()))
			if err := wire.WriteMessage(conn, b); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (p *publisher) Send(ctx context.Context, m *wire.Message) error {
	if p.out.len() == 0 {
		// Nobody is listening; don't bother serializing.
		return nil
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return &TransmitError{Endpoint: p.ep.String(), Err: err}
	}
	p.out.publish(b)
	return nil
}

func (p *publisher) Close() error {
	err := p.l.Close()
	p.out.close()
	p.wg.Wait()
	return err
}
