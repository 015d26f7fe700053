package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"conduit/video/wire"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d.%06d\r\n" +
	"\r\n"

// ErrNotJPEG is returned when an MJPEG channel is handed a non-JPEG message.
var ErrNotJPEG = errors.New("mjpeg requires jpeg payloads")

// mjpegServer serves the frames as a multipart/x-mixed-replace stream that
// browsers and most video players can show directly.
type mjpegServer struct {
	ep  Endpoint
	l   net.Listener
	srv *http.Server
	out *fanout
	wg  sync.WaitGroup
}

func listenMJPEG(e Endpoint) (*mjpegServer, error) {
	l, err := net.Listen("tcp", e.HostPort())
	if err != nil {
		return nil, err
	}
	s := &mjpegServer{ep: e, l: l, out: newFanout()}
	mux := http.NewServeMux()
	mux.Handle(endpointPath(e), s)
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("endpoint", e.String()).Errorf("MJPEG server failed: %v", err)
		}
	}()
	return s, nil
}

func (s *mjpegServer) Addr() net.Addr {
	return s.l.Addr()
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *mjpegServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()
	sub := s.out.add(r.RemoteAddr)
	if sub == nil {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	defer s.out.remove(sub)

	clog := log.WithFields(log.Fields{"endpoint": s.ep.String(), "addr": r.RemoteAddr})
	clog.Info("MJPEG stream connected")
	defer clog.Info("MJPEG stream disconnected")

	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case b := <-sub.c:
			if _, err := w.Write(b); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-sub.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *mjpegServer) Send(ctx context.Context, m *wire.Message) error {
	if m.Codec != wire.JPEG {
		return &TransmitError{Endpoint: s.ep.String(), Err: ErrNotJPEG}
	}
	if s.out.len() == 0 {
		// Nobody is listening; don't bother framing.
		return nil
	}
	ns := m.Time.UnixNano()
	header := fmt.Sprintf(headerf, len(m.Payload), ns/1e9, (ns%1e9)/1e3)
	frame := make([]byte, len(header)+len(m.Payload))
	copy(frame, header)
	copy(frame[len(header):], m.Payload)
	s.out.publish(frame)
	return nil
}

func (s *mjpegServer) Close() error {
	s.out.close()
	err := s.srv.Close()
	s.wg.Wait()
	return err
}
