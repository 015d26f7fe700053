package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/video"
	"conduit/video/wire"
)

func testMessage(t *testing.T, codec wire.Codec, seq uint64) *wire.Message {
	f := video.NewFrame(video.Resolution{Width: 8, Height: 4})
	f.Seq = seq
	f.Time = time.Unix(1700000000, 0)
	m, err := wire.Encoder{Codec: codec}.Encode(f)
	require.NoError(t, err)
	return m
}

func localEndpoint(t *testing.T, l net.Listener, pat Pattern) Endpoint {
	addr := l.Addr().(*net.TCPAddr)
	return Endpoint{Protocol: TCP, Pattern: pat, Address: "127.0.0.1", Port: addr.Port, Timeout: 2 * time.Second}
}

func TestParsePattern(t *testing.T) {
	for in, want := range map[string]Pattern{
		"0": Pair, "1": ReqRep, "2": PubSub, "3": PushPull,
		"pair": Pair, "ReqRep": ReqRep, "pub/sub": PubSub, "pushpull": PushPull,
	} {
		got, err := ParsePattern(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePattern("4")
	assert.Error(t, err)
	_, err = ParsePattern("broadcast")
	assert.Error(t, err)
	assert.Equal(t, "pushpull", PushPull.String())
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("TCP")
	require.NoError(t, err)
	assert.Equal(t, TCP, p)
	_, err = ParseProtocol("udp")
	assert.Error(t, err)

	assert.True(t, Supports(IPC, ReqRep))
	assert.True(t, Supports(MJPEG, PubSub))
	assert.False(t, Supports(MJPEG, Pair))
	assert.False(t, Supports(NATS, PushPull))
}

func TestOpenRejectsUnsupportedPattern(t *testing.T) {
	_, err := Open(context.Background(), Endpoint{Protocol: MJPEG, Pattern: ReqRep, Address: "127.0.0.1"})
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestOpenConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e := localEndpoint(t, l, Pair)
	l.Close()

	_, err = Open(context.Background(), e)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestTCPPair(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	got := make(chan *wire.Message, 2)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			b, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			m, _ := wire.Unmarshal(b)
			got <- m
		}
	}()

	ch, err := Open(context.Background(), localEndpoint(t, l, Pair))
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), testMessage(t, wire.Raw, 1)))
	require.NoError(t, ch.Send(context.Background(), testMessage(t, wire.Raw, 2)))
	assert.Equal(t, uint64(1), (<-got).Seq)
	m := <-got
	assert.Equal(t, uint64(2), m.Seq)
	assert.Equal(t, 8, m.Width)
}

func TestTCPReqRep(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Answer the first request only.
		if _, err := wire.ReadMessage(conn); err != nil {
			return
		}
		wire.WriteMessage(conn, []byte("ok"))
		time.Sleep(time.Second)
	}()

	e := localEndpoint(t, l, ReqRep)
	e.Timeout = 200 * time.Millisecond
	ch, err := Open(context.Background(), e)
	require.NoError(t, err)
	defer ch.Close()

	assert.NoError(t, ch.Send(context.Background(), testMessage(t, wire.Raw, 1)))

	err = ch.Send(context.Background(), testMessage(t, wire.Raw, 2))
	var te *TransmitError
	assert.ErrorAs(t, err, &te, "unanswered request should time out")
}

func TestIPCPushPull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	got := make(chan uint64, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		m, _ := wire.Unmarshal(b)
		got <- m.Seq
	}()

	ch, err := Open(context.Background(), Endpoint{Protocol: IPC, Pattern: PushPull, Address: path})
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Send(context.Background(), testMessage(t, wire.Raw, 7)))
	assert.Equal(t, uint64(7), <-got)
}

func TestTCPPubSub(t *testing.T) {
	ch, err := Open(context.Background(), Endpoint{Protocol: TCP, Pattern: PubSub, Address: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	p := ch.(*publisher)
	defer p.Close()

	// Sending without subscribers is not an error.
	require.NoError(t, p.Send(context.Background(), testMessage(t, wire.Raw, 1)))

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", p.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool { return p.out.len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Send(context.Background(), testMessage(t, wire.Raw, 2)))
	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(time.Second))
		b, err := wire.ReadMessage(c)
		require.NoError(t, err)
		m, err := wire.Unmarshal(b)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), m.Seq)
	}

	conns[0].Close()
	assert.Eventually(t, func() bool { return p.out.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFanoutKeepsNewest(t *testing.T) {
	f := newFanout()
	s := f.add("test")
	f.publish([]byte("a"))
	f.publish([]byte("b"))
	assert.Equal(t, "b", string(<-s.c))

	f.close()
	_, open := <-s.done
	assert.False(t, open)
	assert.Nil(t, f.add("late"))
}

func TestWebSocketPubSub(t *testing.T) {
	ch, err := Open(context.Background(), Endpoint{Protocol: WebSocket, Pattern: PubSub, Address: "127.0.0.1", Path: "/frames", Timeout: time.Second})
	require.NoError(t, err)
	s := ch.(*wsServer)
	defer s.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/frames", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.out.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Send(context.Background(), testMessage(t, wire.JPEG, 3)))
	ws.SetReadDeadline(time.Now().Add(time.Second))
	typ, b, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	m, err := wire.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Seq)
	assert.Equal(t, wire.JPEG, m.Codec)
}

func TestWebSocketClient(t *testing.T) {
	got := make(chan uint64, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		m, _ := wire.Unmarshal(b)
		got <- m.Seq
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	var e Endpoint
	e.Protocol, e.Pattern, e.Address = WebSocket, PushPull, host
	e.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	ch, err := Open(context.Background(), e)
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), testMessage(t, wire.Raw, 9)))
	assert.Equal(t, uint64(9), <-got)

	// The server hung up after one message.
	assert.Eventually(t, func() bool {
		return ch.Send(context.Background(), testMessage(t, wire.Raw, 10)) != nil
	}, 2*time.Second, 10*time.Millisecond)
	ch.Close()
}

func TestMJPEG(t *testing.T) {
	ch, err := Open(context.Background(), Endpoint{Protocol: MJPEG, Pattern: PubSub, Address: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	s := ch.(*mjpegServer)
	defer s.Close()

	var te *TransmitError
	assert.ErrorAs(t, s.Send(context.Background(), testMessage(t, wire.Raw, 1)), &te)

	resp, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")
	require.Eventually(t, func() bool { return s.out.len() == 1 }, time.Second, 5*time.Millisecond)

	m := testMessage(t, wire.JPEG, 2)
	require.NoError(t, s.Send(context.Background(), m))

	r := bufio.NewReader(resp.Body)
	var headers []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" && len(headers) > 0 {
			break
		}
		if line != "" {
			headers = append(headers, line)
		}
	}
	assert.Equal(t, "--"+boundaryWord, headers[0])
	assert.Contains(t, headers, "Content-Type: image/jpeg")
	assert.Contains(t, headers, "X-Timestamp: 1700000000.000000")
}

// waitGroupDone fails the test unless wg drains promptly.
func waitGroupDone(t *testing.T, wg interface{ Wait() }) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers still registered")
	}
}

func TestMJPEGCloseReleasesHandlers(t *testing.T) {
	ch, err := Open(context.Background(), Endpoint{Protocol: MJPEG, Pattern: PubSub, Address: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	s := ch.(*mjpegServer)

	resp, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.out.len() == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, s.out.len())

	// A request that arrives after Close is turned away and leaves nothing
	// behind to wait for.
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	waitGroupDone(t, &s.wg)
}

func TestWebSocketCloseReleasesHandlers(t *testing.T) {
	ch, err := Open(context.Background(), Endpoint{Protocol: WebSocket, Pattern: PubSub, Address: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	s := ch.(*wsServer)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.out.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	waitGroupDone(t, &s.wg)

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestNATSURL(t *testing.T) {
	assert.Equal(t, "nats://broker:4222", natsURL(Endpoint{Protocol: NATS, Address: "broker"}))
	assert.Equal(t, "nats://10.0.0.1:5000", natsURL(Endpoint{Protocol: NATS, Address: "10.0.0.1", Port: 5000}))
	assert.Equal(t, "nats://[::1]:4222", natsURL(Endpoint{Protocol: NATS, Address: "::1"}))
}

func TestNATSPayloadLimit(t *testing.T) {
	raw := wire.HeaderSize + 1280*720*video.Channels
	assert.False(t, fits(raw, NATSMaxPayload))
	assert.True(t, fits(wire.HeaderSize+320*180*video.Channels, NATSMaxPayload))
	assert.True(t, fits(raw, 8<<20), "servers may raise max_payload")
	assert.True(t, fits(raw, 0))
}

func TestNATSDialHonoursContext(t *testing.T) {
	// A peer that accepts but never sends INFO leaves the client waiting
	// for its connect timeout.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	e := localEndpoint(t, l, PubSub)
	e.Protocol = NATS
	e.Timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = Open(ctx, e)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

