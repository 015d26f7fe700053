package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	DefaultPushPeriod = time.Second
)

// StatusUpdater pushes the health response to websocket clients every
// period and whenever Notify is called.
type StatusUpdater struct {
	health   *HealthServer
	period   time.Duration
	upgrader websocket.Upgrader
	cs       map[chan bool]bool
	addc     chan chan bool
	delc     chan chan bool
	notify   chan bool
}

func NewStatusUpdater(status StatusFunc, period time.Duration) *StatusUpdater {
	if period <= 0 {
		period = DefaultPushPeriod
	}
	m := &StatusUpdater{
		health: &HealthServer{Status: status},
		period: period,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan bool]bool),
		addc:   make(chan chan bool),
		delc:   make(chan chan bool),
		notify: make(chan bool),
	}
	go func() {
		for {
			select {
			case c := <-m.addc:
				m.cs[c] = true
			case c := <-m.delc:
				delete(m.cs, c)
			case <-m.notify:
				for k := range m.cs {
					select {
					case k <- true:
					default:
						// An update is already pending for this client.
					}
				}
			}
		}
	}()
	return m
}

// Notify pushes a fresh status to every client, e.g. when a run starts or
// ends.
func (m *StatusUpdater) Notify() {
	m.notify <- true
}

func (m *StatusUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StatusUpdater) push(ws *websocket.Conn) error {
	js, err := json.Marshal(m.health.BuildResponse())
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, js)
}

func (m *StatusUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pushTicker := time.NewTicker(m.period)
	defer pushTicker.Stop()

	notifyc := make(chan bool, 1)
	m.addc <- notifyc
	defer func() { m.delc <- notifyc }()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := m.push(ws); err != nil {
		return
	}
	for {
		select {
		case <-notifyc:
			if err := m.push(ws); err != nil {
				return
			}
		case <-pushTicker.C:
			if err := m.push(ws); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
