package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendQueue  = 16
)

// PoseMessage is one live update sent to stream clients.
type PoseMessage struct {
	Time      float64    `json:"t"`
	AttemptID int64      `json:"attempt_id"`
	State     int64      `json:"state"`
	Position  [3]float64 `json:"position"`
	Quat      [4]float64 `json:"quat"`
	Target    [3]float64 `json:"target"`
	Force     [3]float64 `json:"force"`
	Progress  float64    `json:"progress"`
	Stiffness float64    `json:"stiffness"`
	ForceMode bool       `json:"force_mode"`
}

// Stream fans pose updates out to websocket clients. Slow clients miss
// updates instead of stalling the collector.
type Stream struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	dropped uint64

	// OnClients, if set, is called with the client count after each
	// connect and disconnect, with the stream lock held.
	OnClients func(n int)
}

type streamClient struct {
	conn   *websocket.Conn
	sendCh chan PoseMessage
	done   chan struct{}
	once   sync.Once
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.GetLogger("stream"),
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &streamClient{
		conn:   conn,
		sendCh: make(chan PoseMessage, sendQueue),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.notify(len(s.clients))
	s.mu.Unlock()
	s.logger.Debug("stream client %s connected", conn.RemoteAddr())

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.clients, c)
	s.notify(len(s.clients))
	s.mu.Unlock()
	s.logger.Debug("stream client %s disconnected", conn.RemoteAddr())
}

func (s *Stream) notify(n int) {
	if s.OnClients != nil {
		s.OnClients(n)
	}
}

// Broadcast queues msg for every client.
func (s *Stream) Broadcast(msg PoseMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.sendCh <- msg:
		default:
			s.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped returns the number of updates skipped for slow clients.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close disconnects all clients and refuses new ones.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client input and handles pongs. It returns once the
// connection is closed by either side.
func (c *streamClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopping"))
			return
		}
	}
}
