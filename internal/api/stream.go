package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-squareoff/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// envelope is one websocket message. Seq increases by one per event so a
// client can detect gaps and reconnect with ?since_seq=.
type envelope struct {
	Seq    int64        `json:"seq"`
	Replay bool         `json:"replay,omitempty"`
	Event  events.Event `json:"event"`
}

// Stream fans lifecycle events out to websocket clients.
type Stream struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]bool
	seq     int64
	replay  *replayBuffer
	closed  bool
}

type streamClient struct {
	conn       *websocket.Conn
	send       chan []byte
	stream     *Stream
	userID     string
	positionID string
}

func (c *streamClient) wants(ev events.Event) bool {
	return (c.userID == "" || c.userID == ev.UserID) &&
		(c.positionID == "" || c.positionID == ev.PositionID)
}

// NewStream creates a stream keeping the last replaySize events for
// reconnecting clients.
func NewStream(replaySize int) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*streamClient]bool),
		replay:  newReplayBuffer(replaySize),
	}
}

// Run forwards events from ch until ctx ends or ch closes.
func (s *Stream) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Stream) broadcast(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	data, err := json.Marshal(envelope{Seq: s.seq, Event: ev})
	if err != nil {
		slog.Error("encode event", "kind", ev.Kind, "error", err)
		return
	}
	s.replay.push(s.seq, ev)
	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Warn("ws client too slow, dropping event", "seq", s.seq, "remote", c.conn.RemoteAddr())
		}
	}
}

// Serve upgrades the request and streams events. Query parameters:
// user_id and position_id filter events, since_seq replays buffered
// events after that sequence number first.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request) {
	var since int64 = -1
	if v := r.URL.Query().Get("since_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "since_seq must be an integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &streamClient{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		stream:     s,
		userID:     r.URL.Query().Get("user_id"),
		positionID: r.URL.Query().Get("position_id"),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if since >= 0 {
		for _, e := range s.replay.since(since) {
			if !c.wants(e.ev) {
				continue
			}
			data, _ := json.Marshal(envelope{Seq: e.seq, Replay: true, Event: e.ev})
			select {
			case c.send <- data:
			default:
			}
		}
	}
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()

	slog.Info("ws client connected", "clients", count, "user_id", c.userID, "since_seq", since)
	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients send nothing.
func (c *streamClient) readPump() {
	defer func() {
		c.stream.remove(c)
		c.conn.Close()
		slog.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(512)
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

type replayEntry struct {
	seq int64
	ev  events.Event
}

// replayBuffer is a fixed-size ring of recent events. Callers hold the
// stream lock.
type replayBuffer struct {
	buf  []replayEntry
	pos  int
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &replayBuffer{buf: make([]replayEntry, capacity)}
}

func (rb *replayBuffer) push(seq int64, ev events.Event) {
	rb.buf[rb.pos] = replayEntry{seq: seq, ev: ev}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// since returns entries with seq > after, oldest first.
func (rb *replayBuffer) since(after int64) []replayEntry {
	n, start := rb.pos, 0
	if rb.full {
		n, start = len(rb.buf), rb.pos
	}
	var out []replayEntry
	for i := 0; i < n; i++ {
		e := rb.buf[(start+i)%len(rb.buf)]
		if e.seq > after {
			out = append(out, e)
		}
	}
	return out
}
