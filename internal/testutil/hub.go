package testutil

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/earthring/netclient/internal/protocol"
)

// hub tracks the server's open connections
type hub struct {
	register   chan *serverConn
	unregister chan *serverConn
	quit       chan struct{}
	stopOnce   sync.Once

	mu    sync.RWMutex
	conns map[*serverConn]bool
}

func newHub() *hub {
	return &hub{
		register:   make(chan *serverConn),
		unregister: make(chan *serverConn),
		quit:       make(chan struct{}),
		conns:      make(map[*serverConn]bool),
	}
}

// run is the hub's main loop. On stop every connection is closed.
func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.conns, c)
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for c := range h.conns {
				c.close()
			}
			h.conns = make(map[*serverConn]bool)
			h.mu.Unlock()
			return
		}
	}
}

// add registers c, returning false once the hub has stopped
func (h *hub) add(c *serverConn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) remove(c *serverConn) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *hub) snapshot() []*serverConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*serverConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// serverConn is one accepted client. A nil entry on send asks the write
// pump to flush, send a close frame and hang up.
type serverConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	username string
}

func (c *serverConn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *serverConn) setUser(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Printf("[TestServer] Failed to close connection: %v", err)
		}
	})
}

// closeAfterFlush hangs up once everything queued so far has been written
func (c *serverConn) closeAfterFlush() {
	c.queue(nil)
}

func (c *serverConn) queue(message []byte) {
	select {
	case c.send <- message:
	case <-c.done:
	}
}

func (c *serverConn) sendMessage(kind protocol.Kind, id string, payload interface{}) {
	raw, err := protocol.Encode(protocol.Envelope{Type: kind, ID: id, Timestamp: time.Now().UnixMilli()}, payload)
	if err != nil {
		log.Printf("[TestServer] Failed to encode %s: %v", kind, err)
		return
	}
	c.queue(raw)
}

// sendError sends an error message to the client
func (c *serverConn) sendError(id, message, code string) {
	c.sendMessage(protocol.KindError, id, protocol.ErrorMessage{
		Error:   message,
		Message: message,
		Code:    code,
	})
}

// writePump writes queued messages, batching whatever is already waiting
// into one newline-separated frame
func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if message == nil {
				c.hangUp()
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				w.Close()
				return
			}
			hangUp := false
			for n := len(c.send); n > 0; n-- {
				next := <-c.send
				if next == nil {
					hangUp = true
					break
				}
				if _, err := w.Write([]byte{'\n'}); err != nil {
					w.Close()
					return
				}
				if _, err := w.Write(next); err != nil {
					w.Close()
					return
				}
			}
			if err := w.Close(); err != nil {
				return
			}
			if hangUp {
				c.hangUp()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) hangUp() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		log.Printf("[TestServer] Failed to write close message: %v", err)
	}
	c.close()
}
