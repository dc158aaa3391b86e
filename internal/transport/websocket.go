package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/earthring/netclient/internal/config"
)

var (
	// ErrClosed is returned for operations on a closed connection
	ErrClosed = errors.New("transport closed")
	// ErrSendTimeout is returned when the outbound queue stays full past the send timeout
	ErrSendTimeout = errors.New("send timed out")
)

const sendQueueSize = 256

// Options configures a client connection
type Options struct {
	URL              string
	Protocol         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	SendTimeout      time.Duration
	Header           http.Header
}

// OptionsFromConfig maps server configuration onto dial options
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		URL:              cfg.URL,
		Protocol:         cfg.Protocol,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PongWait:         cfg.PongWait,
		PingInterval:     cfg.PingInterval,
		SendTimeout:      cfg.SendTimeout,
	}
}

// Conn is a client websocket connection. Inbound frames are split into
// messages and delivered in order on Inbound, which is closed when the
// connection ends.
type Conn struct {
	conn     *websocket.Conn
	opts     Options
	send     chan []byte
	inbound  chan []byte
	done     chan struct{}
	closeErr sync.Once

	mu  sync.Mutex
	err error
}

// Dial opens a connection and starts its read and write pumps
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.Protocol != "" {
		dialer.Subprotocols = []string{opts.Protocol}
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", opts.URL, err)
	}
	if negotiated := ws.Subprotocol(); negotiated != "" && opts.Protocol != "" && negotiated != opts.Protocol {
		ws.Close()
		return nil, fmt.Errorf("server selected unsupported protocol %q", negotiated)
	}

	c := &Conn{
		conn:    ws,
		opts:    withDefaults(opts),
		send:    make(chan []byte, sendQueueSize),
		inbound: make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues a message for the write pump. It blocks while the queue is
// full, up to the send timeout.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Inbound delivers received messages in arrival order
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Done is closed once the connection is shutting down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or ErrClosed after a
// local Close
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down
func (c *Conn) Close() error {
	return c.shutdown(ErrClosed)
}

// Subprotocol returns the protocol the server selected
func (c *Conn) Subprotocol() string {
	return c.conn.Subprotocol()
}

func (c *Conn) shutdown(cause error) error {
	var closeErr error
	c.closeErr.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)

		deadline := time.Now().Add(c.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.Printf("[Transport] Failed to write close message: %v", err)
		}
		closeErr = c.conn.Close()
	})
	return closeErr
}

// readPump handles incoming frames from the connection
func (c *Conn) readPump() {
	defer close(c.inbound)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.shutdown(fmt.Errorf("failed to set read deadline: %w", err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Transport] WebSocket error: %v", err)
			}
			c.shutdown(fmt.Errorf("connection lost: %w", err))
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			c.shutdown(fmt.Errorf("failed to set read deadline: %w", err))
			return
		}

		// the peer may batch several messages into one newline-separated frame
		for _, message := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(message)) == 0 {
				continue
			}
			select {
			case c.inbound <- message:
			case <-c.done:
				return
			}
		}
	}
}

// writePump handles outgoing messages and keepalive pings
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(fmt.Errorf("failed to set write deadline: %w", err))
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown(fmt.Errorf("failed to open writer: %w", err))
				return
			}
			if _, err := w.Write(message); err != nil {
				w.Close()
				c.shutdown(fmt.Errorf("failed to write message: %w", err))
				return
			}

			// Send queued messages in the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					w.Close()
					c.shutdown(fmt.Errorf("failed to write message: %w", err))
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					w.Close()
					c.shutdown(fmt.Errorf("failed to write message: %w", err))
					return
				}
			}

			if err := w.Close(); err != nil {
				c.shutdown(fmt.Errorf("failed to flush frame: %w", err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(fmt.Errorf("failed to set write deadline for ping: %w", err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("failed to write ping: %w", err))
				return
			}
		}
	}
}

func withDefaults(opts Options) Options {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return opts
}
