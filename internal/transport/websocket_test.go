package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"earthring-v1"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// newServer runs handle for each upgraded connection
func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func testOptions(url string) Options {
	return Options{
		URL:              url,
		Protocol:         "earthring-v1",
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		PongWait:         5 * time.Second,
		PingInterval:     time.Second,
		SendTimeout:      time.Second,
	}
}

func receive(t *testing.T, c *Conn) string {
	t.Helper()
	select {
	case msg, ok := <-c.Inbound():
		require.True(t, ok, "inbound closed")
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestDialSendReceive(t *testing.T) {
	url := newServer(t, echo)
	c, err := Dial(context.Background(), testOptions(url))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "earthring-v1", c.Subprotocol())

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, []byte(`{"type":"ping"}`)))
	require.NoError(t, c.Send(ctx, []byte(`{"type":"pong"}`)))

	assert.Equal(t, `{"type":"ping"}`, receive(t, c))
	assert.Equal(t, `{"type":"pong"}`, receive(t, c))
}

func TestBatchedFrameSplit(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("{\"type\":\"a\"}\n{\"type\":\"b\"}\n"))
		echo(conn)
	})
	c, err := Dial(context.Background(), testOptions(url))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, `{"type":"a"}`, receive(t, c))
	assert.Equal(t, `{"type":"b"}`, receive(t, c))
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), testOptions("ws://127.0.0.1:1/ws"))
	assert.Error(t, err)
}

func TestCloseStopsSend(t *testing.T) {
	url := newServer(t, echo)
	c, err := Dial(context.Background(), testOptions(url))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.NoError(t, c.Close(), "second close is a no-op")
}

func TestServerDropClosesInbound(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bye"}`))
	})
	c, err := Dial(context.Background(), testOptions(url))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, `{"type":"bye"}`, receive(t, c))

	select {
	case _, ok := <-c.Inbound():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after server drop")
	}
	require.Error(t, c.Err())
	assert.NotErrorIs(t, c.Err(), ErrClosed)
}
