package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla WebSocket to ClientConn. Writes are serialized; the
// write deadline comes from the Send context.
type WSConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// UpgradeWS upgrades an HTTP request to a stream connection.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.NewString(), ws: ws}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// ReadLoop decodes inbound frames and hands them to the handler until the
// socket breaks or the context ends.
func (c *WSConn) ReadLoop(ctx context.Context, handle func(raw []byte)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		handle(data)
	}
}
