package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/optimiser/internal/session"
)

// writeTimeout bounds how long a single outbound frame write may block.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsChannel adapts a single *websocket.Conn to session.Channel. One
// connection drives exactly one session; there is no hub or broadcast
// fan-out, unlike transports that multiplex several peers over one socket.
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; gorilla permits only one writer at a time

	// firstFrame is the start message the handler already read off the
	// socket (to inspect its config before handing the connection to
	// Session.Run) and replays as the first Recv result. Recv is only ever
	// called from the single session-loop goroutine, so no lock is needed
	// to guard these two fields.
	firstFrame    []byte
	firstConsumed bool
}

func newWSChannel(conn *websocket.Conn, firstFrame []byte) *wsChannel {
	return &wsChannel{conn: conn, firstFrame: firstFrame}
}

func (c *wsChannel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Recv(ctx context.Context) ([]byte, error) {
	if !c.firstConsumed {
		c.firstConsumed = true
		if c.firstFrame != nil {
			return c.firstFrame, nil
		}
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			return nil, session.ErrDisconnected
		}
		return nil, session.ErrDisconnected
	}
	return data, nil
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

// syncChannel adapts the REST ask/tell variant to session.Channel: the
// Session goroutine's Send/Recv calls rendezvous with HTTP handlers through
// two single-slot channels instead of a socket. Exactly one message is ever
// in flight in each direction, matching the session loop's send-then-await
// structure.
type syncChannel struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	closeOne sync.Once
}

func newSyncChannel() *syncChannel {
	return &syncChannel{
		inbound:  make(chan []byte, 1),
		outbound: make(chan []byte, 1),
		closed:   make(chan struct{}),
	}
}

func (c *syncChannel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return session.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *syncChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, session.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushInbound delivers one client message to the waiting Recv call. Callers
// must not call it again until the corresponding NextOutbound has returned,
// since the session loop processes one message at a time.
func (c *syncChannel) PushInbound(ctx context.Context, data []byte) error {
	select {
	case c.inbound <- data:
		return nil
	case <-c.closed:
		return session.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextOutbound blocks for the next server->client frame the session loop
// produces (a trial-request, trial-complete echo, complete, or error).
func (c *syncChannel) NextOutbound(ctx context.Context) ([]byte, bool, error) {
	select {
	case data := <-c.outbound:
		return data, true, nil
	case <-c.closed:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close marks the channel disconnected, unblocking any pending Send/Recv.
func (c *syncChannel) Close() {
	c.closeOne.Do(func() { close(c.closed) })
}
