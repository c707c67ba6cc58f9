package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/scope"
)

const MaxKeepAliveMisses = 3

var (
	KeepAlive    = 20 * time.Second
	WriteTimeout = 10 * time.Second
	CloseGrace   = time.Second

	ErrUnresponsive = fmt.Errorf("connection unresponsive")
)

// Conn adapts a websocket connection to proto.Transport. Frames are read
// once a listener is attached; until then the peer's frames wait in the
// socket.
type Conn struct {
	ctx       scope.Context
	conn      *websocket.Conn
	id        string
	keepAlive time.Duration

	m        sync.Mutex
	listener proto.Listener
	remote   *proto.CloseEvent
	closed   bool
	failure  error

	wm               sync.Mutex
	outstandingPings uint32
	start            sync.Once
	finish           sync.Once
	done             chan struct{}
}

// NewConn wraps conn. A keepAlive of zero disables pings.
func NewConn(ctx scope.Context, conn *websocket.Conn, keepAlive time.Duration) *Conn {
	id := conn.RemoteAddr().String()
	c := &Conn{
		ctx:       logging.Prefixed(ctx.Fork(), fmt.Sprintf("[%s] ", id)),
		conn:      conn,
		id:        id,
		keepAlive: keepAlive,
		done:      make(chan struct{}),
	}
	conn.SetPongHandler(c.handlePong)
	return c
}

// Dial opens a websocket to url.
func Dial(ctx scope.Context, url string, header http.Header, keepAlive time.Duration) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %s", proto.ErrConnectFailed, url, resp.Status)
		}
		return nil, fmt.Errorf("%w: %s: %s", proto.ErrConnectFailed, url, err)
	}
	return NewConn(ctx, conn, keepAlive), nil
}

func (c *Conn) ID() string { return c.id }

// Done is closed once the underlying connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Listen(l proto.Listener) {
	c.m.Lock()
	c.listener = l
	remote := c.remote
	c.m.Unlock()

	if l == nil {
		return
	}
	if remote != nil {
		l.OnClose(c, *remote)
		return
	}
	c.start.Do(func() {
		go c.readMessages()
		if c.keepAlive > 0 {
			go c.keepalive()
		}
	})
}

func (c *Conn) Send(data []byte) error {
	c.m.Lock()
	closed := c.closed || c.remote != nil
	c.m.Unlock()
	if closed {
		return proto.ErrTransportClosed
	}

	c.wm.Lock()
	defer c.wm.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the connection down in the
// background, giving the peer CloseGrace to acknowledge.
func (c *Conn) Close(code proto.CloseCode, reason string) error {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return proto.ErrTransportClosed
	}
	c.closed = true
	alreadyGone := c.remote != nil
	c.m.Unlock()

	var err error
	if !alreadyGone {
		msg := websocket.FormatCloseMessage(int(code), reason)
		err = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(CloseGrace):
		}
		c.teardown()
	}()
	return err
}

func (c *Conn) teardown() {
	c.finish.Do(func() {
		c.conn.Close()
		c.ctx.Cancel()
		close(c.done)
	})
}

func (c *Conn) handlePong(string) error {
	atomic.StoreUint32(&c.outstandingPings, 0)
	return nil
}

func (c *Conn) readMessages() {
	logger := logging.Logger(c.ctx)
	defer c.teardown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.remoteClosed(c.closeEvent(err))
			return
		}

		c.m.Lock()
		l := c.listener
		closed := c.closed
		c.m.Unlock()

		switch {
		case closed:
			continue
		case l == nil:
			logger.Printf("dropping frame: no listener")
		default:
			l.OnMessage(c, data)
		}
	}
}

func (c *Conn) closeEvent(err error) proto.CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return proto.CloseEvent{
			Code:   proto.CloseCode(ce.Code),
			Reason: ce.Text,
			Clean:  ce.Code != websocket.CloseAbnormalClosure,
		}
	}

	c.m.Lock()
	failure := c.failure
	c.m.Unlock()
	if failure != nil {
		err = failure
	}
	return proto.CloseEvent{Code: proto.CloseAbnormal, Reason: err.Error()}
}

func (c *Conn) remoteClosed(event proto.CloseEvent) {
	c.m.Lock()
	if c.closed || c.remote != nil {
		c.m.Unlock()
		return
	}
	c.remote = &event
	l := c.listener
	c.m.Unlock()

	logging.Logger(c.ctx).Printf("closed by peer: %d %s", event.Code, event.Reason)
	if l != nil {
		l.OnClose(c, event)
	}
}

func (c *Conn) keepalive() {
	logger := logging.Logger(c.ctx)

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if pings := atomic.AddUint32(&c.outstandingPings, 1); pings > MaxKeepAliveMisses {
				logger.Printf("connection timed out")
				c.m.Lock()
				c.failure = ErrUnresponsive
				c.m.Unlock()
				c.conn.Close()
				return
			}

			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				logger.Printf("error: ping: %s", err)
				return
			}
		}
	}
}
