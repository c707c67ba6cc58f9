package client

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"euphoria.io/mpst/engine"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/mpst/transport"
	"euphoria.io/scope"
)

type Option func(*Client)

// WithHook installs a hook observing the client's transitions.
func WithHook(hook engine.Hook) Option {
	return func(c *Client) { c.hook = hook }
}

// OnCancel sets a handler invoked once if the session ends by cancellation.
func OnCancel(handler func(role proto.Role, reason string)) Option {
	return func(c *Client) { c.onCancel = handler }
}

// A Client runs one participant's side of a protocol against a coordinator.
type Client struct {
	ctx       scope.Context
	protocol  *proto.Protocol
	transport proto.Transport
	mailboxes engine.Mailboxes
	exec      *engine.Executor
	hook      engine.Hook
	onCancel  func(proto.Role, string)

	events   chan func()
	running  sync.Once
	joined   bool
	finished bool
	result   error
}

func New(ctx scope.Context, protocol *proto.Protocol, t proto.Transport, options ...Option) (*Client, error) {
	if err := protocol.Validate(); err != nil {
		return nil, err
	}
	if protocol.IsCoordinator() {
		return nil, fmt.Errorf("protocol %s: %s is the coordinator", protocol.Name, protocol.Self)
	}

	c := &Client{
		ctx:       logging.Prefixed(ctx.Fork(), fmt.Sprintf("[%s:%s] ", protocol.Name, protocol.Self)),
		protocol:  protocol,
		transport: t,
		mailboxes: engine.NewMailboxes(protocol.Peers),
		events:    make(chan func(), 16),
	}
	for _, option := range options {
		option(c)
	}
	c.exec = engine.NewExecutor(c.ctx, protocol.Self, c, c.mailboxes, c.hook)
	return c, nil
}

// Dial connects to a coordinator's protocol endpoint, e.g.
// ws://host/protocol/auction/ws.
func Dial(
	ctx scope.Context, url string, header http.Header, keepAlive time.Duration, protocol *proto.Protocol,
	options ...Option) (*Client, error) {

	conn, err := transport.Dial(ctx, url, header, keepAlive)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, protocol, conn, options...)
	if err != nil {
		conn.Close(proto.CloseNormal, "")
		return nil, err
	}
	return c, nil
}

// Run joins a session and executes the protocol until it ends. It returns
// nil once the state machine reaches Terminal, a *proto.CancelledError if
// the session was cancelled, or another error if the session could not be
// joined.
func (c *Client) Run() error {
	err := proto.ErrSessionClosed
	c.running.Do(func() { err = c.run() })
	return err
}

func (c *Client) run() error {
	if err := c.ctx.Check("euphoria.io/mpst/client.Client.Run"); err != nil {
		return err
	}

	req, err := (&proto.ConnectRequest{Connect: c.protocol.Self}).Encode()
	if err != nil {
		return err
	}
	c.transport.Listen(c)
	if err := c.transport.Send(req); err != nil {
		c.transport.Listen(nil)
		return fmt.Errorf("%w: %s", proto.ErrConnectFailed, err)
	}
	logging.Logger(c.ctx).Printf("requested %s", c.protocol.Self)

	for !c.finished {
		select {
		case <-c.ctx.Done():
			if !c.finished {
				c.transport.Close(proto.CloseGoingAway, "")
				c.finish(c.ctx.Err())
			}
		case f := <-c.events:
			f()
		}
	}
	return c.result
}

func (c *Client) OnMessage(t proto.Transport, data []byte) {
	c.Post(func() { c.receive(data) })
}

func (c *Client) OnClose(t proto.Transport, event proto.CloseEvent) {
	c.Post(func() { c.closed(event) })
}

// Post schedules f on the client's timeline.
func (c *Client) Post(f func()) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.events <- f:
		return true
	}
}

// Send transmits a message to role to, by way of the coordinator.
func (c *Client) Send(to proto.Role, label string, payload interface{}) error {
	if _, ok := c.mailboxes[to]; !ok {
		return fmt.Errorf("%w: %s", proto.ErrUnknownRole, to)
	}
	msg, err := proto.NewMessage(to, label, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.transport.Send(data)
}

// Fail abandons the session because of a local logical error. A transport
// closed under a send is not one: the close event carries the real culprit,
// so the client waits for it instead.
func (c *Client) Fail(err error) {
	if errors.Is(err, proto.ErrTransportClosed) {
		logging.Logger(c.ctx).Printf("transport closed, waiting for close event")
		return
	}
	logging.Logger(c.ctx).Printf("error: %s", err)
	reason := proto.ReasonString(err)
	c.transport.Listen(nil)
	c.transport.Close(proto.CloseLogicalError, proto.NewCancellation(c.protocol.Self, reason).Encode())
	c.cancelled(c.protocol.Self, reason)
}

// Terminate leaves the session cleanly.
func (c *Client) Terminate() {
	logging.Logger(c.ctx).Printf("protocol complete")
	c.transport.Listen(nil)
	c.transport.Close(proto.CloseNormal, "")
	c.finish(nil)
}

func (c *Client) receive(data []byte) {
	if c.finished {
		return
	}

	if !c.joined {
		if !proto.IsConfirm(data) {
			c.Fail(fmt.Errorf("expected session confirmation, got %q", data))
			return
		}
		c.joined = true
		logging.Logger(c.ctx).Printf("session confirmed")
		// The confirmation carries no session id.
		c.exec.Advance(c.protocol.Initial(""))
		return
	}

	msg, err := proto.ParseMessage(data)
	if err != nil {
		c.Fail(err)
		return
	}
	mb, ok := c.mailboxes[msg.Role]
	if !ok {
		c.Fail(fmt.Errorf("%w: message from %s", proto.ErrUnknownRole, msg.Role))
		return
	}
	mb.Deliver(msg)
}

func (c *Client) closed(event proto.CloseEvent) {
	if c.finished {
		return
	}
	c.transport.Listen(nil)

	coordinator := c.protocol.Coordinator
	logging.Logger(c.ctx).Printf("closed by coordinator (%s): %s", event.Code, event.Reason)

	if !c.joined {
		switch {
		case event.Code == proto.CloseRoleOccupied:
			c.cancelled(c.protocol.Self, "role occupied")
		case event.Code == proto.ClosePeerDisconnect || event.Code == proto.CloseLogicalError:
			c.decodeCancellation(event.Reason)
		case !event.Clean:
			c.finish(fmt.Errorf("%w: %s", proto.ErrConnectFailed, event.Code))
		default:
			c.cancelled(coordinator, event.Reason)
		}
		return
	}

	switch event.Code {
	case proto.CloseNormal:
		if _, ok := c.exec.State().(*proto.Terminal); ok {
			c.finish(nil)
			return
		}
		c.finish(proto.ErrSessionClosed)
	case proto.CloseGoingAway, proto.CloseAbnormal:
		c.cancelled(coordinator, "server disconnected")
	case proto.ClosePeerDisconnect, proto.CloseLogicalError:
		c.decodeCancellation(event.Reason)
	default:
		c.cancelled(coordinator, event.Reason)
	}
}

func (c *Client) decodeCancellation(text string) {
	cancellation, err := proto.ParseCancellation(text)
	if err != nil {
		c.cancelled(c.protocol.Coordinator, text)
		return
	}
	c.cancelled(cancellation.Role, cancellation.Reason)
}

func (c *Client) cancelled(role proto.Role, reason string) {
	if c.finished {
		return
	}
	if c.onCancel != nil {
		c.onCancel(role, reason)
	}
	c.finish(&proto.CancelledError{Role: role, Reason: reason})
}

func (c *Client) finish(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.result = err
	c.exec.Stop()
	c.ctx.Cancel()
}
