package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"euphoria.io/mpst/engine"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/scope"
)

const DefaultEventBuffer = 64

type Lifecycle int32

const (
	Active Lifecycle = iota
	Completed
	Cancelled
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("lifecycle(%d)", int32(l))
	}
}

// A CancellationHandler is told which role ended a session early, and why.
type CancellationHandler func(sessionID string, role proto.Role, reason string)

// A CompletionHandler is told when the coordinator's own state machine
// reaches Terminal.
type CompletionHandler func(sessionID string)

type sessionOptions struct {
	onCancel    CancellationHandler
	onComplete  CompletionHandler
	hook        engine.Hook
	eventBuffer int
}

// A Session is one run of a protocol on the coordinator. It relays frames
// between participants and drives the coordinator's own state machine.
//
// All state is owned by the serve goroutine. Transport callbacks and the
// results of producers and continuations are posted onto it as events.
type Session struct {
	id         string
	ctx        scope.Context
	protocol   *proto.Protocol
	transports map[proto.Role]proto.Transport
	active     map[proto.Role]bool
	mailboxes  engine.Mailboxes
	exec       *engine.Executor
	options    sessionOptions

	lifecycle int32
	events    chan func()
	stopOnce  sync.Once
}

func newSession(
	ctx scope.Context, id string, protocol *proto.Protocol, transports map[proto.Role]proto.Transport,
	options sessionOptions) *Session {

	if options.eventBuffer <= 0 {
		options.eventBuffer = DefaultEventBuffer
	}

	s := &Session{
		id:         id,
		ctx:        logging.Prefixed(ctx.Fork(), fmt.Sprintf("[%s/%s] ", protocol.Name, id)),
		protocol:   protocol,
		transports: transports,
		active:     make(map[proto.Role]bool, len(transports)),
		mailboxes:  engine.NewMailboxes(protocol.Peers),
		options:    options,
		events:     make(chan func(), options.eventBuffer),
	}
	hook := engine.MultiHook(newMetricsHook(protocol.Name), options.hook)
	s.exec = engine.NewExecutor(s.ctx, protocol.Self, s, s.mailboxes, hook)

	for role, t := range transports {
		s.active[role] = true
		t.Listen(&roleListener{session: s, role: role})
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Lifecycle() Lifecycle { return Lifecycle(atomic.LoadInt32(&s.lifecycle)) }

// Done is closed once the session has released every transport.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// start begins serving the session.
func (s *Session) start() {
	logging.Logger(s.ctx).Printf("session started with %d participants", len(s.transports))
	sessionsStarted.WithLabelValues(s.protocol.Name).Inc()
	liveSessions.WithLabelValues(s.protocol.Name).Inc()

	s.ctx.WaitGroup().Add(1)
	go s.serve()
}

func (s *Session) serve() {
	defer s.ctx.WaitGroup().Done()

	if s.confirm() {
		s.exec.Advance(s.protocol.Initial(s.id))
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.events:
			f()
		}
	}
}

// confirm tells every participant the session has started. A transport that
// cannot take the confirmation may have been closed locally, in which case
// no close event will follow, so the session is cancelled on its behalf.
func (s *Session) confirm() bool {
	confirm := proto.EncodeConfirm()
	for _, role := range s.protocol.Peers {
		if err := s.transports[role].Send(confirm); err != nil {
			logging.Logger(s.ctx).Printf("error: confirm %s: %s", role, err)
			s.cancel(role, "browser disconnected")
			return false
		}
	}
	return true
}

// Post schedules f on the session's timeline.
func (s *Session) Post(f func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.events <- f:
		return true
	}
}

// Send transmits a message from the coordinator to role to. Sending to a
// participant that has already left is a no-op.
func (s *Session) Send(to proto.Role, label string, payload interface{}) error {
	t, ok := s.transports[to]
	if !ok {
		return fmt.Errorf("%w: %s", proto.ErrUnknownRole, to)
	}
	if !s.active[to] {
		logging.Logger(s.ctx).Printf("%s has left, not sending %q", to, label)
		return nil
	}

	msg, err := proto.NewMessage(s.protocol.Self, label, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := t.Send(data); err != nil {
		if !s.active[to] {
			return nil
		}
		return fmt.Errorf("send %q to %s: %s", label, to, err)
	}
	return nil
}

// Fail cancels the session because of a logical error on the coordinator.
func (s *Session) Fail(err error) {
	logging.Logger(s.ctx).Printf("error: %s", err)
	s.cancel(s.protocol.Self, proto.ReasonString(err))
}

// Terminate marks the session completed once the coordinator's state machine
// reaches Terminal. Participants may still be exchanging messages, so
// relaying continues until they have all left.
func (s *Session) Terminate() {
	if !atomic.CompareAndSwapInt32(&s.lifecycle, int32(Active), int32(Completed)) {
		return
	}
	logging.Logger(s.ctx).Printf("session completed")
	sessionsCompleted.WithLabelValues(s.protocol.Name).Inc()
	if s.options.onComplete != nil {
		s.options.onComplete(s.id)
	}
	s.teardownIfIdle()
}

func (s *Session) receive(from proto.Role, data []byte) {
	if !s.active[from] {
		return
	}

	msg, err := proto.ParseMessage(data)
	if err != nil {
		logging.Logger(s.ctx).Printf("error: %s: %s", from, err)
		s.cancel(from, fmt.Sprintf("malformed frame: %s", err))
		return
	}

	if msg.Role == s.protocol.Self {
		s.mailboxes[from].Deliver(msg)
		return
	}
	s.relay(from, msg)
}

func (s *Session) relay(from proto.Role, msg *proto.Message) {
	to := msg.Role
	t, ok := s.transports[to]
	if !ok {
		s.cancel(from, fmt.Sprintf("%s: %s", proto.ErrUnknownRole, to))
		return
	}
	if !s.active[to] {
		logging.Logger(s.ctx).Printf("%s has left, dropping %q from %s", to, msg.Label, from)
		droppedMessages.WithLabelValues(s.protocol.Name).Inc()
		return
	}

	data, err := msg.Relabel(from).Encode()
	if err != nil {
		s.Fail(err)
		return
	}
	if err := t.Send(data); err != nil {
		if s.active[to] {
			s.Fail(fmt.Errorf("relay %q from %s to %s: %s", msg.Label, from, to, err))
		}
		return
	}
	relayedMessages.WithLabelValues(s.protocol.Name).Inc()
}

func (s *Session) closed(role proto.Role, event proto.CloseEvent) {
	if !s.active[role] {
		return
	}
	delete(s.active, role)
	s.transports[role].Listen(nil)

	logger := logging.Logger(s.ctx)
	switch event.Code {
	case proto.CloseNormal:
		logger.Printf("%s left", role)
		if s.Lifecycle() == Active && len(s.active) == 0 {
			// Nobody is left to complete the coordinator's state machine.
			s.cancel(role, proto.ReasonString(proto.ErrSessionClosed))
			return
		}
		s.teardownIfIdle()
	case proto.CloseGoingAway, proto.CloseAbnormal:
		logger.Printf("%s disconnected (%s)", role, event.Code)
		s.cancel(role, "browser disconnected")
	case proto.ClosePeerDisconnect, proto.CloseLogicalError:
		logger.Printf("%s cancelled (%s): %s", role, event.Code, event.Reason)
		s.cancel(role, proto.DecodeReason(event.Reason))
	default:
		logger.Printf("%s closed with %s: %s", role, event.Code, event.Reason)
		s.cancel(role, event.Reason)
	}
}

// cancel ends the session on behalf of role, closing every transport still
// active with a logical error naming role. The cancellation handler runs at most
// once, and only if the session was still active.
func (s *Session) cancel(role proto.Role, reason string) {
	wasActive := atomic.CompareAndSwapInt32(&s.lifecycle, int32(Active), int32(Cancelled))
	s.exec.Stop()

	frame := proto.NewCancellation(role, reason).Encode()
	for _, peer := range s.protocol.Peers {
		if !s.active[peer] {
			continue
		}
		delete(s.active, peer)
		t := s.transports[peer]
		t.Listen(nil)
		if err := t.Close(proto.CloseLogicalError, frame); err != nil {
			logging.Logger(s.ctx).Printf("error: close %s: %s", peer, err)
		}
	}

	if wasActive {
		logging.Logger(s.ctx).Printf("session cancelled by %s: %s", role, reason)
		cause := "peer"
		if role == s.protocol.Self {
			cause = "coordinator"
		}
		sessionsCancelled.WithLabelValues(s.protocol.Name, cause).Inc()
		if s.options.onCancel != nil {
			s.options.onCancel(s.id, role, reason)
		}
	}
	s.teardownIfIdle()
}

func (s *Session) teardownIfIdle() {
	if s.Lifecycle() == Active || len(s.active) > 0 {
		return
	}
	s.stopOnce.Do(func() {
		s.exec.Stop()
		for _, t := range s.transports {
			t.Listen(nil)
		}
		liveSessions.WithLabelValues(s.protocol.Name).Dec()
		logging.Logger(s.ctx).Printf("session released")
		s.ctx.Cancel()
	})
}

type roleListener struct {
	session *Session
	role    proto.Role
}

func (l *roleListener) OnMessage(t proto.Transport, data []byte) {
	l.session.Post(func() { l.session.receive(l.role, data) })
}

func (l *roleListener) OnClose(t proto.Transport, event proto.CloseEvent) {
	l.session.Post(func() { l.session.closed(l.role, event) })
}
