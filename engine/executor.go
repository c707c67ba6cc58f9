package engine

import (
	"fmt"

	"euphoria.io/mpst/proto"
	"euphoria.io/scope"
)

// A Host is the environment an Executor runs in: a session on the
// coordinator, or a participant's client. The Executor only ever calls its
// Host from the host's own serial timeline.
type Host interface {
	// Send transmits a message from the executing role to role to.
	Send(to proto.Role, label string, payload interface{}) error

	// Fail ends the session because of a local logical error.
	Fail(err error)

	// Terminate is called once, when the state machine reaches Terminal.
	Terminate()

	// Post schedules f on the host's serial timeline. If the host has
	// already shut down, f is dropped and Post returns false.
	Post(f func()) bool
}

// An Executor drives one role's endpoint state machine.
//
// Producers and continuations run on their own goroutines; their results
// re-enter the host's timeline through Post, so the executor only ever
// handles one transition at a time.
type Executor struct {
	ctx       scope.Context
	self      proto.Role
	host      Host
	mailboxes Mailboxes
	hook      Hook

	state   proto.State
	step    uint64
	stopped bool
}

func NewExecutor(ctx scope.Context, self proto.Role, host Host, mailboxes Mailboxes, hook Hook) *Executor {
	if hook == nil {
		hook = NopHook
	}
	return &Executor{
		ctx:       ctx,
		self:      self,
		host:      host,
		mailboxes: mailboxes,
		hook:      hook,
	}
}

// State returns the most recent state the executor advanced to.
func (e *Executor) State() proto.State { return e.state }

// Done reports whether the executor will make no further transitions.
func (e *Executor) Done() bool { return e.stopped }

// Stop prevents any further transitions. Results of producers and
// continuations still in flight are discarded.
func (e *Executor) Stop() { e.stopped = true }

// Advance moves the state machine to state and performs its action.
func (e *Executor) Advance(state proto.State) {
	if e.stopped {
		return
	}
	if state == nil {
		e.fail(fmt.Errorf("no successor state after %s", describe(e.state)))
		return
	}

	e.state = state
	e.step++

	switch s := state.(type) {
	case *proto.Send:
		e.prepareSend(s)
	case *proto.Receive:
		e.prepareReceive(s)
	case *proto.Terminal:
		e.stopped = true
		e.hook.Flush()
		e.host.Terminate()
	default:
		e.fail(fmt.Errorf("unsupported state type %T", state))
	}
}

func (e *Executor) prepareSend(s *proto.Send) {
	if s.Produce == nil {
		e.completeSend(e.step, s, nil, nil)
		return
	}

	step := e.step
	e.spawn(func() func() {
		payload, err := produce(e.ctx, s.Produce)
		return func() { e.completeSend(step, s, payload, err) }
	})
}

func (e *Executor) completeSend(step uint64, s *proto.Send, payload interface{}, err error) {
	if e.stopped || step != e.step {
		return
	}

	span := e.hook.Begin(ActionSend, e.self, s.To, s.Label)
	if err != nil {
		span.End(err)
		e.fail(err)
		return
	}

	err = e.host.Send(s.To, s.Label, payload)
	span.End(err)
	if err != nil {
		e.fail(err)
		return
	}

	e.Advance(s.Next)
}

func (e *Executor) prepareReceive(s *proto.Receive) {
	mb, ok := e.mailboxes[s.From]
	if !ok {
		e.fail(fmt.Errorf("%s: receive from %s: %w", describe(s), s.From, proto.ErrUnknownRole))
		return
	}

	step := e.step
	mb.Register(func(msg *proto.Message) { e.receive(step, s, msg) })
}

func (e *Executor) receive(step uint64, s *proto.Receive, msg *proto.Message) {
	if e.stopped || step != e.step {
		return
	}

	span := e.hook.Begin(ActionReceive, e.self, s.From, msg.Label)
	defer span.End(nil)

	if !s.Accepts(msg.Label) {
		e.fail(fmt.Errorf("%s: %w from %s: %q", describe(s), proto.ErrUnexpectedLabel, s.From, msg.Label))
		return
	}
	if s.Continue == nil {
		e.fail(fmt.Errorf("%s: no continuation", describe(s)))
		return
	}

	e.spawn(func() func() {
		next, err := resume(e.ctx, s.Continue, msg)
		return func() {
			if e.stopped || step != e.step {
				return
			}
			if err != nil {
				e.fail(err)
				return
			}
			e.Advance(next)
		}
	})
}

func (e *Executor) fail(err error) {
	e.stopped = true
	e.host.Fail(err)
}

// spawn runs work off the host's timeline and posts the closure it returns
// back onto it.
func (e *Executor) spawn(work func() func()) {
	wg := e.ctx.WaitGroup()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.host.Post(work())
	}()
}

func produce(ctx scope.Context, f proto.Producer) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return f(ctx)
}

func resume(ctx scope.Context, f proto.Continuation, msg *proto.Message) (next proto.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	return f(ctx, msg)
}

func describe(s proto.State) string {
	if s == nil {
		return "start"
	}
	if id := s.ID(); id != "" {
		return id
	}
	return s.Kind().String()
}
