package proto

import "euphoria.io/scope"

// StateKind tags the three shapes a State can take.
type StateKind int

const (
	SendKind StateKind = iota
	ReceiveKind
	TerminalKind
)

func (k StateKind) String() string {
	switch k {
	case SendKind:
		return "send"
	case ReceiveKind:
		return "receive"
	case TerminalKind:
		return "terminal"
	default:
		return "unknown"
	}
}

// A State is one node of a role's endpoint state machine. The set of
// implementations is closed: *Send, *Receive and *Terminal.
type State interface {
	Kind() StateKind
	ID() string

	state()
}

// A Producer supplies the payload for a Send state. It may block; the
// runtime never calls it on a session's event loop.
type Producer func(ctx scope.Context) (interface{}, error)

// A Continuation consumes the message obtained by a Receive state and
// returns the state to advance to. Like a Producer, it may block.
type Continuation func(ctx scope.Context, msg *Message) (State, error)

// Send transmits a payload labelled Label to role To, then moves to Next.
type Send struct {
	Name    string
	To      Role
	Label   string
	Produce Producer
	Next    State
}

func (s *Send) Kind() StateKind { return SendKind }
func (s *Send) ID() string      { return s.Name }
func (*Send) state()            {}

// Receive waits for the next message from role From and hands it to
// Continue. An empty Label accepts any label.
type Receive struct {
	Name     string
	From     Role
	Label    string
	Continue Continuation
}

func (s *Receive) Kind() StateKind { return ReceiveKind }
func (s *Receive) ID() string      { return s.Name }
func (*Receive) state()            {}

// Accepts reports whether a message with the given label may be consumed
// by this state.
func (s *Receive) Accepts(label string) bool { return s.Label == "" || s.Label == label }

// Terminal ends the state machine.
type Terminal struct {
	Name string
}

func (s *Terminal) Kind() StateKind { return TerminalKind }
func (s *Terminal) ID() string      { return s.Name }
func (*Terminal) state()            {}
