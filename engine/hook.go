package engine

import "euphoria.io/mpst/proto"

type Action string

const (
	ActionSend    Action = "send"
	ActionReceive Action = "receive"
)

// A Span covers one send or receive transition.
type Span interface {
	End(err error)
}

// A Hook observes transitions. Hooks must not affect protocol behaviour.
type Hook interface {
	Begin(action Action, self, partner proto.Role, label string) Span

	// Flush is called once when the state machine reaches Terminal.
	Flush()
}

type nopHook struct{}

func (nopHook) Begin(Action, proto.Role, proto.Role, string) Span { return nopSpan{} }
func (nopHook) Flush()                                            {}

type nopSpan struct{}

func (nopSpan) End(error) {}

// NopHook observes nothing.
var NopHook Hook = nopHook{}

type multiHook []Hook

// MultiHook fans transitions out to every given hook.
func MultiHook(hooks ...Hook) Hook {
	filtered := multiHook{}
	for _, h := range hooks {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	switch len(filtered) {
	case 0:
		return NopHook
	case 1:
		return filtered[0]
	default:
		return filtered
	}
}

func (hs multiHook) Begin(action Action, self, partner proto.Role, label string) Span {
	spans := make(multiSpan, len(hs))
	for i, h := range hs {
		spans[i] = h.Begin(action, self, partner, label)
	}
	return spans
}

func (hs multiHook) Flush() {
	for _, h := range hs {
		h.Flush()
	}
}

type multiSpan []Span

func (ss multiSpan) End(err error) {
	for _, s := range ss {
		s.End(err)
	}
}
