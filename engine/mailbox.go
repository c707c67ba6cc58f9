package engine

import "euphoria.io/mpst/proto"

// A Handler consumes exactly one message.
type Handler func(msg *proto.Message)

// A Mailbox pairs messages arriving from one peer with the handlers waiting
// for them. Each message goes to exactly one handler, in arrival order. At
// most one of the two queues is non-empty at any time.
//
// A Mailbox is owned by a single session and is not safe for concurrent use.
type Mailbox struct {
	messages []*proto.Message
	handlers []Handler
}

// Deliver hands msg to the oldest waiting handler, or queues it.
func (mb *Mailbox) Deliver(msg *proto.Message) {
	if len(mb.handlers) == 0 {
		mb.messages = append(mb.messages, msg)
		return
	}
	handler := mb.handlers[0]
	mb.handlers[0] = nil
	mb.handlers = mb.handlers[1:]
	handler(msg)
}

// Register hands the oldest queued message to handler, or queues the
// handler until a message arrives.
func (mb *Mailbox) Register(handler Handler) {
	if len(mb.messages) == 0 {
		mb.handlers = append(mb.handlers, handler)
		return
	}
	msg := mb.messages[0]
	mb.messages[0] = nil
	mb.messages = mb.messages[1:]
	handler(msg)
}

// Len returns the number of queued messages and handlers.
func (mb *Mailbox) Len() (messages, handlers int) { return len(mb.messages), len(mb.handlers) }

// Mailboxes holds one Mailbox per peer role.
type Mailboxes map[proto.Role]*Mailbox

func NewMailboxes(roles proto.Roles) Mailboxes {
	mbs := make(Mailboxes, len(roles))
	for _, role := range roles {
		mbs[role] = &Mailbox{}
	}
	return mbs
}
