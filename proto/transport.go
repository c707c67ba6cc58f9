package proto

// A CloseEvent describes how a transport was closed.
type CloseEvent struct {
	Code   CloseCode
	Reason string
	Clean  bool
}

// A Listener observes a transport. Events from one transport are delivered
// sequentially.
type Listener interface {
	OnMessage(t Transport, data []byte)
	OnClose(t Transport, event CloseEvent)
}

// A Transport is a bidirectional, message-oriented channel to a single
// participant.
type Transport interface {
	// ID returns a description of the transport, for logging.
	ID() string

	// Send transmits one text frame.
	Send(data []byte) error

	// Close closes the transport with the given code and reason. The
	// transport's own listener is not notified.
	Close(code CloseCode, reason string) error

	// Listen replaces the transport's listener. A nil listener detaches
	// the current one. If the transport has already been closed by the
	// remote side, the new listener is notified of it.
	Listen(Listener)
}
