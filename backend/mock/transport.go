package mock

import (
	"encoding/json"
	"sync"
	"time"

	"euphoria.io/mpst/proto"
)

// Transport is an in-memory proto.Transport. Frames sent through it are
// recorded; the test plays the remote side through Receive and Drop.
type Transport struct {
	sync.Mutex
	id       string
	listener proto.Listener
	closed   *proto.CloseEvent
	remote   *proto.CloseEvent
	history  [][]byte

	sent   chan []byte
	closes chan proto.CloseEvent

	// SendErr, if set, is returned by Send.
	SendErr error
}

func NewTransport(id string) *Transport {
	return &Transport{
		id:     id,
		sent:   make(chan []byte, 64),
		closes: make(chan proto.CloseEvent, 4),
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Send(data []byte) error {
	t.Lock()
	defer t.Unlock()

	if t.closed != nil || t.remote != nil {
		return proto.ErrTransportClosed
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	frame := append([]byte(nil), data...)
	t.history = append(t.history, frame)
	select {
	case t.sent <- frame:
	default:
	}
	return nil
}

func (t *Transport) Close(code proto.CloseCode, reason string) error {
	t.Lock()
	defer t.Unlock()

	if t.closed != nil {
		return proto.ErrTransportClosed
	}
	event := proto.CloseEvent{Code: code, Reason: reason, Clean: true}
	t.closed = &event
	t.closes <- event
	return nil
}

func (t *Transport) Listen(l proto.Listener) {
	t.Lock()
	t.listener = l
	remote := t.remote
	t.Unlock()

	if l != nil && remote != nil {
		l.OnClose(t, *remote)
	}
}

// Listener returns the currently attached listener.
func (t *Transport) Listener() proto.Listener {
	t.Lock()
	defer t.Unlock()
	return t.listener
}

// Receive delivers a frame from the remote side.
func (t *Transport) Receive(data []byte) {
	t.Lock()
	l := t.listener
	t.Unlock()

	if l != nil {
		l.OnMessage(t, data)
	}
}

// ReceiveJSON encodes v and delivers it from the remote side.
func (t *Transport) ReceiveJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.Receive(data)
}

// Drop closes the transport from the remote side.
func (t *Transport) Drop(code proto.CloseCode, reason string, clean bool) {
	event := proto.CloseEvent{Code: code, Reason: reason, Clean: clean}

	t.Lock()
	if t.remote != nil || t.closed != nil {
		t.Unlock()
		return
	}
	t.remote = &event
	l := t.listener
	t.Unlock()

	if l != nil {
		l.OnClose(t, event)
	}
}

// History returns every frame sent so far.
func (t *Transport) History() [][]byte {
	t.Lock()
	defer t.Unlock()
	return append([][]byte(nil), t.history...)
}

// ClosedWith returns the local close event, if the transport has been
// closed locally.
func (t *Transport) ClosedWith() *proto.CloseEvent {
	t.Lock()
	defer t.Unlock()
	return t.closed
}

// NextSent waits up to d for the next sent frame.
func (t *Transport) NextSent(d time.Duration) []byte {
	select {
	case frame := <-t.sent:
		return frame
	case <-time.After(d):
		return nil
	}
}

// NextClose waits up to d for the transport to be closed locally.
func (t *Transport) NextClose(d time.Duration) *proto.CloseEvent {
	select {
	case event := <-t.closes:
		return &event
	case <-time.After(d):
		return nil
	}
}
