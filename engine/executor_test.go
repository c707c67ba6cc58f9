package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"euphoria.io/mpst/proto"
	"euphoria.io/scope"

	. "github.com/smartystreets/goconvey/convey"
)

type sentMessage struct {
	to      proto.Role
	label   string
	payload interface{}
}

type testHost struct {
	posts      chan func()
	sent       []sentMessage
	sendErr    error
	failures   []error
	terminated int
}

func newTestHost() *testHost { return &testHost{posts: make(chan func(), 16)} }

func (h *testHost) Send(to proto.Role, label string, payload interface{}) error {
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, sentMessage{to, label, payload})
	return nil
}

func (h *testHost) Fail(err error)      { h.failures = append(h.failures, err) }
func (h *testHost) Terminate()          { h.terminated++ }
func (h *testHost) Post(f func()) bool  { h.posts <- f; return true }

// drain runs posted closures on the calling goroutine until cond holds.
func (h *testHost) drain(cond func() bool) bool {
	timeout := time.After(time.Second)
	for !cond() {
		select {
		case f := <-h.posts:
			f()
		case <-timeout:
			return false
		}
	}
	return true
}

type recordingHook struct {
	begun   []string
	ended   []error
	flushed int
}

type recordingSpan struct {
	hook *recordingHook
}

func (h *recordingHook) Begin(action Action, self, partner proto.Role, label string) Span {
	h.begun = append(h.begun, fmt.Sprintf("%s %s->%s %s", action, self, partner, label))
	return recordingSpan{h}
}

func (h *recordingHook) Flush() { h.flushed++ }

func (s recordingSpan) End(err error) { s.hook.ended = append(s.hook.ended, err) }

func constant(v interface{}) proto.Producer {
	return func(scope.Context) (interface{}, error) { return v, nil }
}

func rawMessage(role proto.Role, label string, payload interface{}) *proto.Message {
	msg, err := proto.NewMessage(role, label, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

func TestExecutor(t *testing.T) {
	Convey("Send transmits and advances", t, func() {
		host := newTestHost()
		hook := &recordingHook{}
		e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B", "S"}), hook)

		end := &proto.Terminal{Name: "S3"}
		e.Advance(&proto.Send{Name: "S1", To: "B", Label: "bid", Produce: constant(42), Next: end})
		So(host.drain(func() bool { return host.terminated > 0 }), ShouldBeTrue)

		So(host.sent, ShouldResemble, []sentMessage{{"B", "bid", 42}})
		So(host.terminated, ShouldEqual, 1)
		So(host.failures, ShouldBeEmpty)
		So(e.Done(), ShouldBeTrue)
		So(e.State(), ShouldEqual, end)
		So(hook.begun, ShouldResemble, []string{"send A->B bid"})
		So(hook.ended, ShouldResemble, []error{nil})
		So(hook.flushed, ShouldEqual, 1)
	})

	Convey("Send without a producer sends a null payload synchronously", t, func() {
		host := newTestHost()
		e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
		e.Advance(&proto.Send{To: "B", Label: "ping", Next: &proto.Terminal{}})
		So(host.sent, ShouldResemble, []sentMessage{{"B", "ping", nil}})
		So(host.terminated, ShouldEqual, 1)
	})

	Convey("Receive waits for its message", t, func() {
		host := newTestHost()
		mbs := NewMailboxes(proto.Roles{"A", "S"})
		e := NewExecutor(scope.New(), "B", host, mbs, nil)

		var got int
		e.Advance(&proto.Receive{
			Name:  "S4",
			From:  "A",
			Label: "bid",
			Continue: func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
				if err := msg.Decode(&got); err != nil {
					return nil, err
				}
				return &proto.Terminal{}, nil
			},
		})
		So(lens(mbs["A"]), ShouldResemble, [2]int{0, 1})
		So(host.terminated, ShouldEqual, 0)

		mbs["A"].Deliver(rawMessage("A", "bid", 42))
		So(host.drain(func() bool { return host.terminated > 0 }), ShouldBeTrue)
		So(got, ShouldEqual, 42)
		So(host.failures, ShouldBeEmpty)
	})

	Convey("Receive consumes an already queued message", t, func() {
		host := newTestHost()
		mbs := NewMailboxes(proto.Roles{"A"})
		mbs["A"].Deliver(rawMessage("A", "bid", 7))
		mbs["A"].Deliver(rawMessage("A", "bid", 8))

		var got []int
		var loop *proto.Receive
		loop = &proto.Receive{
			From: "A",
			Continue: func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
				var n int
				if err := msg.Decode(&n); err != nil {
					return nil, err
				}
				got = append(got, n)
				if len(got) == 2 {
					return &proto.Terminal{}, nil
				}
				return loop, nil
			},
		}

		e := NewExecutor(scope.New(), "B", host, mbs, nil)
		e.Advance(loop)
		So(host.drain(func() bool { return host.terminated > 0 }), ShouldBeTrue)
		So(got, ShouldResemble, []int{7, 8})
		So(lens(mbs["A"]), ShouldResemble, [2]int{0, 0})
	})

	Convey("Continuations may suspend", t, func() {
		host := newTestHost()
		mbs := NewMailboxes(proto.Roles{"A"})
		e := NewExecutor(scope.New(), "B", host, mbs, nil)

		release := make(chan struct{})
		e.Advance(&proto.Receive{
			From: "A",
			Continue: func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
				<-release
				return &proto.Terminal{}, nil
			},
		})
		mbs["A"].Deliver(rawMessage("A", "bid", 1))
		So(host.drain(func() bool { return host.terminated > 0 }), ShouldBeFalse)

		close(release)
		So(host.drain(func() bool { return host.terminated > 0 }), ShouldBeTrue)
	})

	Convey("Failures become logical errors", t, func() {
		Convey("Producer error", func() {
			host := newTestHost()
			e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
			e.Advance(&proto.Send{
				To:    "B",
				Label: "bid",
				Produce: func(scope.Context) (interface{}, error) {
					return nil, errors.New("no bid")
				},
				Next: &proto.Terminal{},
			})
			So(host.drain(func() bool { return len(host.failures) > 0 }), ShouldBeTrue)
			So(host.failures[0].Error(), ShouldEqual, "no bid")
			So(host.sent, ShouldBeEmpty)
			So(e.Done(), ShouldBeTrue)
		})

		Convey("Continuation panic", func() {
			host := newTestHost()
			mbs := NewMailboxes(proto.Roles{"A"})
			e := NewExecutor(scope.New(), "B", host, mbs, nil)
			e.Advance(&proto.Receive{
				From: "A",
				Continue: func(scope.Context, *proto.Message) (proto.State, error) {
					panic("boom")
				},
			})
			mbs["A"].Deliver(rawMessage("A", "bid", 1))
			So(host.drain(func() bool { return len(host.failures) > 0 }), ShouldBeTrue)
			So(host.failures[0].Error(), ShouldContainSubstring, "boom")
		})

		Convey("Unexpected label", func() {
			host := newTestHost()
			mbs := NewMailboxes(proto.Roles{"A"})
			e := NewExecutor(scope.New(), "B", host, mbs, nil)
			e.Advance(&proto.Receive{From: "A", Label: "bid"})
			mbs["A"].Deliver(rawMessage("A", "quit", nil))
			So(len(host.failures), ShouldEqual, 1)
			So(errors.Is(host.failures[0], proto.ErrUnexpectedLabel), ShouldBeTrue)
		})

		Convey("Receive from an unknown role", func() {
			host := newTestHost()
			e := NewExecutor(scope.New(), "B", host, NewMailboxes(proto.Roles{"A"}), nil)
			e.Advance(&proto.Receive{From: "Z"})
			So(len(host.failures), ShouldEqual, 1)
			So(errors.Is(host.failures[0], proto.ErrUnknownRole), ShouldBeTrue)
		})

		Convey("Transmission failure", func() {
			host := newTestHost()
			host.sendErr = proto.ErrTransportClosed
			e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
			e.Advance(&proto.Send{To: "B", Label: "bid", Next: &proto.Terminal{}})
			So(host.failures, ShouldResemble, []error{proto.ErrTransportClosed})
			So(host.terminated, ShouldEqual, 0)
		})

		Convey("Missing successor", func() {
			host := newTestHost()
			e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
			e.Advance(&proto.Send{Name: "S1", To: "B", Label: "bid"})
			So(len(host.failures), ShouldEqual, 1)
			So(host.failures[0].Error(), ShouldContainSubstring, "S1")
		})
	})

	Convey("Terminal is final", t, func() {
		host := newTestHost()
		e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
		e.Advance(&proto.Terminal{})
		e.Advance(&proto.Send{To: "B", Label: "bid", Next: &proto.Terminal{}})
		e.Advance(&proto.Terminal{})
		So(host.sent, ShouldBeEmpty)
		So(host.terminated, ShouldEqual, 1)
	})

	Convey("Stop discards work in flight", t, func() {
		host := newTestHost()
		e := NewExecutor(scope.New(), "A", host, NewMailboxes(proto.Roles{"B"}), nil)
		release := make(chan struct{})
		e.Advance(&proto.Send{
			To:    "B",
			Label: "bid",
			Produce: func(scope.Context) (interface{}, error) {
				<-release
				return json.RawMessage("1"), nil
			},
			Next: &proto.Terminal{},
		})
		e.Stop()
		close(release)
		f := <-host.posts
		f()
		So(host.sent, ShouldBeEmpty)
		So(host.failures, ShouldBeEmpty)
		So(host.terminated, ShouldEqual, 0)
	})
}
