package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"euphoria.io/mpst/proto"

	. "github.com/smartystreets/goconvey/convey"
)

func msg(label string) *proto.Message { return &proto.Message{Role: "A", Label: label} }

func TestMailbox(t *testing.T) {
	Convey("Message before handler", t, func() {
		mb := &Mailbox{}
		mb.Deliver(msg("1"))
		mb.Deliver(msg("2"))
		So(lens(mb), ShouldResemble, [2]int{2, 0})

		var got []string
		mb.Register(func(m *proto.Message) { got = append(got, m.Label) })
		So(got, ShouldResemble, []string{"1"})
		So(lens(mb), ShouldResemble, [2]int{1, 0})
	})

	Convey("Handler before message", t, func() {
		mb := &Mailbox{}
		var got []string
		mb.Register(func(m *proto.Message) { got = append(got, "first:"+m.Label) })
		mb.Register(func(m *proto.Message) { got = append(got, "second:"+m.Label) })
		So(lens(mb), ShouldResemble, [2]int{0, 2})

		mb.Deliver(msg("1"))
		So(got, ShouldResemble, []string{"first:1"})
		mb.Deliver(msg("2"))
		mb.Deliver(msg("3"))
		So(got, ShouldResemble, []string{"first:1", "second:2"})
		So(lens(mb), ShouldResemble, [2]int{1, 0})
	})

	Convey("Handler may register its successor", t, func() {
		mb := &Mailbox{}
		var got []string
		var handler Handler
		handler = func(m *proto.Message) {
			got = append(got, m.Label)
			if len(got) < 3 {
				mb.Register(handler)
			}
		}
		mb.Deliver(msg("1"))
		mb.Deliver(msg("2"))
		mb.Register(handler)
		So(got, ShouldResemble, []string{"1", "2"})
		So(lens(mb), ShouldResemble, [2]int{0, 1})
		mb.Deliver(msg("3"))
		So(got, ShouldResemble, []string{"1", "2", "3"})
		So(lens(mb), ShouldResemble, [2]int{0, 0})
	})

	Convey("Any interleaving delivers each message once, in order", t, func() {
		for seed := int64(0); seed < 50; seed++ {
			r := rand.New(rand.NewSource(seed))
			mb := &Mailbox{}
			delivered := map[string]int{}
			var order []string
			sent, registered := 0, 0

			for sent < 20 || registered < 20 {
				if registered == 20 || (sent < 20 && r.Intn(2) == 0) {
					mb.Deliver(msg(fmt.Sprint(sent)))
					sent++
				} else {
					calls := 0
					mb.Register(func(m *proto.Message) {
						calls++
						So(calls, ShouldEqual, 1)
						delivered[m.Label]++
						order = append(order, m.Label)
					})
					registered++
				}
				messages, handlers := mb.Len()
				So(messages == 0 || handlers == 0, ShouldBeTrue)
			}

			So(len(order), ShouldEqual, 20)
			for i, label := range order {
				So(label, ShouldEqual, fmt.Sprint(i))
				So(delivered[label], ShouldEqual, 1)
			}
		}
	})

	Convey("Mailboxes are created per role", t, func() {
		mbs := NewMailboxes(proto.Roles{"A", "B"})
		So(len(mbs), ShouldEqual, 2)
		So(mbs["A"], ShouldNotBeNil)
		So(mbs["A"], ShouldNotPointTo, mbs["B"])
		So(mbs["C"], ShouldBeNil)
	})
}

func lens(mb *Mailbox) [2]int {
	messages, handlers := mb.Len()
	return [2]int{messages, handlers}
}
