package client

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"euphoria.io/mpst/backend"
	"euphoria.io/mpst/backend/mock"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/protocols/auction"
	"euphoria.io/scope"

	. "github.com/smartystreets/goconvey/convey"
)

const wait = 5 * time.Second

func fixedBid(n int) func(scope.Context) (int, error) {
	return func(scope.Context) (int, error) { return n, nil }
}

func acceptAbove(min int) func(scope.Context, int) (bool, error) {
	return func(_ scope.Context, bid int) (bool, error) { return bid >= min, nil }
}

func runAsync(c *Client) chan error {
	result := make(chan error, 1)
	go func() { result <- c.Run() }()
	return result
}

func outcome(result chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(wait):
		return errors.New("client still running")
	}
}

func TestClient(t *testing.T) {
	Convey("Client", t, func() {
		ctx := scope.New()
		defer ctx.Cancel()

		tr := mock.NewTransport("A")
		var outcomes []auction.Outcome
		c, err := New(ctx, auction.BidderProtocol(fixedBid(42), func(o auction.Outcome) {
			outcomes = append(outcomes, o)
		}), tr)
		So(err, ShouldBeNil)

		result := runAsync(c)
		req, err := proto.ParseConnectRequest(tr.NextSent(wait))
		So(err, ShouldBeNil)
		So(req.Connect, ShouldEqual, auction.Bidder)

		Convey("Runs its state machine once confirmed", func() {
			tr.Receive(proto.EncodeConfirm())

			msg, err := proto.ParseMessage(tr.NextSent(wait))
			So(err, ShouldBeNil)
			So(msg.Role, ShouldEqual, auction.Seller)
			So(msg.Label, ShouldEqual, "bid")
			So(string(msg.Payload), ShouldEqual, "42")

			tr.ReceiveJSON(map[string]interface{}{
				"role": "S", "label": "outcome", "payload": auction.Outcome{Bid: 42, Sold: true},
			})
			So(outcome(result), ShouldBeNil)
			So(outcomes, ShouldResemble, []auction.Outcome{{Bid: 42, Sold: true}})

			event := tr.ClosedWith()
			So(event, ShouldNotBeNil)
			So(event.Code, ShouldEqual, proto.CloseNormal)
			So(c.Run(), ShouldEqual, proto.ErrSessionClosed)
		})

		Convey("Reports occupied roles during the join phase", func() {
			tr.Drop(proto.CloseRoleOccupied, proto.NewCancellation("A", proto.ErrRoleOccupied).Encode(), true)
			err := outcome(result)
			So(err, ShouldResemble, &proto.CancelledError{Role: "A", Reason: "role occupied"})
		})

		Convey("Reports connect failures during the join phase", func() {
			tr.Drop(proto.CloseAbnormal, "", false)
			So(errors.Is(outcome(result), proto.ErrConnectFailed), ShouldBeTrue)
		})

		Convey("Reports rejections during the join phase", func() {
			tr.Drop(proto.CloseLogicalError, proto.NewCancellation("A", proto.ErrUnknownRole).Encode(), true)
			So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "A", Reason: "unknown role"})
		})

		Convey("Attributes unsupported join phase codes to the coordinator", func() {
			tr.Drop(3000, "maintenance", true)
			So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "S", Reason: "maintenance"})
		})

		Convey("A send that finds the transport closed waits for the close event", func() {
			tr.SendErr = proto.ErrTransportClosed
			tr.Receive(proto.EncodeConfirm())
			time.Sleep(50 * time.Millisecond)
			So(result, ShouldBeEmpty)
			So(tr.ClosedWith(), ShouldBeNil)

			tr.Drop(proto.CloseLogicalError, proto.NewCancellation("B", "gone").Encode(), true)
			So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "B", Reason: "gone"})
			So(tr.ClosedWith(), ShouldBeNil)
		})

		Convey("Once joined", func() {
			tr.Receive(proto.EncodeConfirm())
			So(tr.NextSent(wait), ShouldNotBeNil)

			Convey("Server disconnects cancel the session", func() {
				tr.Drop(proto.CloseAbnormal, "", false)
				So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "S", Reason: "server disconnected"})
			})

			Convey("Cancellations name the culprit", func() {
				tr.Drop(proto.CloseLogicalError, `{"role":"B","reason":"browser disconnected"}`, true)
				So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "B", Reason: "browser disconnected"})
			})

			Convey("Unsupported codes are attributed to the coordinator", func() {
				tr.Drop(3000, "odd", true)
				So(outcome(result), ShouldResemble, &proto.CancelledError{Role: "S", Reason: "odd"})
			})

			Convey("A normal close before Terminal ends the run", func() {
				tr.Drop(proto.CloseNormal, "", true)
				So(outcome(result), ShouldEqual, proto.ErrSessionClosed)
			})

			Convey("Local logical errors close with the own role", func() {
				tr.ReceiveJSON(map[string]interface{}{"role": "S", "label": "refund"})
				err := outcome(result)
				cancelled, ok := err.(*proto.CancelledError)
				So(ok, ShouldBeTrue)
				So(cancelled.Role, ShouldEqual, auction.Bidder)

				event := tr.ClosedWith()
				So(event, ShouldNotBeNil)
				So(event.Code, ShouldEqual, proto.CloseLogicalError)
				payload, err := proto.ParseCancellation(event.Reason)
				So(err, ShouldBeNil)
				So(payload.Role, ShouldEqual, auction.Bidder)
			})

			Convey("Messages from unknown roles are logical errors", func() {
				tr.ReceiveJSON(map[string]interface{}{"role": "Z", "label": "outcome"})
				cancelled, ok := outcome(result).(*proto.CancelledError)
				So(ok, ShouldBeTrue)
				So(cancelled.Role, ShouldEqual, auction.Bidder)
			})
		})

		Convey("Cancelling the context leaves the session", func() {
			ctx.Cancel()
			So(outcome(result), ShouldEqual, scope.Cancelled)
			event := tr.ClosedWith()
			So(event, ShouldNotBeNil)
			So(event.Code, ShouldEqual, proto.CloseGoingAway)
		})
	})
}

func TestClientRejectsCoordinator(t *testing.T) {
	Convey("Clients cannot run the coordinator's projection", t, func() {
		_, err := New(scope.New(), auction.AuctioneerProtocol(nil), mock.NewTransport("S"))
		So(err, ShouldNotBeNil)
	})
}

func TestClientBreakpoint(t *testing.T) {
	Convey("Run can be interrupted before joining", t, func() {
		ctx := scope.New()
		tr := mock.NewTransport("A")
		c, err := New(ctx, auction.BidderProtocol(fixedBid(1), nil), tr)
		So(err, ShouldBeNil)

		bp := ctx.Breakpoint("euphoria.io/mpst/client.Client.Run")
		result := runAsync(c)
		<-bp
		injected := errors.New("injected")
		bp <- injected
		So(outcome(result), ShouldEqual, injected)
		So(tr.History(), ShouldBeEmpty)
	})
}

func TestAuction(t *testing.T) {
	Convey("An auction runs end to end over websockets", t, func() {
		ctx := scope.New()
		defer ctx.Cancel()

		config := backend.DefaultConfig()
		config.Session.KeepAlive = 0
		config.Session.IDScheme = "uuid"
		s, err := backend.NewServer(ctx, &config)
		So(err, ShouldBeNil)

		var m sync.Mutex
		recorded := map[string]auction.Outcome{}
		So(s.Register(auction.AuctioneerProtocol(func(id string, o auction.Outcome) {
			m.Lock()
			recorded[id] = o
			m.Unlock()
		})), ShouldBeNil)

		completed := make(chan string, 1)
		s.OnComplete(func(id string) { completed <- id })
		cancelled := make(chan proto.Role, 1)
		s.OnCancel(func(id string, role proto.Role, reason string) { cancelled <- role })

		server := httptest.NewServer(s)
		defer server.Close()
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/protocol/auction/ws"

		Convey("Both participants learn the outcome", func() {
			outcomes := make(chan auction.Outcome, 2)
			report := func(o auction.Outcome) { outcomes <- o }

			a, err := Dial(ctx, url, nil, 0, auction.BidderProtocol(fixedBid(42), report))
			So(err, ShouldBeNil)
			b, err := Dial(ctx, url, nil, 0, auction.SellerProtocol(acceptAbove(40), report))
			So(err, ShouldBeNil)

			ra, rb := runAsync(a), runAsync(b)
			So(outcome(ra), ShouldBeNil)
			So(outcome(rb), ShouldBeNil)
			So(<-outcomes, ShouldResemble, auction.Outcome{Bid: 42, Sold: true})
			So(<-outcomes, ShouldResemble, auction.Outcome{Bid: 42, Sold: true})

			var id string
			select {
			case id = <-completed:
			case <-time.After(wait):
			}
			So(id, ShouldNotBeEmpty)
			m.Lock()
			So(recorded[id], ShouldResemble, auction.Outcome{Bid: 42, Sold: true})
			m.Unlock()
		})

		Convey("A failing seller cancels the bidder", func() {
			refuse := func(scope.Context, int) (bool, error) { return false, errors.New("not for sale") }
			a, err := Dial(ctx, url, nil, 0, auction.BidderProtocol(fixedBid(7), nil))
			So(err, ShouldBeNil)
			b, err := Dial(ctx, url, nil, 0, auction.SellerProtocol(refuse, nil))
			So(err, ShouldBeNil)

			ra, rb := runAsync(a), runAsync(b)
			So(outcome(rb), ShouldResemble, &proto.CancelledError{Role: auction.Seller, Reason: "not for sale"})
			So(outcome(ra), ShouldResemble, &proto.CancelledError{Role: auction.Seller, Reason: "not for sale"})

			select {
			case role := <-cancelled:
				So(role, ShouldEqual, auction.Seller)
			case <-time.After(wait):
				So("cancellation handler not called", ShouldBeEmpty)
			}
		})
	})
}
