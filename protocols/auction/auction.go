// Package auction is a three-role protocol in the shape the code generator
// emits: a bidder A offers a price to a seller B, B tells the auctioneer S
// whether it accepts, and S announces the outcome to both.
//
//	A -> B : bid(int)
//	B -> S : decision(Decision)
//	S -> A : outcome(Outcome)
//	S -> B : outcome(Outcome)
package auction

import (
	"euphoria.io/mpst/proto"
	"euphoria.io/scope"
)

const (
	Name = "auction"

	Bidder     proto.Role = "A"
	Seller     proto.Role = "B"
	Auctioneer proto.Role = "S"
)

type Decision struct {
	Bid    int  `json:"bid"`
	Accept bool `json:"accept"`
}

type Outcome struct {
	Bid  int  `json:"bid"`
	Sold bool `json:"sold"`
}

// BidderProtocol projects the protocol onto A. bid produces the offer;
// result, if non-nil, observes the outcome.
func BidderProtocol(bid func(ctx scope.Context) (int, error), result func(Outcome)) *proto.Protocol {
	return &proto.Protocol{
		Name:        Name,
		Self:        Bidder,
		Coordinator: Auctioneer,
		Peers:       proto.Roles{Seller, Auctioneer},
		Initial: func(string) proto.State {
			end := &proto.Terminal{Name: "A.end"}
			return &proto.Send{
				Name:  "A.bid",
				To:    Seller,
				Label: "bid",
				Produce: func(ctx scope.Context) (interface{}, error) {
					return bid(ctx)
				},
				Next: &proto.Receive{
					Name:     "A.outcome",
					From:     Auctioneer,
					Label:    "outcome",
					Continue: observe(result, end),
				},
			}
		},
	}
}

// SellerProtocol projects the protocol onto B. decide accepts or rejects
// the bid it is offered.
func SellerProtocol(decide func(ctx scope.Context, bid int) (bool, error), result func(Outcome)) *proto.Protocol {
	return &proto.Protocol{
		Name:        Name,
		Self:        Seller,
		Coordinator: Auctioneer,
		Peers:       proto.Roles{Bidder, Auctioneer},
		Initial: func(string) proto.State {
			end := &proto.Terminal{Name: "B.end"}
			return &proto.Receive{
				Name:  "B.bid",
				From:  Bidder,
				Label: "bid",
				Continue: func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
					var bid int
					if err := msg.Decode(&bid); err != nil {
						return nil, err
					}
					return &proto.Send{
						Name:  "B.decision",
						To:    Auctioneer,
						Label: "decision",
						Produce: func(ctx scope.Context) (interface{}, error) {
							accept, err := decide(ctx, bid)
							if err != nil {
								return nil, err
							}
							return Decision{Bid: bid, Accept: accept}, nil
						},
						Next: &proto.Receive{
							Name:     "B.outcome",
							From:     Auctioneer,
							Label:    "outcome",
							Continue: observe(result, end),
						},
					}, nil
				},
			}
		},
	}
}

// AuctioneerProtocol projects the protocol onto the coordinator S. record,
// if non-nil, is given each session's outcome.
func AuctioneerProtocol(record func(sessionID string, outcome Outcome)) *proto.Protocol {
	return &proto.Protocol{
		Name:        Name,
		Self:        Auctioneer,
		Coordinator: Auctioneer,
		Peers:       proto.Roles{Bidder, Seller},
		Initial: func(sessionID string) proto.State {
			return &proto.Receive{
				Name:  "S.decision",
				From:  Seller,
				Label: "decision",
				Continue: func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
					var decision Decision
					if err := msg.Decode(&decision); err != nil {
						return nil, err
					}
					outcome := Outcome{Bid: decision.Bid, Sold: decision.Accept}
					if record != nil {
						record(sessionID, outcome)
					}
					return &proto.Send{
						Name:    "S.outcome.A",
						To:      Bidder,
						Label:   "outcome",
						Produce: constant(outcome),
						Next: &proto.Send{
							Name:    "S.outcome.B",
							To:      Seller,
							Label:   "outcome",
							Produce: constant(outcome),
							Next:    &proto.Terminal{Name: "S.end"},
						},
					}, nil
				},
			}
		},
	}
}

func observe(result func(Outcome), next proto.State) proto.Continuation {
	return func(ctx scope.Context, msg *proto.Message) (proto.State, error) {
		var outcome Outcome
		if err := msg.Decode(&outcome); err != nil {
			return nil, err
		}
		if result != nil {
			result(outcome)
		}
		return next, nil
	}
}

func constant(v interface{}) proto.Producer {
	return func(scope.Context) (interface{}, error) { return v, nil }
}
