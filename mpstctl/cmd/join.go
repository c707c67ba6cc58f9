package cmd

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"euphoria.io/mpst/client"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/protocols/auction"
	"euphoria.io/scope"
)

func init() {
	register("join", &joinCmd{})
}

type joinCmd struct {
	server    string
	role      string
	bid       int
	min       int
	keepAlive time.Duration
}

func (joinCmd) desc() string { return "take part in an auction as bidder or seller" }

func (joinCmd) usage() string {
	return "join [--server=ws://<host:port>] [--role=A|B] [--bid=N] [--min=N]"
}

func (joinCmd) longdesc() string {
	return `
	Join an auction run by a coordinator started with "serve". As the bidder
	(role A) offer the amount given by -bid; as the seller (role B) accept
	any bid of at least -min. The command waits until a counterpart joins,
	runs the protocol, and prints the outcome.
`[1:]
}

func (cmd *joinCmd) flags() *flag.FlagSet {
	flags := flag.NewFlagSet("join", flag.ExitOnError)
	flags.StringVar(&cmd.server, "server", "ws://localhost:8080", "coordinator address")
	flags.StringVar(&cmd.role, "role", "A", "role to claim (A bids, B sells)")
	flags.IntVar(&cmd.bid, "bid", 10, "amount to bid as A")
	flags.IntVar(&cmd.min, "min", 10, "lowest bid to accept as B")
	flags.DurationVar(&cmd.keepAlive, "keepalive", 20*time.Second, "interval between websocket pings")
	return flags
}

func (cmd *joinCmd) run(ctx scope.Context, args []string) error {
	report := func(outcome auction.Outcome) {
		if outcome.Sold {
			fmt.Printf("sold for %d\n", outcome.Bid)
		} else {
			fmt.Printf("not sold, bid was %d\n", outcome.Bid)
		}
	}

	var protocol *proto.Protocol
	switch proto.Role(cmd.role) {
	case auction.Bidder:
		protocol = auction.BidderProtocol(func(scope.Context) (int, error) { return cmd.bid, nil }, report)
	case auction.Seller:
		protocol = auction.SellerProtocol(func(_ scope.Context, bid int) (bool, error) {
			fmt.Printf("offered %d\n", bid)
			return bid >= cmd.min, nil
		}, report)
	default:
		return fmt.Errorf("invalid role %q: must be %s or %s", cmd.role, auction.Bidder, auction.Seller)
	}

	url := strings.TrimSuffix(cmd.server, "/") + "/protocol/" + auction.Name + "/ws"
	c, err := client.Dial(ctx, url, nil, cmd.keepAlive, protocol)
	if err != nil {
		return err
	}

	fmt.Printf("joining %s as %s\n", url, cmd.role)
	return c.Run()
}
