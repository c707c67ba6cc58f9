package cmd

import (
	"flag"
	"fmt"

	"euphoria.io/scope"
)

var Version = "dev"

func init() {
	register("version", &versionCmd{})
}

type versionCmd struct{}

func (versionCmd) desc() string     { return "display mpstctl version" }
func (versionCmd) usage() string    { return "version" }
func (versionCmd) longdesc() string { return "Display the version stamped into the mpstctl binary." }

func (versionCmd) flags() *flag.FlagSet {
	return flag.NewFlagSet("version", flag.ExitOnError)
}

func (versionCmd) run(ctx scope.Context, args []string) error {
	fmt.Printf("mpstctl version %s\n", Version)
	return nil
}
