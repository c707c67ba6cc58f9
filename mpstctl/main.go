package main

import (
	"flag"

	"euphoria.io/mpst/mpstctl/cmd"
)

var Version string

func main() {
	if Version != "" {
		cmd.Version = Version
	}
	flag.Parse()
	cmd.Run(flag.Args())
}
