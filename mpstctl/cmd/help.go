package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"euphoria.io/scope"
)

func init() { register("help", &helpCmd{}) }

type helpCmd struct{}

func (helpCmd) flags() *flag.FlagSet { return flag.NewFlagSet("help", flag.ExitOnError) }

func (helpCmd) desc() string  { return "list all commands, or describe one of them" }
func (helpCmd) usage() string { return "help [command]" }

func (helpCmd) longdesc() string {
	return `
	With no arguments, list every command and the global options. Given a
	command name, show its usage, description and options.
`[1:]
}

func (helpCmd) run(ctx scope.Context, args []string) error {
	if len(args) == 0 {
		generalHelp()
		return nil
	}

	cmd, ok := subcommands[args[0]]
	if !ok {
		return fmt.Errorf("invalid command: %s", args[0])
	}

	exe := filepath.Base(os.Args[0])
	fmt.Fprintf(out, "NAME:\n\t%s - %s\n\n", args[0], cmd.desc())
	fmt.Fprintf(out, "USAGE:\n\t%s %s\n\n", exe, cmd.usage())
	fmt.Fprintf(out, "DESCRIPTION:\n%s\n", cmd.longdesc())
	fmt.Fprintln(out, "OPTIONS:")
	printFlags(out, cmd.flags())
	fmt.Fprintln(out)
	return nil
}
