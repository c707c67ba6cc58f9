package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/scope"
)

var out *tabwriter.Writer

type subcommand interface {
	desc() string
	longdesc() string
	usage() string
	flags() *flag.FlagSet
	run(scope.Context, []string) error
}

var subcommands = map[string]subcommand{}

func register(name string, cmd subcommand) { subcommands[name] = cmd }

func Run(args []string) {
	out = tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	if len(args) == 0 {
		generalHelp()
		return
	}

	exe := filepath.Base(os.Args[0])
	cmd, ok := subcommands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: invalid command: %s\n", exe, args[0])
		fmt.Fprintf(os.Stderr, "Run '%s help' for usage.\n", exe)
		os.Exit(2)
	}

	flags := cmd.flags()
	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", exe, args[0], err)
		os.Exit(2)
	}

	ctx := logging.LoggingContext(scope.New(), os.Stdout, fmt.Sprintf("[%s] ", args[0]))
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		<-signals
		ctx.Cancel()
	}()

	err := cmd.run(ctx, flags.Args())
	out.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", exe, args[0], err)
		os.Exit(exitStatus(err))
	}

	timeout := time.After(10 * time.Second)
	completed := make(chan struct{})
	go func() {
		ctx.WaitGroup().Wait()
		close(completed)
	}()

	fmt.Println("waiting for graceful shutdown...")
	select {
	case <-timeout:
		fmt.Println("timed out")
		os.Exit(1)
	case <-completed:
		fmt.Println("ok")
	}
}

// Exit statuses let scripts driving participants tell a session that was
// cancelled by some role apart from one that never got going.
const (
	exitFailure   = 1
	exitCancelled = 3
	exitNoSession = 4
)

func exitStatus(err error) int {
	var cancelled *proto.CancelledError
	switch {
	case errors.As(err, &cancelled):
		return exitCancelled
	case errors.Is(err, proto.ErrConnectFailed), errors.Is(err, proto.ErrSessionClosed):
		return exitNoSession
	default:
		return exitFailure
	}
}

func generalHelp() {
	out := tabwriter.NewWriter(os.Stderr, 0, 8, 1, '\t', 0)
	defer out.Flush()

	exe := filepath.Base(os.Args[0])
	fmt.Fprintf(out, "USAGE:\n\t%s [global options] <command> [command options] [arguments...]\n\n", exe)
	fmt.Fprintf(out, "VERSION:\n\t%s\n\n", Version)

	fmt.Fprintf(out, "COMMANDS:\n")
	names := sort.StringSlice{}
	for name := range subcommands {
		names = append(names, name)
	}
	names.Sort()
	for _, name := range names {
		cmd := subcommands[name]
		fmt.Fprintf(out, "\t%s\t%s\n", name, cmd.desc())
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "GLOBAL OPTIONS:\n")
	printFlags(out, flag.CommandLine)

	fmt.Fprintln(out)
	fmt.Fprintf(out, "EXIT STATUS:\n")
	fmt.Fprintf(out, "\t%d\tfailure\n", exitFailure)
	fmt.Fprintf(out, "\t%d\tsession cancelled by a role\n", exitCancelled)
	fmt.Fprintf(out, "\t%d\tno session: connect failed or closed early\n", exitNoSession)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Run \"%s help <command>\" for more details about a command.\n", exe)
}

func printFlags(w io.Writer, flags *flag.FlagSet) {
	flags.VisitAll(func(f *flag.Flag) {
		prefix := "-"
		if len(f.Name) > 1 {
			prefix = "--"
		}
		fmt.Fprintf(w, "\t%s%s=%s\t%s\n", prefix, f.Name, f.DefValue, f.Usage)
	})
}
