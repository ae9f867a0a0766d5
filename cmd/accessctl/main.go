// Command accessctl is the operator console for a secure-element access
// control badge. It enrolls the badge, runs two-factor authentication,
// tracks the resulting session and shows the access log.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp(os.Stdin, os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "accessctl",
		Usage:  "Two-factor access control with a PIN-protected badge",
		Writer: out,
		Flags:  consoleFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runConsole(ctx, cmd, newConsole(in, out))
		},
		Commands: []*cli.Command{
			LogsCommand(),
		},
	}
}
