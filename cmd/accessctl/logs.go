package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/jeremyhahn/go-cardauth/pkg/audit"
	"github.com/jeremyhahn/go-cardauth/pkg/audit/sqlite"
)

// LogsCommand prints events recorded in an audit database.
func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Show events from an audit database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "audit-db",
				Usage:    "SQLite audit database written by the console",
				Required: true,
				Sources:  cli.EnvVars("CARDAUTH_AUDIT_DB"),
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "show only the most recent events (0 for all)",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "show only events for this user",
			},
		},
		Action: runLogsCommand,
	}
}

func runLogsCommand(ctx context.Context, cmd *cli.Command) (err error) {
	db, err := sqlite.Open(cmd.String("audit-db"))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()

	if user := cmd.String("user"); user != "" {
		events, err := db.EventsFor(ctx, user)
		if err != nil {
			return err
		}
		return printEvents(cmd, events)
	}
	events, err := db.Events(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return printEvents(cmd, events)
}

func printEvents(cmd *cli.Command, events []audit.Event) error {
	return audit.FormatTable(cmd.Root().Writer, events)
}
