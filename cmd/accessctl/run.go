package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jeremyhahn/go-cardauth/pkg/access"
	"github.com/jeremyhahn/go-cardauth/pkg/applet"
	"github.com/jeremyhahn/go-cardauth/pkg/audit"
	"github.com/jeremyhahn/go-cardauth/pkg/audit/sqlite"
	"github.com/jeremyhahn/go-cardauth/pkg/card"
	"github.com/jeremyhahn/go-cardauth/pkg/session"
)

const defaultAuditLog = "access_logs.txt"

func consoleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "session-timeout",
			Usage:   "lifetime of a granted session",
			Value:   session.DefaultTimeout,
			Sources: cli.EnvVars("CARDAUTH_SESSION_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "PIN entries allowed per authentication",
			Value:   access.DefaultMaxAttempts,
			Sources: cli.EnvVars("CARDAUTH_MAX_ATTEMPTS"),
		},
		&cli.StringFlag{
			Name:    "audit-log",
			Usage:   "append audit events to this file (empty to disable)",
			Value:   defaultAuditLog,
			Sources: cli.EnvVars("CARDAUTH_AUDIT_LOG"),
		},
		&cli.StringFlag{
			Name:    "audit-db",
			Usage:   "also record audit events in this SQLite database",
			Sources: cli.EnvVars("CARDAUTH_AUDIT_DB"),
		},
		&cli.StringFlag{
			Name:    "token-key",
			Usage:   "HMAC key for session tokens (random per run when empty)",
			Sources: cli.EnvVars("CARDAUTH_TOKEN_KEY"),
		},
		&cli.StringFlag{
			Name:    "iv-policy",
			Usage:   "IV policy of the emulated badge: fixed or random",
			Value:   applet.IVFixed.String(),
			Sources: cli.EnvVars("CARDAUTH_IV_POLICY"),
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "log card traffic and session events",
			Sources: cli.EnvVars("CARDAUTH_DEBUG"),
		},
	}
}

func parseIVPolicy(s string) (applet.IVPolicy, error) {
	switch s {
	case applet.IVFixed.String():
		return applet.IVFixed, nil
	case applet.IVRandom.String():
		return applet.IVRandom, nil
	}
	return 0, fmt.Errorf("unknown iv policy %q", s)
}

// station is the wired console: one emulated badge, its controller and the
// audit sinks.
type station struct {
	ctrl   *access.Controller
	reader audit.Reader
	closer []io.Closer
}

func (s *station) Close() error {
	s.ctrl.Close()
	var errs []error
	for _, c := range s.closer {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newStation(cmd *cli.Command) (st *station, err error) {
	if cmd.Bool("debug") {
		level.Set(slog.LevelDebug)
	}
	policy, err := parseIVPolicy(cmd.String("iv-policy"))
	if err != nil {
		return nil, err
	}

	st = &station{}
	defer func() {
		if err != nil {
			for _, c := range st.closer {
				err = errors.Join(err, c.Close())
			}
		}
	}()

	memory := audit.NewMemorySink()
	sinks := audit.MultiSink{memory}
	st.reader = memory

	if path := cmd.String("audit-log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		st.closer = append(st.closer, f)
		sinks = append(sinks, audit.NewWriterSink(f))
	}
	if path := cmd.String("audit-db"); path != "" {
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		st.closer = append(st.closer, db)
		sinks = append(sinks, db)
		st.reader = db
	}

	sessionOpts := []session.Option{session.WithTimeout(cmd.Duration("session-timeout"))}
	if key := cmd.String("token-key"); key != "" {
		sessionOpts = append(sessionOpts, session.WithTokenKey([]byte(key)))
	}

	badge := applet.New(applet.WithIVPolicy(policy))
	ctrl, err := access.New(card.NewEmulatorProvider(badge),
		access.WithSink(sinks),
		access.WithLogger(slog.Default()),
		access.WithMaxAttempts(int(cmd.Int("max-attempts"))),
		access.WithSessionOptions(sessionOpts...),
	)
	if err != nil {
		return nil, err
	}
	st.ctrl = ctrl
	return st, nil
}

func runConsole(ctx context.Context, cmd *cli.Command, con *console) (err error) {
	st, err := newStation(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	con.printf("Badge connected (AID %X)\n", applet.DefaultAID)
	for {
		con.printf("\n1. Enroll badge\n2. Authenticate\n3. Show access log\n4. Unblock badge (admin)\n5. Quit\n")
		choice, err := con.prompt(ctx, "Choice: ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch choice {
		case "1":
			err = enroll(ctx, st, con)
		case "2":
			err = authenticate(ctx, st, con)
		case "3":
			err = showLog(ctx, st.reader, con.out)
		case "4":
			err = unblock(ctx, st, con)
		case "5", "q", "quit":
			return nil
		default:
			con.printf("Unknown choice %q\n", choice)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			con.printf("Error: %v\n", err)
		}
	}
}

func enroll(ctx context.Context, st *station, con *console) error {
	userID, err := con.prompt(ctx, "User ID: ")
	if err != nil {
		return err
	}
	pin, err := con.secret(ctx, "New PIN (4-8 digits): ")
	if err != nil {
		return err
	}
	if err := access.ValidatePIN(pin); err != nil {
		return err
	}
	confirm, err := con.secret(ctx, "Confirm PIN: ")
	if err != nil {
		return err
	}
	if confirm != pin {
		con.printf("PINs do not match, enrollment cancelled\n")
		return nil
	}

	secret, err := st.ctrl.Enroll(ctx, userID, pin)
	if err != nil {
		return err
	}
	con.printf("Badge enrolled.\nSecret (hex): %s\nKeep this value somewhere safe.\n", secret)
	return nil
}

func authenticate(ctx context.Context, st *station, con *console) error {
	pins := access.PINFunc(func(ctx context.Context, attempt int) (string, error) {
		return con.secret(ctx, fmt.Sprintf("PIN (attempt %d): ", attempt))
	})
	res, err := st.ctrl.Authenticate(ctx, pins)
	if err != nil {
		return err
	}

	sessions := st.ctrl.Sessions()
	con.printf("Access granted to %s.\nSession %s active for %s.\nToken: %s\n",
		res.UserID, res.Session.ID, sessions.Timeout(), res.Token)
	con.printf("Press Enter to end the session.\n")

	select {
	case r := <-con.lineAsync():
		if _, err := con.take(r); err != nil {
			st.ctrl.EndSession(res.Session.ID)
			return err
		}
		if ended, ok := sessions.Close(res.Session.ID); ok {
			con.printf("Session closed after %s.\n", ended.Duration.Round(time.Second))
		} else {
			con.printf("Session had already expired.\n")
		}
	case <-sessions.Done(res.Session.ID):
		con.printf("Session expired. Press Enter to continue.\n")
		if _, err := con.readLine(ctx); err != nil {
			return err
		}
	case <-ctx.Done():
		st.ctrl.EndSession(res.Session.ID)
		return ctx.Err()
	}
	return nil
}

func unblock(ctx context.Context, st *station, con *console) error {
	if err := st.ctrl.Unblock(ctx); err != nil {
		return err
	}
	con.printf("PIN try counter reset.\n")
	return nil
}

func showLog(ctx context.Context, r audit.Reader, w io.Writer) error {
	events, err := r.Events(ctx, 0)
	if err != nil {
		return err
	}
	return audit.FormatTable(w, events)
}
