// Command matchfeed is the operator console for live match events.
//
// It supports three modes:
//  1. "listen" – connect to the broker, bind a match, and print events as
//     they arrive
//  2. "send"   – build one command from flags (falling back to the last
//     entered values) and publish it
//  3. "broker" – run the development match-event broker
//
// Flags control the broker endpoint, match binding, bearer token, and the
// field database used to restore last-entered input.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/matchday-planner/matchfeed/broker"
	"github.com/matchday-planner/matchfeed/client"
	"github.com/matchday-planner/matchfeed/fieldstore"
	"github.com/matchday-planner/matchfeed/protocol"
)

const (
	version = "1.0.0"
	appName = "matchfeed"
)

func main() {
	// Load .env if present; a missing file is not an error.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:    appName,
		Usage:   "emit and observe live match events over the matchday broker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Value:   "http://localhost:8080/ws",
				Usage:   "broker websocket endpoint",
				Sources: cli.EnvVars("MATCHFEED_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "state",
				Value:   defaultStatePath(),
				Usage:   "path of the field database",
				Sources: cli.EnvVars("MATCHFEED_STATE"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			listenCommand(),
			sendCommand(),
			brokerCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cli.Command) zerolog.Logger {
	level := zerolog.InfoLevel
	if cmd.Bool("debug") {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", appName).Logger()
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "matchfeed-fields.db"
	}
	return filepath.Join(home, ".matchfeed", "fields.db")
}

func openFields(cmd *cli.Command) (*fieldstore.Store, error) {
	path := cmd.String("state")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return fieldstore.Open(path)
}

// fieldValue resolves a form value: an explicit flag wins and is persisted
// as the new last-entered value; otherwise the stored value is restored.
func fieldValue(store *fieldstore.Store, name, flagVal string) string {
	if flagVal != "" {
		if err := store.Persist(name, flagVal); err == nil {
			return flagVal
		}
		return flagVal
	}
	v, err := store.Restore(name)
	if err != nil {
		return ""
	}
	return v
}

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "connect, bind a match, and print events as they arrive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "match", Usage: "match identifier to bind"},
			&cli.StringFlag{Name: "token", Usage: "bearer token", Sources: cli.EnvVars("MATCHFEED_TOKEN")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := newLogger(cmd)

			fields, err := openFields(cmd)
			if err != nil {
				return err
			}
			defer fields.Close()

			matchID := fieldValue(fields, fieldstore.FieldMatchID, cmd.String("match"))
			token := fieldValue(fields, fieldstore.FieldToken, cmd.String("token"))

			sess := client.New(client.Options{
				Endpoint: cmd.String("endpoint"),
				Token:    token,
				MatchID:  matchID,
				Logger:   logger,
			})
			sess.OnStateChange(func(st client.State) {
				logger.Info().Str("state", string(st)).Msg("connection state")
			})
			sess.OnErrorMessage(func(msg string) {
				if msg != "" {
					fmt.Fprintln(os.Stderr, "!", msg)
				}
			})
			sess.OnEvent(func(ev protocol.MatchEvent) {
				fmt.Printf("[%3d'] #%d %s\n", ev.ElapsedMinutes, ev.ID, ev.EventLog)
			})
			sess.Start()
			defer sess.Close()

			logger.Info().Str("match_id", matchID).Str("endpoint", cmd.String("endpoint")).Msg("listening")

			waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-waitCtx.Done()
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "publish one command and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Value: "player", Usage: "player | team | cancel | exchange"},
			&cli.StringFlag{Name: "match", Usage: "match identifier"},
			&cli.StringFlag{Name: "token", Usage: "bearer token", Sources: cli.EnvVars("MATCHFEED_TOKEN")},
			&cli.StringFlag{Name: "team", Usage: "team identifier (team events)"},
			&cli.StringFlag{Name: "type", Usage: "event type, e.g. GOAL"},
			&cli.StringFlag{Name: "description", Usage: "free-text description"},
			&cli.StringFlag{Name: "user", Usage: "match user identifier"},
			&cli.StringFlag{Name: "from", Usage: "outgoing match user identifier (exchange)"},
			&cli.StringFlag{Name: "to", Usage: "incoming match user identifier (exchange)"},
			&cli.StringFlag{Name: "message", Usage: "exchange message"},
			&cli.StringFlag{Name: "cancel-team", Usage: "team identifier of the event to cancel"},
			&cli.StringFlag{Name: "cancel-type", Usage: "event type of the event to cancel"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := newLogger(cmd)

			fields, err := openFields(cmd)
			if err != nil {
				return err
			}
			defer fields.Close()

			form := client.FormFields{
				MatchID:         fieldValue(fields, fieldstore.FieldMatchID, cmd.String("match")),
				TeamID:          fieldValue(fields, fieldstore.FieldTeamID, cmd.String("team")),
				EventType:       fieldValue(fields, fieldstore.FieldEventType, cmd.String("type")),
				Description:     fieldValue(fields, fieldstore.FieldDescription, cmd.String("description")),
				MatchUserID:     fieldValue(fields, fieldstore.FieldMatchUserID, cmd.String("user")),
				FromMatchUserID: fieldValue(fields, fieldstore.FieldFromMatchUserID, cmd.String("from")),
				ToMatchUserID:   fieldValue(fields, fieldstore.FieldToMatchUserID, cmd.String("to")),
				ExchangeMessage: fieldValue(fields, fieldstore.FieldExchangeMessage, cmd.String("message")),
				CancelTeamID:    fieldValue(fields, fieldstore.FieldCancelTeamID, cmd.String("cancel-team")),
				CancelEventType: fieldValue(fields, fieldstore.FieldCancelEventType, cmd.String("cancel-type")),
			}
			token := fieldValue(fields, fieldstore.FieldToken, cmd.String("token"))

			out, err := client.EncodeCommand(client.Kind(cmd.String("kind")), form, token)
			if err != nil {
				return err
			}

			sess := client.New(client.Options{
				Endpoint: cmd.String("endpoint"),
				Token:    token,
				MatchID:  form.MatchID,
				Logger:   logger,
			})

			connected := make(chan struct{}, 1)
			sess.OnStateChange(func(st client.State) {
				if st == client.StateConnected {
					select {
					case connected <- struct{}{}:
					default:
					}
				}
			})
			sess.Start()
			defer sess.Close()

			select {
			case <-connected:
			case <-time.After(15 * time.Second):
				return fmt.Errorf("timed out connecting to %s", cmd.String("endpoint"))
			case <-ctx.Done():
				return ctx.Err()
			}

			if !sess.Publish(out) {
				return fmt.Errorf("publish refused, session not connected")
			}
			logger.Info().Str("destination", out.Destination).Msg("command published")

			// Give the write a moment to flush before teardown.
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
}

func brokerCommand() *cli.Command {
	return &cli.Command{
		Name:  "broker",
		Usage: "run the development match-event broker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringFlag{Name: "require-token", Usage: "reject connections without this bearer token"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := newLogger(cmd)

			b := broker.New(logger, cmd.String("require-token"))
			srv := broker.NewServer(b, logger)

			addr := cmd.String("addr")
			logger.Info().Str("addr", addr).Msg("broker listening")
			return listenAndServe(ctx, addr, srv, logger)
		},
	}
}
