// Command tradectl is the operator tool for the trade engine: schema
// migration, catalog seeding, token issuing and settlement recovery. It
// reads the same environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fantalega/trade-engine/internal/app"
	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/config"
	"github.com/fantalega/trade-engine/internal/trade"
)

// operator is the identity tradectl acts as.
var operator = auth.Identity{ParticipantID: "tradectl", Admin: true}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tradectl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tradectl",
		Usage: "operate the fantasy league trade engine",
		Commands: []*cli.Command{
			cmdMigrate,
			cmdSeed,
			cmdToken,
			cmdRevert,
			cmdSettlements,
			cmdResume,
			cmdCompensate,
			cmdHistory,
		},
	}
}

var cmdMigrate = &cli.Command{
	Name:  "migrate",
	Usage: "create or update the PostgreSQL schema",
	Action: func(cctx *cli.Context) error {
		return withBackend(cctx, func(ctx context.Context, b *app.Backend, _ *slog.Logger) error {
			if err := b.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cctx.App.Writer, "schema up to date")
			return nil
		})
	},
}

var cmdSeed = &cli.Command{
	Name:      "seed",
	Usage:     "load a YAML catalog (participants, goalkeeper blocks, players)",
	ArgsUsage: "<file.yaml>",
	Action: func(cctx *cli.Context) error {
		path := cctx.Args().First()
		if path == "" {
			return fmt.Errorf("seed: missing file argument")
		}
		return withBackend(cctx, func(ctx context.Context, b *app.Backend, logger *slog.Logger) error {
			if b.Postgres == nil {
				return fmt.Errorf("seed: %w", app.ErrNoDatabase)
			}
			stats, err := app.SeedFile(ctx, b.Store, path, logger)
			if err != nil {
				return err
			}
			return printJSON(cctx, stats)
		})
	},
}

var cmdToken = &cli.Command{
	Name:  "token",
	Usage: "issue a bearer token signed with JWT_SECRET",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "participant", Usage: "participant id carried by the token", Required: true},
		&cli.BoolFlag{Name: "admin", Usage: "grant league administrator rights"},
		&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		v, err := auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			return err
		}
		token, err := v.Issue(auth.Identity{
			ParticipantID: cctx.String("participant"),
			Admin:         cctx.Bool("admin"),
		}, cctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, token)
		return nil
	},
}

var cmdRevert = &cli.Command{
	Name:      "revert",
	Usage:     "revert an accepted trade",
	ArgsUsage: "<trade-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "trade id")
		if err != nil {
			return err
		}
		return withService(cctx, func(ctx context.Context, svc *trade.Service) error {
			res, err := svc.RevertSettledTrade(ctx, operator, id)
			if err != nil {
				return err
			}
			return printJSON(cctx, res)
		})
	},
}

var cmdSettlements = &cli.Command{
	Name:  "settlements",
	Usage: "list settlements left running or failed",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "stalled", Usage: "only settlements idle for at least this long"},
		&cli.IntFlag{Name: "limit", Usage: "maximum number of settlements", Value: 100},
	},
	Action: func(cctx *cli.Context) error {
		return withService(cctx, func(ctx context.Context, svc *trade.Service) error {
			out, err := svc.Settlements(ctx, operator, cctx.Duration("stalled"), cctx.Int("limit"))
			if err != nil {
				return err
			}
			return printJSON(cctx, out)
		})
	},
}

var cmdResume = &cli.Command{
	Name:      "resume",
	Usage:     "re-run the remaining steps of a failed settlement",
	ArgsUsage: "<settlement-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "settlement id")
		if err != nil {
			return err
		}
		return withService(cctx, func(ctx context.Context, svc *trade.Service) error {
			st, err := svc.ResumeSettlement(ctx, operator, id)
			if err != nil {
				return err
			}
			return printJSON(cctx, st)
		})
	},
}

var cmdCompensate = &cli.Command{
	Name:      "compensate",
	Usage:     "undo the applied steps of a failed settlement",
	ArgsUsage: "<settlement-id>",
	Action: func(cctx *cli.Context) error {
		id, err := requireArg(cctx, "settlement id")
		if err != nil {
			return err
		}
		return withService(cctx, func(ctx context.Context, svc *trade.Service) error {
			st, err := svc.CompensateSettlement(ctx, operator, id)
			if err != nil {
				return err
			}
			return printJSON(cctx, st)
		})
	},
}

var cmdHistory = &cli.Command{
	Name:      "history",
	Usage:     "list accepted trades, for one participant or the whole league",
	ArgsUsage: "[participant-id]",
	Action: func(cctx *cli.Context) error {
		return withService(cctx, func(ctx context.Context, svc *trade.Service) error {
			out, err := svc.ListSettledHistory(ctx, cctx.Args().First())
			if err != nil {
				return err
			}
			return printJSON(cctx, out)
		})
	},
}

func withBackend(cctx *cli.Context, fn func(context.Context, *app.Backend, *slog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cctx.App.ErrWriter, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx := cctx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b, logger)
}

func withService(cctx *cli.Context, fn func(context.Context, *trade.Service) error) error {
	return withBackend(cctx, func(ctx context.Context, b *app.Backend, logger *slog.Logger) error {
		return fn(ctx, b.NewService(logger, nil))
	})
}

func requireArg(cctx *cli.Context, what string) (string, error) {
	v := cctx.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s: missing %s argument", cctx.Command.Name, what)
	}
	return v, nil
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
