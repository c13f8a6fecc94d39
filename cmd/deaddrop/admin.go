package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/deaddrop/internal/app"
	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/database"
	"github.com/dharsanguruparan/deaddrop/internal/logging"
)

var errNoDatabase = errors.New("DEADDROP_DATABASE_URL must be set")

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.InMemory() {
		return nil, nil, errNoDatabase
	}
	return cfg, logging.New("deaddrop-cli", verbose || cfg.Verbose, os.Stderr), nil
}

// withApp runs fn against the PostgreSQL/MinIO backed service.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(ctx, pool, log)
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <code>",
		Short: "Map a short code to its drop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Service.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <drop-id>",
		Short: "Print a drop record in any status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				d, err := a.Service.Show(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}
}

func newBurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "burn <drop-id>",
		Short: "Burn a drop and queue its deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Service.Burn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <drop-id>",
		Short: "Delete all objects of a drop now, without the job queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Service.Purge(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d objects from drop %s\n", n, args[0])
				return nil
			})
		},
	}
}

// readJobs splits newline separated job bodies, skipping blank lines.
func readJobs(r io.Reader) ([][]byte, error) {
	var jobs [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		jobs = append(jobs, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	return jobs, nil
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [file]",
		Short: "Run deletion job bodies, one JSON object per line, from a file or stdin",
		Long: `Replay feeds archived deletion job bodies through the deletion
orchestrator in one batch. A malformed or failing job is logged and counted
without stopping the others.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			jobs, err := readJobs(in)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				res := a.Service.Orchestrator().HandleBatch(cmd.Context(), jobs)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Failed > 0 {
					return fmt.Errorf("%d of %d jobs failed", res.Failed, len(jobs))
				}
				return nil
			})
		},
	}
}
