package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phylopack/internal/app"
	"phylopack/internal/config"
	"phylopack/internal/domain"
	"phylopack/internal/pipeline"
	"phylopack/internal/repo"
	"phylopack/internal/server"
	"phylopack/internal/stats"
)

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenStore(ctx, viper.GetString("state-dir"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded preorder runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsEventsCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Status", "State", "Scheme", "Input", "Output"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, startedAgo(run.StartedAt), run.Status, run.State, run.Scheme, run.Input, run.Output})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter: running, succeeded or failed")
	cmd.Flags().StringVar(&f.Input, "input", "", "input list filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its stage statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s: %w", args[0], err)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printRun(run)
				stages, err := runStages(run)
				if err != nil {
					return err
				}
				if len(stages) > 0 {
					fmt.Println()
					stats.RenderTable(os.Stdout, stages)
				}
				return nil
			})
		},
	}
	return cmd
}

func printRun(run domain.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	target := ""
	if run.Target != nil {
		target = fmt.Sprint(*run.Target)
	}
	finished := ""
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	rows := []table.Row{
		{"ID", run.ID},
		{"Status", run.Status},
		{"State", run.State},
		{"Input", run.Input},
		{"Output", run.Output},
		{"Scheme", run.Scheme},
		{"Cut point", run.CutPoint},
		{"Target", target},
		{"Seed", run.Seed},
		{"Workspace", run.Workspace},
		{"Retained", run.Retained},
		{"Started", run.StartedAt + " (" + startedAgo(run.StartedAt) + ")"},
		{"Finished", finished},
	}
	if run.StatsFile != "" {
		rows = append(rows, table.Row{"Statistics", run.StatsFile})
	}
	if run.Error != "" {
		rows = append(rows, table.Row{"Error", run.Error}, table.Row{"Error kind", run.ErrorKind})
		if len(run.ErrorKeys) > 0 {
			rows = append(rows, table.Row{"Error keys", run.ErrorKeys})
		}
	}
	tw.AppendRows(rows)
	tw.Render()
}

// runStages decodes the stored stats document back into ordered stages.
func runStages(run domain.Run) ([]stats.Stage, error) {
	if run.StatsJSON == "" {
		return nil, nil
	}
	var doc map[string]stats.Stats
	if err := json.Unmarshal([]byte(run.StatsJSON), &doc); err != nil {
		return nil, fmt.Errorf("decode stats of run %s: %w", run.ID, err)
	}
	var stages []stats.Stage
	for _, name := range pipeline.StageOrder {
		if st, ok := doc[name]; ok {
			stages = append(stages, stats.Stage{Name: name, Stats: st})
		}
	}
	return stages, nil
}

func startedAgo(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func runsEventsCmd() *cobra.Command {
	var cursor int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List a run's state transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetRun(ctx, args[0]); err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				items, err := r.ListEvents(ctx, args[0], cursor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "State", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.State, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "after", 0, "only events with a larger id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to list")
	return cmd
}

func serveCmd() *cobra.Command {
	var printToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only run history API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := viper.GetString("addr")
			basePath := viper.GetString("base-path")
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if printToken != "" {
				token, err := server.IssueToken(authCfg.JWTSecret, printToken, []string{"runs.read"})
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			}
			conn, err := app.OpenStore(cmd.Context(), viper.GetString("state-dir"))
			if err != nil {
				return err
			}
			defer conn.Close()
			return serve(cmd.Context(), conn, addr, basePath, authCfg)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "require HS256 bearer tokens signed with this secret (env PHYLOPACK_JWT_SECRET)")
	cmd.Flags().StringVar(&printToken, "print-token", "", "print a token for this subject and exit")
	return cmd
}

func serve(ctx context.Context, conn *sql.DB, addr, basePath string, authCfg server.AuthConfig) error {
	handler, err := server.New(server.Config{Repo: repo.Repo{DB: conn}, BasePath: basePath, Auth: authCfg})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	infof("Serving phylopack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
	if !authCfg.Enabled() {
		infof("Authentication disabled; set --jwt-secret to require bearer tokens")
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect phylopack.yml",
		Long:  "phylopack.yml sets tool paths, flag defaults, workspace policy, log markers, webhooks and the API address. Flags and PHYLOPACK_* variables override it.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phylopack.yml into the state directory",
		// skip loading a config that may not exist yet
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("state-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(viper.GetString("state-dir"), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := app.ResolveConfig(viper.GetString("state-dir"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "path": path, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK:", path)
			return nil
		},
	}
}
