package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/app"
	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/engine/auth"
	"reqline/internal/repo"
	"reqline/internal/scenarios"
	"reqline/internal/server"
	"reqline/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reqline CLI",
	Long: `Reqline triages plain-language software requirements.
- Run: parse a requirement into actions, deadlines and entities, flag conflicts,
  and sketch the REST operations it implies.
- Sessions: named records that accumulate pipeline results, stored in
  .reqline/session_store.json.
- Scenarios: a directory of .txt requirements run as a batch with a summary.
- History: every run and session change is logged in .reqline/reqline.db;
  view it with 'rl runs list' and 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REQLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/reqline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(scenariosCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	var file, sessionID, out string
	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Analyze one requirement",
		Long:  "Reads the requirement from the arguments, --file, or stdin when neither is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := requirementText(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := engine.ValidateText(text); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res domain.PipelineResult
				var err error
				if out != "" && sessionID == "" {
					res, err = e.RunAndSave(ctx, text, out)
				} else {
					res, err = e.Run(ctx, text, sessionID)
					if err == nil && out != "" {
						err = engine.WriteJSON(out, res)
					}
				}
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read requirement from file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "merge the result into this session")
	cmd.Flags().StringVarP(&out, "out", "o", "", "also write the result to this JSON file")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Inspect and edit session records",
	}
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionGetCmd())
	s.AddCommand(sessionSetCmd())
	s.AddCommand(sessionMergeCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.ListSessions()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Session", "Keys"})
				for _, id := range ids {
					rec, _ := e.GetSession(id)
					tw.AppendRow(table.Row{id, len(rec)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetSession(args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func sessionSetCmd() *cobra.Command {
	var data, file string
	cmd := &cobra.Command{
		Use:   "set <session-id>",
		Short: "Replace a session record with a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recordInput(data, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetSession(ctx, args[0], rec)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON object from file")
	return cmd
}

func sessionMergeCmd() *cobra.Command {
	var data, file string
	cmd := &cobra.Command{
		Use:   "merge <session-id>",
		Short: "Overwrite top-level keys of a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recordInput(data, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.MergeSession(ctx, args[0], rec); err != nil {
					return err
				}
				merged, err := e.GetSession(args[0])
				if err != nil {
					return err
				}
				return printJSON(merged)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON object from file")
	return cmd
}

func scenariosCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "scenarios",
		Short: "Batch-run requirement files",
	}
	s.AddCommand(scenariosRunCmd())
	return s
}

func scenariosRunCmd() *cobra.Command {
	var dir, results string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every .txt scenario and write per-file results plus summary.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				d := scenarios.Driver{
					Runner:     env.Engine,
					Dir:        config.Resolve(env.Workspace, firstNonEmpty(dir, env.Config.Scenarios.Dir)),
					ResultsDir: config.Resolve(env.Workspace, firstNonEmpty(results, env.Config.Scenarios.ResultsDir)),
					Logger:     env.Engine.Logger,
				}
				summary, err := d.RunAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scenario", "Parsed", "Conflicts", "API paths"})
				for _, name := range summary.Names() {
					c := summary[name]
					tw.AppendRow(table.Row{name, c.Parsed, c.Conflicts, c.APIPaths})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "scenario directory (overrides scenarios.dir)")
	cmd.Flags().StringVar(&results, "results", "", "results directory (overrides scenarios.results_dir)")
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "runs",
		Short: "Browse pipeline run history",
	}
	r.AddCommand(runsListCmd())
	r.AddCommand(runsShowCmd())
	return r
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Session", "Actions", "Conflicts", "Paths", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{
						run.ID,
						run.SessionID,
						actionList(run.Result.Parsed.Actions),
						len(run.Result.Conflicts),
						len(run.Result.API.Paths),
						run.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its full result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Audit trail of pipeline runs and session edits.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, evtType, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Session", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SessionID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			if len(perms) == 0 {
				perms = []string{auth.PermAll}
			}
			if err := auth.ValidatePermissions(perms); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "rl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:          uuid.NewString(),
					ActorID:     actor,
					Name:        name,
					KeyHash:     repo.HashAPIKey(secret),
					Permissions: perms,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":          key.ID,
					"actor_id":    key.ActorID,
					"name":        key.Name,
					"permissions": key.Permissions,
					"key":         secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key acts as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "granted permission (repeatable; default *)")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/reqline.yml. Missing keys fall back to defaults.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reqline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				cfg := env.Config
				logger := env.Engine.Logger
				authCfg := server.AuthConfig{
					Required:  cfg.Auth.Required,
					JWTSecret: firstNonEmpty(viper.GetString("jwt-secret"), cfg.Auth.JWTSecret),
					Logger:    logger,
				}
				if authCfg.Required && authCfg.JWTSecret == "" {
					logger.Printf("serve: auth required without a JWT secret; only API keys will be accepted")
				}
				addr = firstNonEmpty(addr, cfg.Server.Addr)
				basePath = firstNonEmpty(basePath, cfg.Server.BasePath)
				handler, err := server.New(server.Config{
					Engine:      env.Engine,
					BasePath:    basePath,
					Auth:        authCfg,
					CORSOrigins: cfg.Server.CORSOrigins,
					ScenarioDir: config.Resolve(env.Workspace, cfg.Scenarios.Dir),
					ResultsDir:  config.Resolve(env.Workspace, cfg.Scenarios.ResultsDir),
					Logger:      logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, env.Engine, logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Reqline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		Logger:     log.New(os.Stderr, "", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(engine.WithActor(ctx, viper.GetString("actor-id")), env)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, env.Engine)
	})
}

func requirementText(args []string, file string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func recordInput(data, file string) (session.Record, error) {
	if data == "" && file == "" {
		return nil, fmt.Errorf("--data or --file required")
	}
	raw := []byte(data)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var rec session.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	return rec, nil
}

func actionList(actions []domain.Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
