package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"runline/internal/app"
	"runline/internal/apperr"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/dispatch"
	"runline/internal/engine/auth"
	"runline/internal/logger"
	"runline/internal/migrate"
	"runline/internal/queue"
	"runline/internal/repo"
	"runline/internal/server"
	"runline/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "runline",
	Short: "Runline CLI",
	Long: `Runline runs sandboxed agent jobs as durable, resumable workflow runs.
- Project: owns runs, artifacts and the roles that may act on them.
- Run: one execution of a kind (research, implementation, code) moving pending -> running -> succeeded/failed/canceled.
- Stream: the ordered event log of a run; clients resume from any index.
- Approval: a durable pause that a human or service resolves before the run continues.
- Artifact: versioned output stored per logical key.`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RUNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			log := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
			secret := cfg.Auth.JWTSecret
			if secret == "" {
				return fmt.Errorf("RUNLINE_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if cfg.Server.PublicURL == "" {
				cfg.Server.PublicURL = "http://" + addr
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: log, Migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:       a.Engine,
				Dispatcher:   a.Dispatcher,
				Gate:         a.Gate,
				Artifacts:    a.Artifacts,
				Streams:      a.Streams,
				BasePath:     basePath,
				CallbackPath: cfg.Queue.CallbackPath,
				Auth:         server.AuthConfig{JWTSecret: secret, AllowActorHeader: devActorHeader, Logger: log},
				Logger:       log,
				Redactor:     a.Redactor,
			})
			if err != nil {
				return err
			}
			if err := a.Reaper.Start(ctx); err != nil {
				return err
			}
			go server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, log).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving runline api", "addr", addr, "base_path", basePath, "callback", app.CallbackURL(cfg))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devActorHeader, "dev-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, m := range applied {
				fmt.Println("applied", m.Name)
			}
			fmt.Println("database up to date:", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectRoleCmd("grant", "Grant a role on the project"))
	prj.AddCommand(projectRoleCmd("revoke", "Revoke a role on the project"))
	return prj
}

// projectRoleCmd changes role membership. Only project owners may do it.
func projectRoleCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <actor-id> <role>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				caller := viper.GetString("actor-id")
				roles, err := a.Engine.Auth.ActorRoles(ctx, nil, projectID, caller)
				if err != nil {
					return err
				}
				if !slices.Contains(roles, auth.RoleOwner) {
					return apperr.New(apperr.Forbidden, "role %s required", auth.RoleOwner)
				}
				if verb == "grant" {
					err = a.Engine.GrantRole(ctx, projectID, args[0], args[1], caller)
				} else {
					err = a.Engine.RevokeRole(ctx, projectID, args[0], args[1], caller)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %s on %s\n", verb, args[1], args[0], projectID)
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project and become its owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.InitProject(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Description", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect runs",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runStepsCmd())
	run.AddCommand(runEventsCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var kind, metadata string
	var follow bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a run and execute it in this process",
		Long:  "Starts a run and executes its steps in process. With --follow the run's stream is printed as it is produced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProject()
			if err != nil {
				return err
			}
			var meta map[string]any
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if _, err := app.EnsureProject(ctx, a.Engine, projectID, actor); err != nil {
					return err
				}
				run, err := a.Dispatcher.StartProjectRun(ctx, dispatch.StartInput{
					ProjectID: projectID,
					Kind:      kind,
					Metadata:  meta,
					ActorID:   actor,
				})
				if err != nil {
					return err
				}
				if follow {
					if err := a.Streams.Read(ctx, run.ID, 0, printEnvelope); err != nil {
						return err
					}
				}
				a.Substrate.Wait()
				run, err = a.Engine.Repo.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "code", "run kind")
	cmd.Flags().StringVar(&metadata, "metadata", "", `run metadata as JSON, e.g. {"commands":[["ls"]]}`)
	cmd.Flags().BoolVar(&follow, "follow", false, "print stream events while the run executes")
	return cmd
}

func runListCmd() *cobra.Command {
	var status, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProject()
			if err != nil {
				return err
			}
			f := repo.RunFilter{ProjectID: projectID, Status: status, Limit: limit}
			if cursor != "" {
				parts := strings.SplitN(cursor, "|", 2)
				if len(parts) != 2 {
					return fmt.Errorf("--cursor must be <created_at>|<id>")
				}
				f.CursorCreatedAt, f.CursorID = parts[0], parts[1]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("ID", "Kind", "Status", "Created", "Error")
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Kind, run.Status, run.CreatedAt, run.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after <created_at>|<id>")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and its open steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				actor := viper.GetString("actor-id")
				if err := a.Engine.Auth.Require(ctx, nil, run.ProjectID, actor, auth.PermRunCancel); err != nil {
					return err
				}
				res, err := a.Dispatcher.CancelProjectRun(ctx, run.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func runStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List the steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				steps, err := r.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := newTable("Step", "Status", "Started", "Ended", "Error")
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, s.Status, deref(s.StartedAt), deref(s.EndedAt), s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runEventsCmd() *cobra.Command {
	var from int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's stream events from an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stream.ValidateIndex(from); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Streams.Snapshot(ctx, args[0], from, limit)
				if err != nil {
					return err
				}
				for _, env := range items {
					if err := printEnvelope(env); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first stream index")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum events")
	return cmd
}

func approvalCmd() *cobra.Command {
	apr := &cobra.Command{
		Use:   "approval",
		Short: "Resolve approval requests",
	}
	apr.AddCommand(approvalListCmd())
	apr.AddCommand(approvalDecideCmd("approve", true))
	apr.AddCommand(approvalDecideCmd("reject", false))
	return apr
}

func approvalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List approval requests of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gate.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Scope", "Status", "Intent", "Decided by")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Scope, it.Status, it.IntentSummary, deref(it.ApprovedBy)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func approvalDecideCmd(use string, approved bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Gate.Decide(ctx, args[0], viper.GetString("actor-id"), approved)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect stored artifacts",
	}
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	return art
}

func artifactListCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifact versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Artifacts.List(ctx, projectID, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Key", "Version", "Encoding", "Size", "Run", "Created")
				for _, it := range items {
					tw.AppendRow(table.Row{it.LogicalKey, it.Version, it.Encoding, it.Size, it.RunID, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "logical key filter")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <logical-key>",
		Short: "Print an artifact version's content (latest by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := a.Artifacts.Get(ctx, projectID, args[0], version)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"artifact": art, "content": string(art.Content)})
				}
				fmt.Println(string(art.Content))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version (0 for latest)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				key, secret, err := a.Engine.CreateAPIKey(ctx, actor, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "ACTOR", "NAME", "CREATED", "LAST USED", "REVOKED")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, deref(k.LastUsedAt), deref(k.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := a.Engine.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(key)
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect runline.yml",
		Long:  "runline.yml configures run kinds, sandbox policies, budgets, redaction, the queue and webhooks. Missing files fall back to defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default runline.yml",
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate runline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Step callback tooling",
	}
	var runID, stepID string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed step callback for manual redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			body, err := json.Marshal(queue.StepCallback{RunID: runID, StepID: stepID})
			if err != nil {
				return err
			}
			sig, err := queue.NewSigner(cfg.Queue.SigningKey, cfg.Queue.NextSigningKey).Sign(body)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"url":     app.CallbackURL(cfg),
				"headers": map[string]string{queue.SignatureHeader: sig, "Content-Type": "application/json"},
				"body":    json.RawMessage(body),
			})
		},
	}
	sign.Flags().StringVar(&runID, "run", "", "run id")
	sign.Flags().StringVar(&stepID, "step", "agent", "step id")
	_ = sign.MarkFlagRequired("run")
	q.AddCommand(sign)
	return q
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("project"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Project", "Entity", "Actor")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

// --- helpers ---

func requireProject() (string, error) {
	p := strings.TrimSpace(viper.GetString("project"))
	if p == "" {
		return "", fmt.Errorf("--project required (or RUNLINE_PROJECT)")
	}
	return p, nil
}

// loadConfig reads runline.yml and overlays RUNLINE_* environment values.
func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := app.LoadConfig(workspace)
	if err != nil {
		return nil, err
	}
	overlay := func(dst *string, key string) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.Auth.JWTSecret, "jwt-secret")
	overlay(&cfg.Queue.SigningKey, "queue-signing-key")
	overlay(&cfg.Queue.NextSigningKey, "queue-next-signing-key")
	overlay(&cfg.Queue.RedisURL, "redis-url")
	overlay(&cfg.Server.PublicURL, "public-url")
	return cfg, nil
}

// withApp opens the workspace with steps executed in this process.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format),
		InProcess: true,
		Migrate:   true,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printEnvelope(env stream.Envelope) error {
	kind, data, err := stream.Encode(env.Event)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"index": env.Index, "kind": kind, "event": json.RawMessage(data), "created_at": env.CreatedAt})
	}
	fmt.Printf("%4d %-16s %s\n", env.Index, kind, data)
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
