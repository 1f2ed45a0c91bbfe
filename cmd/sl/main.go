package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stageline/internal/app"
	"stageline/internal/automation"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves work items through a staged product pipeline.
- Stages: inbox -> discovery -> prd -> design -> prototype -> validate -> tickets -> build -> alpha -> beta -> ga.
- Graduation criteria: what a work item must show before it can leave its current stage (documents, jury approval, prototypes, linked evidence, metrics).
- Gates: file and metric checks evaluated against stored documents or a local directory.
- Signals: raw feedback ingested per workspace and clustered by similarity.
- Automation: clusters are turned into suggestions, initiatives, or PRD jobs depending on the workspace depth.
- Event log: every change, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Options{Level: viper.GetString("log-level"), Format: viper.GetString("log-format")})
		if err != nil {
			return err
		}
		logger = l
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "directory holding stageline.yml and the .stageline state")
	flags.String("ws", "", "workspace id (overrides stageline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatConsole, "log format (console, json)")
	for _, name := range []string{"workspace", "ws", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(evidenceCmds()...)
	rootCmd.AddCommand(criteriaCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(clustersCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write stageline.yml and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("workspace")
			path := config.Path(dir)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			content := config.GenerateDefault(id)
			if name != "" {
				content = strings.Replace(content, "  name: "+id+"\n", "  name: "+name+"\n", 1)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				w, err := e.GetWorkspace(ctx, ws)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("Initialized workspace %s in %s\n", w.ID, path)
					return nil
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, workspacesTable)
			})
		},
	})
	var desc string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create workspace with the default config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{
					ID:          args[0],
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w, nil)
			})
		},
	}
	create.Flags().StringVar(&desc, "description", "", "description")
	ws.AddCommand(create)
	return ws
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				cfg, err := e.ConfigFor(ctx, ws)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored workspace config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				if cfg.Workspace.ID != ws {
					return fmt.Errorf("config is for workspace %s, active workspace is %s", cfg.Workspace.ID, ws)
				}
				if err := e.ImportConfig(ctx, ws, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Imported config for %s (%d stages)\n", ws, len(cfg.Stages))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = imp.MarkFlagRequired("file")
	cfgCmd.AddCommand(imp)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file (defaults to stageline.yml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println("config valid")
			return nil
		},
	})
	return cfgCmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				events, err := e.ListEvents(ctx, repo.EventFilters{
					WorkspaceID: ws,
					Type:        evtType,
					EntityKind:  entityKind,
					EntityID:    entityID,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events, eventsTable)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the automation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STAGELINE_JWT_SECRET"),
				DevLogin:               devLogin,
				AllowLegacyActorHeader: legacyHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, nil)
			e.Log = logger
			fileCfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			e.Config = fileCfg

			ctx, stop := shutdownContext(cmd.Context())
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			if !noScheduler {
				sched := e.NewScheduler()
				e.OnSignal = sched.Trigger
				g.Go(func() error {
					err := sched.Run(ctx, func(res automation.SweepResult) {
						if res.Actions > 0 || res.Failed > 0 {
							logger.Info("automation sweep", zap.Int("actions", res.Actions), zap.Int("failed", res.Failed))
						}
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			server.StartWebhookDispatcher(ctx, e)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable background automation")
	return cmd
}

// --- helpers ---

// shutdownContext is cancelled on SIGINT or SIGTERM.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// withStore opens the database without resolving an active workspace.
func withStore(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, nil)
	e.Log = logger
	return fn(ctx, e)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withStore(ctx, func(ctx context.Context, e engine.Engine) error {
		ws, cfg, err := app.ResolveWorkspaceAndConfig(ctx, e, viper.GetString("workspace"), viper.GetString("ws"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		e.Config = cfg
		return fn(ctx, e, ws)
	})
}

func actor() string { return viper.GetString("actor-id") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
