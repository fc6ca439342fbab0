package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cad-orchestrator/internal/agent"
	"cad-orchestrator/internal/api"
	"cad-orchestrator/internal/auth"
	"cad-orchestrator/internal/config"
	"cad-orchestrator/internal/database"
	"cad-orchestrator/internal/eventlog"
	"cad-orchestrator/internal/keylock"
	"cad-orchestrator/internal/llm"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/memory"
	"cad-orchestrator/internal/orchestrator"
	"cad-orchestrator/internal/ratelimit"
	"cad-orchestrator/internal/websocket"
	"cad-orchestrator/internal/worker"

	"github.com/spf13/cobra"
)

var (
	configPath string
	port       string
)

var rootCmd = &cobra.Command{
	Use:   "cad-orchestrator",
	Short: "Job orchestrator for agent-driven CAD analysis",
	Long: `cad-orchestrator tracks CAD analysis jobs through their pipeline stages,
stores agent checkpoints and memories, and streams job events to websocket
subscribers.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Infof("[INIT] Schema ready Driver=%s", cfg.DBDriver)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <jobId>",
	Short: "Delete a job with its checkpoints, events and memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		client := agent.NewHTTPClient(cfg.AgentURL, cfg.AgentAPIKey, 10*time.Second)
		events := eventlog.New(db, nil)
		orch := orchestrator.New(db, events, keylock.New(), &directDispatcher{client: client}, nil, orchestrator.Options{
			Stages:          cfg.Stages,
			CallbackBaseURL: cfg.CallbackBaseURL,
		})
		if err := orch.Purge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("purged job %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file overlaid on the environment")
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "HTTP port (overrides SERVER_PORT)")
	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, configures logging and opens the database with its schema
func setup(ctx context.Context) (*config.Config, *database.DB, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if port != "" {
		cfg.ServerPort = port
	}
	logger.Configure(cfg.LogLevel)

	db, err := database.New(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialize schema: %w", err)
	}
	return cfg, db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Infof("[INIT] Database initialized Driver=%s", cfg.DBDriver)

	if cfg.SessionSecret == "" {
		logger.Warn("[INIT] SESSION_SECRET is empty; every public request will be rejected")
	}
	if cfg.AgentAPIKey == "" {
		logger.Warn("[INIT] AGENT_API_KEY is empty; agent callbacks are unauthenticated")
	}

	gateway := websocket.New(0)
	events := eventlog.New(db, gateway)
	locks := keylock.New()

	client := agent.NewHTTPClient(cfg.AgentURL, cfg.AgentAPIKey, 30*time.Second)
	pool := worker.NewPool(client, worker.Options{
		Workers: cfg.DispatchWorkers,
		Retries: cfg.DispatchRetries,
		Backoff: cfg.DispatchBackoff,
	})
	orch := orchestrator.New(db, events, locks, pool, gateway, orchestrator.Options{
		Stages:          cfg.Stages,
		CallbackBaseURL: cfg.CallbackBaseURL,
	})
	pool.OnFailure(orch.DispatchFailed)
	pool.Start(ctx)
	logger.Infof("[INIT] Started %d dispatch workers", cfg.DispatchWorkers)

	memories := memory.New(db, events, locks, llm.NewEmbeddingClient(cfg), llm.NewChatClient(cfg))

	apiServer := api.NewServer(api.Deps{
		DB:           db,
		Orchestrator: orch,
		Memory:       memories,
		Events:       events,
		Gateway:      gateway,
		Sessions:     auth.NewSessions(cfg.SessionSecret),
		RateLimiter:  ratelimit.New(cfg.StartsPerMinute),
		AgentAPIKey:  cfg.AgentAPIKey,
		FrontendURL:  cfg.FrontendURL,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[INIT] Server starting on http://localhost:%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Infof("[SHUTDOWN] Received %s", sig)
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("[SHUTDOWN] Server forced to shutdown: %v", err)
	}
	cancel()
	pool.Wait()
	logger.Info("[SHUTDOWN] Server exited")
	return nil
}

// directDispatcher calls the agent inline. The purge command uses it
// because it runs no worker pool.
type directDispatcher struct {
	client agent.Client
}

func (d *directDispatcher) DispatchStart(req *agent.StartRequest) {}

func (d *directDispatcher) DispatchCancel(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.Cancel(ctx, jobID); err != nil {
		logger.Warnf("[PURGE] JobID=%s agent cancel failed: %v", jobID, err)
	}
}
