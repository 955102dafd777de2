// Command agentrun is the CLI entry point: it loads an agent definition,
// builds a Runner, and drives one run to completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/promptresolver"
	"github.com/stepforge/agentengine/agent/runlog"
	"github.com/stepforge/agentengine/agent/runner"
	"github.com/stepforge/agentengine/agent/sdkbridge"
	"github.com/stepforge/agentengine/agent/session"
	"github.com/stepforge/agentengine/internal/config"
	"github.com/stepforge/agentengine/internal/telemetry"
)

// Exit codes: 0 success, 1 AgentResult.success==false, 2 configuration
// error encountered before the loop starts.
const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		agentDefPath string
		configFile   string
	)

	rootCmd := &cobra.Command{
		Use:     "agentrun [agent]",
		Short:   "Run an autonomous agent definition to completion",
		Version: "0.1.0",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: none)")
	rootCmd.PersistentFlags().StringVar(&agentDefPath, "agent-def", "", "path to the agent definition file")

	flags := rootCmd.Flags()
	flags.Int("issue", 0, "issue number this run operates against")
	flags.Int("project", 0, "project number this run operates against")
	flags.Int("iterate-max", 0, "override the agent definition's iteration budget")
	flags.String("branch", "", "git branch for this run's worktree")
	flags.String("base-branch", "main", "base branch name (read into the run config; worktrees are created from main)")
	flags.Bool("resume", false, "resume a prior run's SDK session")
	flags.String("permission-mode", "default", "SDK permission mode (read into the run config; the SDK receives the agent definition's permissionMode)")
	flags.String("label", "", "opaque label (read into the run config; not written to the run log)")

	exitCode := exitSuccess
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags, configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			exitCode = exitConfig
			return nil
		}
		if cfg.AgentDefPath == "" {
			fmt.Fprintln(os.Stderr, "configuration error: --agent-def is required")
			exitCode = exitConfig
			return nil
		}

		exitCode = execute(cfg)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	return exitCode
}

func execute(cfg config.RunnerConfig) int {
	logger, err := telemetry.NewProductionJSONLogger()
	if err != nil {
		logger = telemetry.NewNoopLogger()
	}

	def, err := agentdef.LoadAgentDefinition(cfg.AgentDefPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	if cfg.IterateMax > 0 {
		def.CompletionCfg.MaxIterations = cfg.IterateMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn(ctx, "received shutdown signal, cancelling run")
		cancel()
		time.AfterFunc(cfg.ShutdownGrace, func() {
			logger.Error(ctx, "shutdown grace period elapsed, forcing exit")
			os.Exit(exitFailure)
		})
	}()

	bridge, bridgeErr := buildBridge()
	if bridgeErr != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", bridgeErr)
		return exitConfig
	}

	resolver := promptresolver.New(def.PromptsDir, nil, logger)

	var sessions session.Store
	if cfg.RedisAddr != "" {
		sessions = session.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "", 30*24*time.Hour)
	} else {
		sessions = session.NewMemoryStore()
	}

	var runLog runlog.Store
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			return exitConfig
		}
		runLog = runlog.NewMongoStore(client, "agentengine", "run_log", runIDFor(cfg))
	} else if def.Logging.Directory != "" {
		store, err := runlog.NewJSONLStore(def.Logging.Directory)
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			return exitConfig
		}
		runLog = store
	}
	if runLog != nil {
		defer runLog.Close()
	}

	r, err := runner.New(runner.Config{
		Definition:             def,
		Bridge:                 bridge,
		Resolver:               resolver,
		Sessions:               sessions,
		RunLog:                 runLog,
		Logger:                 logger,
		ResumeReloadsSummaries: cfg.ResumeReloadsSummaries,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}

	result := r.Run(ctx, runner.Params{
		Issue:            cfg.Issue,
		Project:          cfg.Project,
		Branch:           cfg.Branch,
		Resume:           cfg.Resume,
		SessionResumeKey: runIDFor(cfg),
		Custom: map[string]string{
			"issue":   fmt.Sprint(cfg.Issue),
			"project": fmt.Sprint(cfg.Project),
		},
	})

	fmt.Println("success:", result.Success)
	fmt.Println("reason:", result.Reason)
	fmt.Println("iterations:", result.Iterations)
	if !result.Success {
		return exitFailure
	}
	return exitSuccess
}

func runIDFor(cfg config.RunnerConfig) string {
	return fmt.Sprintf("%s:%d:%s", cfg.AgentDefPath, cfg.Issue, cfg.Branch)
}

func buildBridge() (sdkbridge.Bridge, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	return sdkbridge.NewAnthropicBridge(apiKey, model), nil
}
