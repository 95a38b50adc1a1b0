package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"caiyun/src/async"
	"caiyun/src/config"
	"caiyun/src/llm"
	"caiyun/src/logging"
	"caiyun/src/mcp"
	"caiyun/src/orchestrator"
	"caiyun/src/remote"
	"caiyun/src/telemetry"
	"caiyun/src/weather"
)

var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	mode       string
}

// app holds the wired services. Nothing here is global: every command
// builds its own from the loaded configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	mode     orchestrator.Mode
	weather  *weather.Service
	registry *mcp.Registry
	server   *mcp.Server
	client   *mcp.Client
	llm      *llm.Client
	loop     *async.Loop
	orch     *orchestrator.Orchestrator
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.mode != "" {
		cfg.Mode = flags.mode
	}
	mode, err := orchestrator.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := telemetry.Init(cfg.Telemetry.SentryDSN, cfg.Telemetry.Environment, version); err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}

	a := &app{cfg: cfg, logger: logger, mode: mode}
	a.weather = weather.NewService(cfg.Weather.BaseURL, cfg.Weather.Token,
		remote.NewClient(cfg.Weather.Timeout), logging.ForComponent("weather"))

	a.registry = mcp.NewRegistry()
	if err := weather.Register(a.registry, a.weather); err != nil {
		return nil, err
	}
	a.server = mcp.NewServer(a.registry,
		mcp.WithAddr(cfg.ToolServer.Addr),
		mcp.WithLogger(logging.ForComponent("toolserver")))
	a.client = mcp.NewClient(cfg.ToolServer.URL,
		mcp.WithHTTPClient(remote.NewClient(cfg.ToolServer.Timeout)),
		mcp.WithPool(async.NewPool(cfg.ToolServer.Workers)),
		mcp.WithClientLogger(logging.ForComponent("toolclient")))

	a.llm = llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.LLM.Retry.MaxAttempts,
			BaseDelay:   cfg.LLM.Retry.BaseDelay,
			MaxDelay:    cfg.LLM.Retry.MaxDelay,
		},
	}, logging.ForComponent("llm"))

	a.loop = async.NewLoop(4)
	a.orch = orchestrator.New(orchestrator.Options{
		LLM:      a.llm,
		Weather:  a.weather,
		Tools:    a.client,
		Executor: a.loop,
		Logger:   logging.ForComponent("orchestrator"),
	})
	return a, nil
}

func (a *app) close() {
	a.loop.Close()
	telemetry.Flush()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "caiyun",
		Short:         "24 hour weather forecasts through an LLM tool-calling loop",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default caiyun.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVarP(&flags.mode, "mode", "m", "", "tool mode: direct or mcp")

	root.AddCommand(newServeCmd(flags), newForecastCmd(flags), newToolsCmd(flags))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
