package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/s7/internal/api"
	"github.com/edgeo-scada/s7/internal/config"
	"github.com/edgeo-scada/s7/internal/poller"
	"github.com/edgeo-scada/s7/internal/publish"
	"github.com/edgeo-scada/s7/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "s7gateway",
	Short: "Poll S7 controllers and serve their values",
	Long: `s7gateway keeps sessions to one or more S7 controllers, polls the
configured channels in batches and exposes current and historic values
over HTTP. Changes can be forwarded to MQTT, Redis and Kafka.

Configuration is read from s7gateway.yaml (or --config) and can be
overridden with S7GW_ environment variables, e.g. S7GW_HTTP_LISTEN=:9090.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	RunE:  runGateway,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective settings",
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("s7gateway %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./s7gateway.yaml)")
	rootCmd.PersistentFlags().String("listen", "", "HTTP listen address (overrides http.listen)")
	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))

	rootCmd.AddCommand(runCmd, checkCmd, versionCmd)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	return cfg, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "configuration OK: %d devices, %d channels\n", len(cfg.Devices), len(cfg.Channels))
	os.Stdout.Write(out)
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	instance := cfg.Instance
	if instance == "" {
		instance = publish.NewInstanceID()
	}
	logger = logger.With(slog.String("instance", instance))

	st := store.New(cfg.History.Depth)
	dispatcher := publish.NewDispatcher(instance, logger, publish.FromConfig(cfg.Publishers, instance)...)

	opts := []poller.Option{poller.WithLogger(logger)}
	if dispatcher.Len() > 0 {
		opts = append(opts, poller.WithOnChange(dispatcher.Submit))
	}
	set, err := poller.Build(cfg, st, opts...)
	if err != nil {
		return err
	}

	reg := api.NewRegistry(set, st, dispatcher)
	router := api.NewRouter(set, st, reg, logger)
	srv := api.NewServer(cfg.HTTP.Listen, router, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gateway starting",
		slog.String("version", version),
		slog.Int("devices", len(cfg.Devices)),
		slog.Int("channels", len(cfg.Channels)),
		slog.Int("sinks", dispatcher.Len()))

	done := make(chan struct{}, 2)
	go func() {
		set.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("publishers", slog.String("error", err.Error()))
		}
		done <- struct{}{}
	}()

	err = srv.ListenAndServe(ctx)
	stop()
	<-done
	<-done
	logger.Info("gateway stopped")
	return err
}
