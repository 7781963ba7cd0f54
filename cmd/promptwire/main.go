package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/application"
	"github.com/promptwire/promptwire/internal/infrastructure/config"
	"github.com/promptwire/promptwire/internal/infrastructure/logger"
)

var version = "0.4.0"

func main() {
	application.Version = version

	rootCmd := &cobra.Command{
		Use:   config.AppName,
		Short: "Promptwire — interactive LLM reverse proxy",
		Long: "Promptwire sits between coding agents and LLM backends: one\n" +
			"OpenAI-compatible endpoint with in-band commands, per-session\n" +
			"settings, failover routes, rate limiting and wire capture.",
		RunE: runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", config.AppName, version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backend keys",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("initialization failed", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("start failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s doctor v%s\n\n", config.AppName, version)

	allOK := true
	report := func(name, value string, ok bool) {
		icon := "ok "
		if !ok {
			icon = "!! "
			allOK = false
		}
		fmt.Printf("  %s%s: %s\n", icon, name, value)
	}

	cfg, err := config.Load()
	if err != nil {
		report("config", err.Error(), false)
		fmt.Println("\nfix the configuration before starting the proxy")
		return nil
	}
	report("config", fmt.Sprintf("listening on %s:%d", cfg.Server.Host, cfg.Server.Port), true)

	globalConfig := config.HomeDir() + "/config.yaml"
	if _, err := os.Stat(globalConfig); err == nil {
		report("global config", globalConfig, true)
	} else {
		report("global config", "not present (defaults + env in use)", true)
	}

	names := make([]string, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		names = append(names, b.Name)
	}
	keys := config.DiscoverKeys(names)
	functional := 0
	for _, b := range cfg.Backends {
		n := len(keys[b.Name])
		if n > 0 {
			functional++
			report("backend "+b.Name, fmt.Sprintf("%d key(s) via %s*", n, config.EnvKeyName(b.Name)), true)
		} else {
			report("backend "+b.Name, "no API keys ("+config.EnvKeyName(b.Name)+" unset)", false)
		}
	}
	if functional == 0 {
		report("backends", "no functional backend; chat requests will fail", false)
	}

	if cfg.Capture.File != "" {
		report("capture", cfg.Capture.File, true)
	} else {
		report("capture", "disabled", true)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("some checks failed, see above")
	}
	return nil
}
