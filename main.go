package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"stockscreener/internal/api"
	"stockscreener/internal/config"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "stockscreener",
	Short:         "Stock screener API and key statistics scraper",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := newServer(cfg)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx, cfg.ListenAddr)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats SYMBOL...",
	Short: "Scrape key statistics for one or more symbols and print them as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		extractor, err := newExtractor(cfg)
		if err != nil {
			return err
		}
		if extractor == nil {
			return fmt.Errorf("statistics scraping is disabled")
		}

		out := make(map[string]any, len(args))
		failed := 0
		for _, symbol := range api.ParseTickers(strings.Join(args, ",")) {
			result, err := extractor.Extract(ctx, symbol)
			if err != nil {
				slog.Error("extraction failed", "symbol", symbol, "error", err)
				out[symbol] = map[string]string{"error": err.Error()}
				failed++
				continue
			}
			out[symbol] = result
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d symbols failed", failed, len(out))
		}
		return nil
	},
}

// run executes the root command with args; used by tests.
func run(ctx context.Context, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
