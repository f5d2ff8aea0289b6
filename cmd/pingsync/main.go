package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schaermu/pingsync/internal/config"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/server"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	debug     bool

	// Per-command overrides, applied only when set on the command line
	flagHost       string
	flagPort       int
	flagWorkDir    string
	flagChunkSize  int64
	flagTimeout    time.Duration
	flagRetry      int
	flagWorkers    int
	flagSync       bool
	flagCVSExclude bool
	flagProgress   string
	flagRoot       string
	flagListen     string
	flagMaxConns   int

	watchMode     bool
	watchDebounce time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pingsync",
	Short: "Resumable file transfer and sync between two hosts",
	Long: `pingsync moves files between a client and a server over a small framed TCP
protocol. Interrupted transfers resume where they stopped, and a checksum
ledger on each side lets repeated runs skip files that did not change.

Run "pingsync serve" on the host holding the served directory, then use
upload, download, upsync or dwsync from the client.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a directory to pingsync clients",
	Long: `Serve accepts client connections and answers upload, download and listing
requests against the served directory. Under systemd socket activation the
passed socket is used instead of listen_addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server port accepts connections",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pingsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pingsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "shorthand for --log-level debug")

	serveCmd.Flags().StringVar(&flagRoot, "root", "", "served directory")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address (host:port)")
	serveCmd.Flags().IntVar(&flagMaxConns, "max-connections", 0, "maximum concurrent connections")
	serveCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-frame read timeout")
	serveCmd.Flags().BoolVar(&flagSync, "sync", true, "use the checksum ledger")

	for _, cmd := range []*cobra.Command{uploadCmd, downloadCmd, upsyncCmd, dwsyncCmd} {
		addClientFlags(cmd)
	}
	pingCmd.Flags().StringVar(&flagHost, "host", "", "server host")
	pingCmd.Flags().IntVar(&flagPort, "port", 0, "server port")
	pingCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "connect timeout")

	upsyncCmd.Flags().BoolVar(&watchMode, "watch", false, "keep running and sync again after local changes")
	upsyncCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "quiet period before a watched change is synced (default 2s)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(upsyncCmd)
	rootCmd.AddCommand(dwsyncCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
}

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagHost, "host", "", "server host")
	f.IntVar(&flagPort, "port", 0, "server port")
	f.StringVar(&flagWorkDir, "work-dir", "", "local work directory")
	f.Int64Var(&flagChunkSize, "chunk-size", 0, "bytes per data frame")
	f.DurationVar(&flagTimeout, "timeout", 0, "per-frame read timeout")
	f.IntVar(&flagRetry, "retry", 0, "retries per file after the first attempt")
	f.IntVar(&flagWorkers, "workers", 0, "concurrent transfers")
	f.BoolVar(&flagSync, "sync", true, "use the checksum ledger")
	f.BoolVar(&flagCVSExclude, "cvs-exclude", true, "leave .git and .svn directories out")
	f.StringVar(&flagProgress, "progress", "", "progress display (none, files, bytes)")
}

// applyOverrides copies explicitly set flags into cfg and validates the result
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("host") {
		cfg.Client.Host = flagHost
	}
	if changed("port") {
		cfg.Client.Port = flagPort
	}
	if changed("work-dir") {
		cfg.Client.WorkDir = flagWorkDir
	}
	if changed("chunk-size") {
		cfg.Transfer.ChunkSize = flagChunkSize
	}
	if changed("timeout") {
		cfg.Transfer.Timeout = flagTimeout
	}
	if changed("retry") {
		cfg.Client.Retry = flagRetry
	}
	if changed("workers") {
		cfg.Client.MaxWorkers = flagWorkers
	}
	if changed("sync") {
		cfg.Transfer.Sync = config.Bool(flagSync)
	}
	if changed("cvs-exclude") {
		cfg.Transfer.CVSExclude = config.Bool(flagCVSExclude)
	}
	if changed("progress") {
		cfg.Client.Progress = config.ProgressMode(flagProgress)
	}
	if changed("root") {
		cfg.Server.Root = flagRoot
	}
	if changed("listen") {
		cfg.Server.ListenAddr = flagListen
	}
	if changed("max-connections") {
		cfg.Server.MaxConnections = flagMaxConns
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setup builds the logger and the effective configuration for cmd
func setup(cmd *cobra.Command) (*slog.Logger, *config.Config, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyOverrides(cmd, cfg); err != nil {
		return nil, nil, err
	}
	return logger, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	root, err := cfg.ServerRoot()
	if err != nil {
		return fmt.Errorf("failed to resolve served directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create served directory: %w", err)
	}
	led, err := ledger.New(root, cfg.Transfer.Checksum)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	srv, err := server.New(cfg, led, logger)
	if err != nil {
		return err
	}
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	addr := cfg.ServerAddr()
	if err := ping(addr, cfg.Transfer.Timeout); err != nil {
		logger.Debug("port check failed", "addr", addr, "error", err)
		fmt.Fprintf(cmd.OutOrStdout(), "%s is closed\n", addr)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is open\n", addr)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the default file when it exists. Without
// either the built-in defaults apply.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "pingsync", "config.yaml")
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"server", cfg.ServerAddr(),
		"work_dir", cfg.Client.WorkDir,
		"root", cfg.Server.Root,
		"chunk_size", cfg.Transfer.ChunkSize,
		"checksum", cfg.Transfer.Checksum)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
