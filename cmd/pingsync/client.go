package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/pingsync/internal/config"
	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/transfer"
	"github.com/schaermu/pingsync/internal/watch"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a file or directory to the server",
	Long: `Upload sends the file or directory at path to the server. Remote names are
relative to the parent of path, so "upload photos" creates photos/... on the
server. Interrupted files resume on the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, func(ctx context.Context, e *transfer.Engine) (*transfer.Report, error) {
			return e.Upload(ctx, args[0])
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote>",
	Short: "Download a file or directory from the server",
	Long: `Download lists remote on the server and pulls every listed file into the
work directory. A single requested file is stored under its base name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, func(ctx context.Context, e *transfer.Engine) (*transfer.Report, error) {
			return e.Download(ctx, args[0])
		})
	},
}

var upsyncCmd = &cobra.Command{
	Use:   "upsync <path>",
	Short: "Mirror a local path onto the server",
	Long: `Upsync uploads changed files under path and has the server delete files
that no longer exist locally. With --watch it keeps running and syncs again
after every change.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpsync,
}

var dwsyncCmd = &cobra.Command{
	Use:   "dwsync <remote>",
	Short: "Mirror a server path into the work directory",
	Long: `Dwsync downloads changed files under remote and removes local files the
server no longer lists.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, func(ctx context.Context, e *transfer.Engine) (*transfer.Report, error) {
			return e.DownloadSync(ctx, args[0])
		})
	},
}

type batchFunc func(ctx context.Context, e *transfer.Engine) (*transfer.Report, error)

// newEngine opens the client ledger and builds a transfer engine
func newEngine(cfg *config.Config, logger *slog.Logger) (*transfer.Engine, error) {
	root, err := cfg.ClientRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work directory: %w", err)
	}
	led, err := ledger.New(root, cfg.Transfer.Checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return transfer.NewEngine(cfg, led, logger)
}

func runBatch(cmd *cobra.Command, fn batchFunc) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	report, err := fn(ctx, engine)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	return err
}

func runUpsync(cmd *cobra.Command, args []string) error {
	if !watchMode {
		return runBatch(cmd, func(ctx context.Context, e *transfer.Engine) (*transfer.Report, error) {
			return e.UploadSync(ctx, args[0])
		})
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	root, err := cfg.ClientRoot()
	if err != nil {
		return err
	}
	filter, err := fileset.NewFilter(cfg.CVSExcludeEnabled(), cfg.Client.Exclude)
	if err != nil {
		return err
	}

	path := args[0]
	w, err := watch.New(resolveLocal(root, path), filter, watchDebounce, func(ctx context.Context) error {
		report, err := engine.UploadSync(ctx, path)
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		return err
	}, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// resolveLocal makes p absolute against the work directory
func resolveLocal(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func printReport(w io.Writer, r *transfer.Report) {
	fmt.Fprintf(w, "%s: %d attempted, %d succeeded (%d skipped), %d failed, %d bytes in %s\n",
		r.Operation, r.Attempted, r.Succeeded, r.Skipped, len(r.Failed), r.Bytes, r.Duration.Round(time.Millisecond))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  failed: %s\n", f)
	}
	if r.Message != "" {
		fmt.Fprintf(w, "  server: %s\n", r.Message)
	}
	for _, p := range r.Pruned {
		fmt.Fprintf(w, "  removed: %s\n", p)
	}
}

// ping reports whether addr accepts TCP connections within timeout
func ping(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn.Close()
}
