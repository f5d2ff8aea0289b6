package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/schaermu/pingsync/internal/exchange"
	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/protocol"
)

// Download lists remote on the peer and pulls every listed file into the
// work directory.
func (e *Engine) Download(ctx context.Context, remote string) (*Report, error) {
	return e.download(ctx, "download", remote, e.cfg.SyncEnabled(), false)
}

// DownloadSync pulls remote and removes local files under it that the peer
// no longer lists.
func (e *Engine) DownloadSync(ctx context.Context, remote string) (*Report, error) {
	return e.download(ctx, "dwsync", remote, true, true)
}

// List returns the peer's files under remote, relative to the served root
func (e *Engine) List(ctx context.Context, remote string) ([]string, error) {
	var entries []string
	err := e.retry(ctx, e.logger, remote, func() error {
		return e.connect(ctx, func(conn *protocol.Conn) error {
			var err error
			entries, err = exchange.List(conn, e.exchangeOptions(false), e.logger, remote)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", remote, err)
	}
	return entries, nil
}

// localPath maps a listed entry into the work directory. A request for a
// single file lands directly in the work directory under its base name.
func (e *Engine) localPath(entry string, single bool) (string, error) {
	if single {
		return filepath.Join(e.root, path.Base(entry)), nil
	}
	return fileset.Resolve(e.root, entry)
}

func (e *Engine) download(ctx context.Context, operation, remote string, sync, prune bool) (*Report, error) {
	report, logger, started := e.newReport(operation)
	logger.Info("starting batch", "remote", remote, "sync", sync)

	entries, err := e.List(ctx, remote)
	if err != nil {
		return report, err
	}
	logger.Info("listed files", "count", len(entries))

	cleanRemote := path.Clean("/" + filepath.ToSlash(remote))
	single := len(entries) == 1 && path.Base(entries[0]) == path.Base(cleanRemote)

	if prune && !single {
		removed, err := fileset.Prune(e.root, cleanRemote, entries, e.removeLocal)
		report.Pruned = removed
		if err != nil {
			return report, fmt.Errorf("failed to remove stale files: %w", err)
		}
		for _, p := range removed {
			logger.Info("removed file absent from peer", "path", p)
		}
	}

	tasks := make([]task, 0, len(entries))
	for _, entry := range entries {
		entry := entry // per-iteration copy (go1.22 loopvar semantics on go1.21)
		local, err := e.localPath(entry, single)
		if err != nil {
			report.Attempted++
			report.Failed = append(report.Failed, entry)
			logger.Error("refusing listed entry", "file", entry, "error", err)
			continue
		}
		tasks = append(tasks, task{
			name: entry,
			run: func(ctx context.Context, logger *slog.Logger) (outcome, error) {
				return e.downloadFile(ctx, logger, entry, local, sync)
			},
		})
	}
	rejected := report.Attempted
	e.runBatch(ctx, report, logger, tasks, 0)
	report.Attempted += rejected
	return e.finish(report, logger, started)
}

// downloadFile pulls one entry with retry; every attempt resumes from the
// local sidecar the previous one left behind.
func (e *Engine) downloadFile(ctx context.Context, logger *slog.Logger, entry, local string, sync bool) (outcome, error) {
	var res *exchange.Result
	err := e.retry(ctx, logger, entry, func() error {
		return e.connect(ctx, func(conn *protocol.Conn) error {
			r, err := exchange.Download(conn, e.ledger, e.exchangeOptions(sync), logger, entry, local)
			res = r
			return err
		})
	})
	if err != nil {
		var moved int64
		if res != nil {
			moved = res.Bytes
		}
		return outcome{bytes: moved}, err
	}
	return outcome{skipped: res.Skipped, bytes: res.Bytes}, nil
}

// removeLocal deletes a stale local file and its ledger entry
func (e *Engine) removeLocal(p string) error {
	if err := e.ledger.Forget(p); err != nil {
		e.logger.Warn("failed to forget ledger entry", "path", p, "error", err)
	}
	return os.Remove(p)
}
