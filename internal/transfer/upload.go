package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/pingsync/internal/exchange"
	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// upItem is one local file and the name it gets on the peer
type upItem struct {
	path string
	name string
	size int64
}

// resolve makes p absolute against the work directory
func (e *Engine) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.root, p)
}

// uploadItems collects the files under path. Remote names are relative to
// the parent of path, so uploading "photos" creates "photos/..." remotely.
func (e *Engine) uploadItems(path string) ([]upItem, string, error) {
	abs := e.resolve(path)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	base := filepath.Dir(abs)
	scope := filepath.Base(abs)

	files, err := fileset.Collect(abs, e.filter)
	if err != nil {
		return nil, "", fmt.Errorf("failed to collect files under %s: %w", abs, err)
	}
	if !info.IsDir() && e.filter.Excluded(scope) {
		files = nil
	}

	items := make([]upItem, 0, len(files))
	for _, f := range files {
		name, err := fileset.RelativePath(base, f)
		if err != nil {
			return nil, "", err
		}
		fi, err := os.Stat(f)
		if err != nil {
			return nil, "", fmt.Errorf("failed to stat %s: %w", f, err)
		}
		items = append(items, upItem{path: f, name: name, size: fi.Size()})
	}
	return items, scope, nil
}

// Upload pushes the file or directory at path to the peer. With
// transfer.sync enabled, files the client ledger reports unchanged are
// skipped without a connection.
func (e *Engine) Upload(ctx context.Context, path string) (*Report, error) {
	return e.upload(ctx, "upload", path, e.cfg.SyncEnabled(), false)
}

// UploadSync pushes path, skips unchanged files and has the peer remove
// files that no longer exist locally.
func (e *Engine) UploadSync(ctx context.Context, path string) (*Report, error) {
	return e.upload(ctx, "upsync", path, true, true)
}

func (e *Engine) upload(ctx context.Context, operation, path string, sync, prune bool) (*Report, error) {
	report, logger, started := e.newReport(operation)
	logger.Info("starting batch", "path", path, "sync", sync)

	items, scope, err := e.uploadItems(path)
	if err != nil {
		return report, err
	}
	logger.Info("located files", "count", len(items))

	if prune {
		names := make([]string, 0, len(items))
		for _, it := range items {
			names = append(names, it.name)
		}
		err := e.retry(ctx, logger, scope, func() error {
			return e.connect(ctx, func(conn *protocol.Conn) error {
				msg, err := exchange.PushList(conn, e.exchangeOptions(sync), logger, scope, names)
				report.Message = msg
				return err
			})
		})
		if err != nil {
			return report, fmt.Errorf("failed to sync listing of %s: %w", scope, err)
		}
		logger.Info("peer cleanup finished", "scope", scope, "result", report.Message)
	}

	var total int64
	tasks := make([]task, 0, len(items))
	for _, it := range items {
		it := it // per-iteration copy (go1.22 loopvar semantics on go1.21)
		total += it.size
		tasks = append(tasks, task{
			name: it.name,
			run: func(ctx context.Context, logger *slog.Logger) (outcome, error) {
				return e.uploadFile(ctx, logger, it, sync)
			},
		})
	}
	e.runBatch(ctx, report, logger, tasks, total)
	return e.finish(report, logger, started)
}

// uploadFile consults the client ledger, then uploads with retry and
// records the checksum once the peer has the file.
func (e *Engine) uploadFile(ctx context.Context, logger *slog.Logger, it upItem, sync bool) (outcome, error) {
	status := ledger.Untracked
	sum := ""
	if sync {
		st, s, err := e.ledger.ClientStatus(it.path)
		if err != nil {
			return outcome{}, err
		}
		if st == ledger.Unchanged {
			return outcome{skipped: true}, nil
		}
		status, sum = st, s
	}

	var res *exchange.Result
	err := e.retry(ctx, logger, it.name, func() error {
		return e.connect(ctx, func(conn *protocol.Conn) error {
			r, err := exchange.Upload(conn, e.ledger, e.exchangeOptions(sync), logger, it.path, it.name, sum)
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

	if sync && (status == ledger.Changed || status == ledger.Untracked) {
		if err := e.ledger.Record(it.path, res.Checksum); err != nil {
			logger.Warn("failed to record checksum", "file", it.name, "error", err)
		}
	}
	return outcome{skipped: res.Skipped, bytes: res.Bytes}, nil
}
