// Package transfer drives batches of exchanges against a remote peer: it
// builds the work list, runs one exchange per file on a bounded worker pool,
// retries failed files with backoff and aggregates the outcome.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/pingsync/internal/config"
	"github.com/schaermu/pingsync/internal/exchange"
	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// maxRetryInterval caps the exponential delay between attempts
const maxRetryInterval = 10 * time.Second

// ErrPartialFailure is returned when at least one file of a batch failed
var ErrPartialFailure = errors.New("some files failed")

// Dialer opens a connection to the remote peer
type Dialer interface {
	Dial(ctx context.Context) (*protocol.Conn, error)
}

// TCPDialer dials the configured peer over TCP
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dial implements Dialer
func (d TCPDialer) Dial(ctx context.Context) (*protocol.Conn, error) {
	return protocol.Dial(ctx, d.Addr, d.Timeout, d.Logger)
}

// Report summarizes one batch
type Report struct {
	BatchID   string
	Operation string
	Attempted int
	Succeeded int
	Skipped   int
	Failed    []string
	Bytes     int64
	// Pruned lists files removed to mirror the source (local removals for
	// dwsync); Message carries the peer's cleanup summary for upsync.
	Pruned   []string
	Message  string
	Duration time.Duration
}

// Err returns ErrPartialFailure when any file failed
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d file(s) failed", ErrPartialFailure, len(r.Failed), r.Attempted)
}

// Engine runs transfers for one client configuration
type Engine struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	logger   *slog.Logger
	dialer   Dialer
	progress Progress
	filter   *fileset.Filter
	root     string
}

// Option customizes an Engine
type Option func(*Engine)

// WithDialer replaces the TCP dialer
func WithDialer(d Dialer) Option {
	return func(e *Engine) {
		e.dialer = d
	}
}

// WithProgress replaces the progress display chosen by client.progress
func WithProgress(p Progress) Option {
	return func(e *Engine) {
		e.progress = p
	}
}

// NewEngine creates a transfer engine rooted at the client work directory
func NewEngine(cfg *config.Config, led *ledger.Ledger, logger *slog.Logger, opts ...Option) (*Engine, error) {
	root, err := cfg.ClientRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work directory: %w", err)
	}
	filter, err := fileset.NewFilter(cfg.CVSExcludeEnabled(), cfg.Client.Exclude)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		ledger: led,
		logger: logger,
		filter: filter,
		root:   root,
		dialer: TCPDialer{
			Addr:    cfg.ServerAddr(),
			Timeout: cfg.Transfer.Timeout,
			Logger:  logger,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.progress == nil {
		e.progress = NewProgress(cfg.Client.Progress, nil)
	}
	return e, nil
}

// exchangeOptions returns the per-exchange settings of this engine
func (e *Engine) exchangeOptions(sync bool) exchange.Options {
	return exchange.Options{
		ChunkSize: e.cfg.Transfer.ChunkSize,
		Timeout:   e.cfg.Transfer.Timeout,
		Sync:      sync,
		Progress:  e.progress.Transferred,
	}
}

// connect dials the peer and runs fn on the connection, releasing it with
// the configured drain delay.
func (e *Engine) connect(ctx context.Context, fn func(conn *protocol.Conn) error) error {
	conn, err := e.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseGraceful(e.cfg.Drain())
	return fn(conn)
}

// retry runs op once plus up to client.retry more times, stopping early on
// success or when ctx is cancelled. Delays grow exponentially from
// client.retry_delay.
func (e *Engine) retry(ctx context.Context, logger *slog.Logger, what string, op func() error) error {
	attempts := max(e.cfg.Client.Retry, 0) + 1

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.cfg.Client.RetryDelay
		b.MaxInterval = maxRetryInterval
		b.MaxElapsedTime = 0
		policy = backoff.WithMaxRetries(b, uint64(attempts-1))
	}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}
		return op()
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("attempt failed, retrying",
			"target", what,
			"attempt", attempt,
			"of", attempts,
			"next_in", next,
			"error", err)
	})
}

// task is one file of a batch
type task struct {
	name string
	run  func(ctx context.Context, logger *slog.Logger) (outcome, error)
}

// outcome is what a task reports back on the result channel
type outcome struct {
	name    string
	skipped bool
	bytes   int64
	err     error
}

// runBatch executes tasks on the worker pool and drains their outcomes
func (e *Engine) runBatch(ctx context.Context, report *Report, logger *slog.Logger, tasks []task, totalBytes int64) {
	report.Attempted = len(tasks)
	if len(tasks) == 0 {
		return
	}

	e.progress.Start(len(tasks), totalBytes)
	defer e.progress.Finish()

	results := make(chan outcome)
	var g errgroup.Group
	workers := e.cfg.Client.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	go func() {
		for _, t := range tasks {
			t := t // per-iteration copy (go1.22 loopvar semantics on go1.21)
			g.Go(func() error {
				o, err := t.run(ctx, logger)
				o.name = t.name
				o.err = err
				results <- o
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for o := range results {
		e.progress.FileDone()
		report.Bytes += o.bytes
		switch {
		case o.err != nil:
			report.Failed = append(report.Failed, o.name)
			logger.Error("transfer failed", "file", o.name, "error", o.err)
		case o.skipped:
			report.Skipped++
			report.Succeeded++
			logger.Debug("transfer skipped", "file", o.name)
		default:
			report.Succeeded++
			logger.Debug("transfer complete", "file", o.name, "bytes", o.bytes)
		}
	}
}

// newReport starts a batch report and its logger
func (e *Engine) newReport(operation string) (*Report, *slog.Logger, time.Time) {
	r := &Report{BatchID: uuid.NewString(), Operation: operation}
	return r, e.logger.With("batch", r.BatchID, "operation", operation), time.Now()
}

// finish logs the batch summary and returns the report with its error
func (e *Engine) finish(report *Report, logger *slog.Logger, started time.Time) (*Report, error) {
	report.Duration = time.Since(started)
	logger.Info("batch finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"bytes", report.Bytes,
		"duration", report.Duration)
	return report, report.Err()
}
