// Package pipeline owns the end-to-end ingestion run: records are pulled
// from a source, parsed and batched sequentially, then dispatched to a
// bounded pool of concurrent bulk senders. Lifecycle verification is a hard
// barrier before the first dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/otb-data/gkg-ingest/internal/batch"
	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
	"github.com/otb-data/gkg-ingest/internal/gkg"
)

// State is the controller's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrLifecycleNotReady blocks ingestion when the target alias does not
	// resolve to a single writable index.
	ErrLifecycleNotReady = errors.New("pipeline: target alias is not writable")
	// ErrErrorRateExceeded fails the run when too large a share of input
	// lines cannot be parsed against the schema.
	ErrErrorRateExceeded = errors.New("pipeline: parse error rate exceeded threshold")
)

// errorRateMinLines is the sample size below which the rate check stays off,
// so one bad leading line cannot kill a run.
const errorRateMinLines = 100

// Source yields raw records until io.EOF.
type Source interface {
	Next(ctx context.Context) (gkg.Record, error)
	Close() error
}

// Transfer sends one batch and reports per-document outcomes.
type Transfer interface {
	Bulk(ctx context.Context, alias string, b *batch.Batch) (*elasticsearch.BulkResult, error)
}

// Verifier is the lifecycle manager's read-only writability check.
type Verifier interface {
	VerifyWritable(ctx context.Context) (bool, error)
}

// Config tunes one ingestion run.
type Config struct {
	Alias        string
	SchemaName   string
	BatchSize    int
	BatchBytes   int
	Workers      int
	MaxErrorRate float64 // fraction of lines failing schema checks, 0..1
}

// Summary is the run's aggregated outcome. Every absorbed error shows up in
// one of the counters; nothing fails silently.
type Summary struct {
	RunID string `json:"run_id"`
	State State  `json:"state"`

	Lines             int `json:"lines"`
	Accepted          int `json:"accepted"`
	Rejected          int `json:"rejected"`
	TransportFailed   int `json:"transport_failed"`
	DocumentFailures  int `json:"document_failures"`
	SchemaMismatches  int `json:"schema_mismatches"`
	InvalidDates      int `json:"invalid_dates"`
	SubRecordWarnings int `json:"sub_record_warnings"`
	Batches           int `json:"batches"`
	Retries           int `json:"retries"`

	Duration time.Duration `json:"duration"`
}

// Runner executes one ingestion run.
type Runner struct {
	cfg      Config
	src      Source
	transfer Transfer
	verifier Verifier
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	summary Summary
}

// New builds a Runner. Zero config values fall back to defaults
// (batch 500 docs / 5 MiB, 4 workers, 5% error rate).
func New(cfg Config, src Source, transfer Transfer, verifier Verifier, log *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = 0.05
	}
	if cfg.SchemaName == "" {
		cfg.SchemaName = "gkg-1.0"
	}
	return &Runner{
		cfg:      cfg,
		src:      src,
		transfer: transfer,
		verifier: verifier,
		log:      log,
		state:    StateIdle,
		summary:  Summary{RunID: uuid.NewString(), State: StateIdle},
	}
}

// State returns the controller's current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the live summary, for the ops surface.
func (r *Runner) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.State = r.state
	return s
}

// Run drives the state machine to a terminal state and returns the summary.
// The returned error is non-nil exactly when the terminal state is Failed.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	defer func() {
		r.mu.Lock()
		r.summary.Duration = time.Since(started)
		r.mu.Unlock()
	}()

	// Verification is a hard ordering barrier: no batch may be dispatched
	// against an alias that could be missing or ambiguous.
	r.setState(StateVerifying)
	ok, err := r.verifier.VerifyWritable(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("verify alias %s: %w", r.cfg.Alias, err))
	}
	if !ok {
		return r.fail(fmt.Errorf("%w: %s", ErrLifecycleNotReady, r.cfg.Alias))
	}

	schema, err := gkg.SchemaByName(r.cfg.SchemaName)
	if err != nil {
		return r.fail(err)
	}

	r.setState(StateStreaming)
	r.log.Info("streaming started",
		slog.String("run_id", r.summary.RunID),
		slog.String("alias", r.cfg.Alias),
		slog.String("schema", schema.Name),
		slog.Int("workers", r.cfg.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *batch.Batch, r.cfg.Workers)

	// batchFailed is set by workers on exhausted retries or permanent batch
	// errors; other batches keep flowing but the run terminates as Failed.
	var batchFailed sync.Once
	var batchErr error

	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case b, open := <-batches:
					if !open {
						return nil
					}
					if err := r.send(gctx, b); err != nil {
						batchFailed.Do(func() { batchErr = err })
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	g.Go(func() error {
		defer close(batches)
		err := r.produce(gctx, schema, batches)
		if err == nil {
			// Input exhausted; in-flight sends keep draining.
			r.setState(StateDraining)
		}
		return err
	})

	err = g.Wait()

	if err != nil {
		return r.fail(err)
	}
	if batchErr != nil {
		return r.fail(fmt.Errorf("batch send failed: %w", batchErr))
	}

	r.setState(StateCompleted)
	summary := r.Snapshot()
	r.log.Info("run completed",
		slog.String("run_id", summary.RunID),
		slog.Int("accepted", summary.Accepted),
		slog.Int("rejected", summary.Rejected),
		slog.Int("document_failures", summary.DocumentFailures),
		slog.Int("sub_record_warnings", summary.SubRecordWarnings),
	)
	return &summary, nil
}

// produce reads, parses and batches records sequentially, dispatching closed
// batches to the worker pool. Parsing is cheap; the network is the
// bottleneck, so there is exactly one producer.
func (r *Runner) produce(ctx context.Context, schema *gkg.Schema, batches chan<- *batch.Batch) error {
	assembler := batch.NewAssembler(r.cfg.BatchSize, r.cfg.BatchBytes)

	dispatch := func(b *batch.Batch) error {
		if b == nil {
			return nil
		}
		r.mu.Lock()
		r.summary.Batches++
		r.mu.Unlock()
		select {
		case batches <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		rec, err := r.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}

		doc, warnings, perr := gkg.Parse(rec, schema)

		r.mu.Lock()
		r.summary.Lines++
		r.summary.SubRecordWarnings += len(warnings)
		if perr != nil {
			r.summary.DocumentFailures++
			switch {
			case errors.Is(perr, gkg.ErrSchemaMismatch):
				r.summary.SchemaMismatches++
			case errors.Is(perr, gkg.ErrInvalidDate):
				r.summary.InvalidDates++
			}
		}
		lines, mismatches := r.summary.Lines, r.summary.SchemaMismatches
		r.mu.Unlock()

		for _, w := range warnings {
			r.log.Debug("sub-record skipped",
				slog.String("source", rec.Source),
				slog.Int64("offset", rec.Offset),
				slog.String("warning", w),
			)
		}
		if perr != nil {
			r.log.Warn("document skipped",
				slog.String("source", rec.Source),
				slog.Int64("offset", rec.Offset),
				slog.Any("err", perr),
			)
			if lines >= errorRateMinLines && float64(mismatches)/float64(lines) > r.cfg.MaxErrorRate {
				return fmt.Errorf("%w: %d of %d lines", ErrErrorRateExceeded, mismatches, lines)
			}
			continue
		}

		closed, err := assembler.Add(doc)
		if err != nil {
			return err
		}
		if err := dispatch(closed); err != nil {
			return err
		}
	}

	// The final partial batch must go out; dropping it is the classic
	// "finished but wrote nothing" failure.
	return dispatch(assembler.Flush())
}

// send transfers one batch and folds its outcome into the summary.
func (r *Runner) send(ctx context.Context, b *batch.Batch) error {
	result, err := r.transfer.Bulk(ctx, r.cfg.Alias, b)

	r.mu.Lock()
	if result != nil {
		r.summary.Accepted += result.Accepted
		r.summary.Rejected += result.Rejected
		r.summary.TransportFailed += result.Failed
		r.summary.Retries += result.Retries
	}
	r.mu.Unlock()

	if result != nil {
		for _, rej := range result.Rejections {
			r.log.Warn("document rejected by store",
				slog.String("doc_id", rej.ID),
				slog.Int("status", rej.Status),
				slog.String("reason", rej.Reason),
			)
		}
	}
	if err != nil {
		r.log.Error("batch send failed",
			slog.Int("docs", b.Len()),
			slog.Any("err", err),
		)
		return err
	}
	return nil
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.summary.State = s
	r.mu.Unlock()
}

func (r *Runner) fail(err error) (*Summary, error) {
	r.setState(StateFailed)
	summary := r.Snapshot()
	r.log.Error("run failed",
		slog.String("run_id", summary.RunID),
		slog.Any("err", err),
	)
	return &summary, err
}
