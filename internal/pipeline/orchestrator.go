// Package pipeline drives rows through fetch, normalize and store in
// fixed-size batches, recycling the HTTP session between batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cwygoda/cardcatcher/internal/domain"
	"github.com/cwygoda/cardcatcher/internal/ledger"
	"github.com/cwygoda/cardcatcher/internal/metrics"
)

// DefaultBatchSize is the number of row indices covered by one batch.
const DefaultBatchSize = 90

// Options configures an Orchestrator. Limiter, Journal and Metrics are optional.
type Options struct {
	BatchSize int
	Workers   int
	Limiter   *rate.Limiter
	Journal   domain.Journal
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator runs index ranges of both value tables through the pipeline.
type Orchestrator struct {
	fetcher    domain.Fetcher
	normalizer domain.Normalizer
	store      domain.ContentStore
	ledger     *ledger.Ledger
	opts       Options
	logger     *slog.Logger
}

// New creates an orchestrator. The ledger is shared by every run made with it.
func New(f domain.Fetcher, n domain.Normalizer, s domain.ContentStore, l *ledger.Ledger, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:    f,
		normalizer: n,
		store:      s,
		ledger:     l,
		opts:       opts,
		logger:     logger,
	}
}

// Run processes rows [start, end) of both tables, batch by batch, high
// before low within each batch. end is clamped to the longest table.
//
// Row failures never abort the run. If ctx is cancelled, rows already in
// flight finish, no new rows start, and the partial report is returned
// together with the context error.
func (o *Orchestrator) Run(ctx context.Context, tables domain.Tables, start, end int) (*Report, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: [%d, %d)", domain.ErrInvalidRange, start, end)
	}
	if n := tables.Len(); end > n {
		end = n
	}
	if start > end {
		start = end
	}

	run := &domain.Run{Start: start, End: end, Next: start}
	if o.opts.Journal != nil {
		r, err := o.opts.Journal.Begin(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("begin run: %w", err)
		}
		run = r
	}
	return o.Resume(ctx, tables, run)
}

// Resume continues run from its checkpoint. The run must already exist in
// the journal, if one is configured.
func (o *Orchestrator) Resume(ctx context.Context, tables domain.Tables, run *domain.Run) (*Report, error) {
	end := run.End
	if n := tables.Len(); end > n {
		end = n
	}

	rep := &Report{RunID: run.ID}
	o.logger.Info("run started", "run", run.ID, "start", run.Next, "end", end, "batch_size", o.opts.BatchSize)

	var err error
	for b := run.Next; b < end; b += o.opts.BatchSize {
		if err = ctx.Err(); err != nil {
			break
		}
		batchEnd := min(b+o.opts.BatchSize, end)

		groups := make([][]domain.Row, 0, len(domain.Classes))
		for _, class := range domain.Classes {
			groups = append(groups, tables.Rows(class, b, batchEnd))
		}

		if err = o.runBatch(ctx, rep, groups, b, batchEnd); err != nil {
			break
		}
		o.checkpoint(ctx, run.ID, batchEnd)
	}

	o.finish(ctx, run.ID, err)
	return rep, err
}

// RunRows reprocesses an explicit list of rows, in order, in batches of
// BatchSize rows. References outside their table are reported as skipped.
func (o *Orchestrator) RunRows(ctx context.Context, tables domain.Tables, refs []domain.RowRef) (*Report, error) {
	rep := &Report{}

	var rows []domain.Row
	for _, ref := range refs {
		records := tables[ref.Class]
		if ref.Index < 0 || ref.Index >= len(records) {
			o.logger.Warn("row out of range", "class", ref.Class, "index", ref.Index)
			rep.Skipped = append(rep.Skipped, ref)
			continue
		}
		rows = append(rows, domain.Row{Class: ref.Class, Index: ref.Index, Record: records[ref.Index]})
	}

	for b := 0; b < len(rows); b += o.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		chunk := rows[b:min(b+o.opts.BatchSize, len(rows))]
		if err := o.runBatch(ctx, rep, [][]domain.Row{chunk}, b, b+len(chunk)); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// runBatch processes the groups in order, then recycles the session. It
// returns the context error only if some rows were never started.
func (o *Orchestrator) runBatch(ctx context.Context, rep *Report, groups [][]domain.Row, start, end int) error {
	began := time.Now()
	defer func() {
		o.fetcher.Reset()
		rep.Batches++
		if o.opts.Metrics != nil {
			o.opts.Metrics.BatchDuration.Observe(time.Since(began).Seconds())
		}
	}()

	var processed, failed int
	for _, rows := range groups {
		outcomes := o.processRows(ctx, rows)
		for _, out := range outcomes {
			o.record(ctx, rep.RunID, out)
			if out.Succeeded() {
				processed++
			} else {
				failed++
			}
		}
		rep.Outcomes = append(rep.Outcomes, outcomes...)

		if len(outcomes) < len(rows) {
			o.logger.Warn("batch interrupted", "start", start, "end", end, "done", processed+failed)
			return ctx.Err()
		}
	}

	o.logger.Info("batch done",
		"batch", rep.Batches+1,
		"start", start,
		"end", end,
		"processed", processed,
		"failed", failed,
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return nil
}

// processRows runs rows on at most Workers goroutines and returns their
// outcomes in input order. Once ctx is done no further rows are started, so
// the result may be shorter than rows.
func (o *Orchestrator) processRows(ctx context.Context, rows []domain.Row) []domain.Outcome {
	outcomes := make([]domain.Outcome, len(rows))

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)

	started := 0
	for i, row := range rows {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			outcomes[i] = o.processRow(ctx, row)
			return nil
		})
	}
	g.Wait()

	return outcomes[:started]
}

// processRow takes one row to a terminal state. It never returns an
// error; every failure, panics included, becomes a Failed outcome.
func (o *Orchestrator) processRow(ctx context.Context, row domain.Row) (out domain.Outcome) {
	// a started row runs to completion
	ctx = context.WithoutCancel(ctx)
	url := row.Record.PhotoURL

	defer func() {
		if r := recover(); r != nil {
			out = domain.Fail(row, fmt.Errorf("panic: %v", r))
		}
		o.observe(out)
	}()

	unlock := o.ledger.Lock(url)
	defer unlock()

	if path, ok := o.ledger.Path(url); ok {
		return domain.Succeed(row, path, domain.SourceDeduped)
	}
	if path, ok := o.store.Lookup(row.Class, row.Index, url); ok {
		o.ledger.MarkSeen(url, path)
		return domain.Succeed(row, path, domain.SourceCached)
	}

	if err := row.Advance(domain.StateFetching); err != nil {
		return domain.Fail(row, err)
	}
	if o.opts.Limiter != nil {
		if err := o.opts.Limiter.Wait(ctx); err != nil {
			return domain.Fail(row, fmt.Errorf("%w: %v", domain.ErrFetch, err))
		}
	}
	raw, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		return domain.Fail(row, err)
	}

	if err := row.Advance(domain.StateNormalizing); err != nil {
		return domain.Fail(row, err)
	}
	img, err := o.normalizer.Normalize(raw)
	if err != nil {
		return domain.Fail(row, err)
	}

	if err := row.Advance(domain.StateStoring); err != nil {
		return domain.Fail(row, err)
	}
	path, err := o.store.Save(ctx, img, row.Class, row.Index, url)
	if err != nil {
		return domain.Fail(row, err)
	}

	o.ledger.MarkSeen(url, path)
	return domain.Succeed(row, path, domain.SourceFetched)
}

func (o *Orchestrator) observe(out domain.Outcome) {
	label := "failed"
	if out.Succeeded() {
		label = "processed"
		if out.Source != domain.SourceFetched {
			label = string(out.Source)
		}
		o.logger.Debug("row done", "class", out.Row.Class, "index", out.Row.Index, "source", out.Source)
	} else {
		o.logger.Warn("row failed",
			"class", out.Row.Class,
			"index", out.Row.Index,
			"url", out.Row.Record.PhotoURL,
			"stage", out.Stage,
			"error", out.Err,
		)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.Rows.WithLabelValues(string(out.Row.Class), label).Inc()
	}
}

// Journal writes are bookkeeping: failures are logged and the run goes on.

func (o *Orchestrator) record(ctx context.Context, runID string, out domain.Outcome) {
	if o.opts.Journal == nil || runID == "" {
		return
	}
	if err := o.opts.Journal.Record(context.WithoutCancel(ctx), runID, out); err != nil {
		o.logger.Warn("journal record failed", "run", runID, "error", err)
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, runID string, next int) {
	if o.opts.Journal == nil || runID == "" {
		return
	}
	if err := o.opts.Journal.Checkpoint(context.WithoutCancel(ctx), runID, next); err != nil {
		o.logger.Warn("journal checkpoint failed", "run", runID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, runErr error) {
	status := domain.RunCompleted
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = domain.RunInterrupted
	case runErr != nil:
		status = domain.RunFailed
	}
	o.logger.Info("run finished", "run", runID, "status", status)

	if o.opts.Journal == nil || runID == "" {
		return
	}
	if err := o.opts.Journal.Finish(context.WithoutCancel(ctx), runID, status); err != nil {
		o.logger.Warn("journal finish failed", "run", runID, "error", err)
	}
}
