package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cwygoda/cardcatcher/internal/adapter/fetcher"
	"github.com/cwygoda/cardcatcher/internal/adapter/filestore"
	httpAdapter "github.com/cwygoda/cardcatcher/internal/adapter/http"
	"github.com/cwygoda/cardcatcher/internal/adapter/normalizer"
	"github.com/cwygoda/cardcatcher/internal/adapter/records"
	"github.com/cwygoda/cardcatcher/internal/config"
	"github.com/cwygoda/cardcatcher/internal/domain"
	"github.com/cwygoda/cardcatcher/internal/ledger"
	"github.com/cwygoda/cardcatcher/internal/metrics"
	"github.com/cwygoda/cardcatcher/internal/pipeline"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// loadTables reads both input tables. Missing tables are reported together.
func (a *app) loadTables() (domain.Tables, error) {
	paths := map[domain.ValueClass]string{
		domain.ClassHigh: a.cfg.Resolve(a.cfg.HighTable),
		domain.ClassLow:  a.cfg.Resolve(a.cfg.LowTable),
	}

	tables := domain.Tables{}
	var errs []error
	for _, class := range domain.Classes {
		recs, err := records.ReadSource(paths[class])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tables[class] = recs
		a.logger.Debug("table loaded", "class", class, "path", paths[class], "rows", len(recs))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tables, nil
}

// pipeline wires the adapters into an orchestrator. The returned func
// releases the HTTP session.
func (a *app) pipeline(journal domain.Journal) (*pipeline.Orchestrator, func(), error) {
	cfg := a.cfg

	f := fetcher.New(fetcher.Options{
		Timeout:      cfg.Fetch.Timeout.Duration,
		MaxAttempts:  cfg.Fetch.MaxAttempts,
		BackoffMin:   cfg.Fetch.BackoffMin.Duration,
		BackoffMax:   cfg.Fetch.BackoffMax.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		Logger:       a.logger,
		Attempts:     a.metrics.FetchAttempts,
		Resets:       a.metrics.SessionResets,
	})

	store := a.store()
	if err := store.Prepare(); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("preparing image folders: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Pipeline.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Pipeline.Rate), max(cfg.Pipeline.Burst, 1))
	}

	orch := pipeline.New(f, normalizer.New(cfg.Image.Size, cfg.Image.Quality), store, ledger.New(), pipeline.Options{
		BatchSize: cfg.Pipeline.BatchSize,
		Workers:   cfg.Pipeline.Workers,
		Limiter:   limiter,
		Journal:   journal,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	return orch, f.Close, nil
}

func (a *app) store() *filestore.Store {
	cfg := a.cfg
	return filestore.New(cfg.Workspace, filestore.Options{
		ImagesDir:  cfg.ImagesDir,
		Attempts:   cfg.Store.WriteAttempts,
		RetryPause: cfg.Store.RetryPause.Duration,
		MinBytes:   cfg.Store.MinBytes,
		Logger:     a.logger,
		Retries:    a.metrics.StoreRetries,
	})
}

// serve starts the status server on addr and returns its shutdown func.
func (a *app) serve(runs httpAdapter.RunReader, addr string) func() {
	srv := httpAdapter.NewServer(runs, a.metrics.Registry(), addr, a.logger)
	go func() {
		a.logger.Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("status server shutdown failed", "error", err)
		}
	}
}

func (a *app) writeMetrics() {
	path := a.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Resolve(path)); err != nil {
		a.logger.Warn("writing metrics failed", "path", path, "error", err)
	}
}

// mergeRun folds outcomes into earlier output tables so every row ends up in
// exactly one of them. A row that succeeds now leaves the failed table; a
// row that fails now loses the processed record stored at its own path.
func mergeRun(oldProcessed []domain.ProcessedRecord, oldFailed []domain.FailedRecord, outcomes []domain.Outcome,
	relPath func(domain.ValueClass, int, string) string) ([]domain.ProcessedRecord, []domain.FailedRecord) {
	succeeded := make(map[domain.RowRef]bool)
	stale := make(map[string]bool)
	var processed []domain.ProcessedRecord
	var failed []domain.FailedRecord
	for _, o := range outcomes {
		ref := domain.RowRef{Class: o.Row.Class, Index: o.Row.Index}
		if o.Succeeded() {
			succeeded[ref] = true
			processed = append(processed, *o.Processed)
			continue
		}
		url := o.Row.Record.PhotoURL
		stale[string(ref.Class)+"|"+relPath(ref.Class, ref.Index, url)+"|"+url] = true
		failed = append(failed, *o.Failed)
	}

	keptProcessed := make([]domain.ProcessedRecord, 0, len(oldProcessed))
	for _, r := range oldProcessed {
		if !stale[string(r.Class)+"|"+r.LocalPath+"|"+r.PhotoURL] {
			keptProcessed = append(keptProcessed, r)
		}
	}
	keptFailed := make([]domain.FailedRecord, 0, len(oldFailed))
	for _, r := range oldFailed {
		if !succeeded[domain.RowRef{Class: r.Class, Index: r.Index}] {
			keptFailed = append(keptFailed, r)
		}
	}
	return mergeProcessed(keptProcessed, processed), mergeFailed(keptFailed, failed)
}

// mergeProcessed appends add to existing, skipping records already present.
func mergeProcessed(existing, add []domain.ProcessedRecord) []domain.ProcessedRecord {
	key := func(r domain.ProcessedRecord) string {
		return fmt.Sprintf("%s|%s|%s|%s|%s", r.Class, r.LocalPath, r.PhotoURL, r.PriceString(), r.Title)
	}
	seen := make(map[string]bool, len(existing))
	out := make([]domain.ProcessedRecord, 0, len(existing)+len(add))
	for _, r := range existing {
		seen[key(r)] = true
		out = append(out, r)
	}
	for _, r := range add {
		if !seen[key(r)] {
			seen[key(r)] = true
			out = append(out, r)
		}
	}
	return out
}

// mergeFailed appends add to existing, skipping rows already present.
func mergeFailed(existing, add []domain.FailedRecord) []domain.FailedRecord {
	seen := make(map[domain.FailedRecord]bool, len(existing))
	out := make([]domain.FailedRecord, 0, len(existing)+len(add))
	for _, recs := range [][]domain.FailedRecord{existing, add} {
		for _, r := range recs {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}
