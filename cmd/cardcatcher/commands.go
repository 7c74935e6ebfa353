package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwygoda/cardcatcher/internal/adapter/records"
	"github.com/cwygoda/cardcatcher/internal/adapter/sqlite"
	"github.com/cwygoda/cardcatcher/internal/config"
	"github.com/cwygoda/cardcatcher/internal/domain"
	"github.com/cwygoda/cardcatcher/internal/metrics"
	"github.com/cwygoda/cardcatcher/internal/pipeline"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		configPath string
		workspace  string
		journal    string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "cardcatcher",
		Short:         "Download and normalize trading card listing images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if workspace != "" {
				cfg.Workspace = workspace
			}
			if journal != "" {
				cfg.JournalPath = journal
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			a.metrics = metrics.New()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/cardcatcher/config.toml)")
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "directory holding the tables and images")
	root.PersistentFlags().StringVar(&journal, "journal", "", "run journal database path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every row and retry")

	root.AddCommand(
		newRunCmd(a),
		newRetryFailedCmd(a),
		newStatusCmd(a),
		newVersionCmd(),
	)
	return root
}

// --- run ---

func newRunCmd(a *app) *cobra.Command {
	var (
		start, end int
		resume     bool
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a range of rows from both listing tables",
		Long: `Process rows [start, end) of the high and low value tables.

Without --start and --end the range is read from stdin.

Examples:
  cardcatcher run --start 0 --end 900
  cardcatcher run --resume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg

			tables, err := a.loadTables()
			if err != nil {
				return err
			}

			j, err := sqlite.New(cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer j.Close()

			if n, err := j.RecoverStale(ctx); err != nil {
				a.logger.Warn("recovering stale runs failed", "error", err)
			} else if n > 0 {
				a.logger.Info("recovered stale runs", "count", n)
			}

			var prev *domain.Run
			if resume {
				prev, err = resumableRun(cmd, j)
				if err != nil {
					return err
				}
			} else {
				ask := prompter(cmd.InOrStdin(), cmd.OutOrStdout())
				if !cmd.Flags().Changed("start") {
					if start, err = ask("start_index"); err != nil {
						return err
					}
				}
				if !cmd.Flags().Changed("end") {
					if end, err = ask("end_index"); err != nil {
						return err
					}
				}
			}

			orch, closeSession, err := a.pipeline(j)
			if err != nil {
				return err
			}
			defer closeSession()

			if listen == "" {
				listen = cfg.Metrics.Listen
			}
			if listen != "" {
				defer a.serve(j, listen)()
			}

			var rep *pipeline.Report
			var runErr error
			if prev != nil {
				rep, runErr = orch.Resume(ctx, tables, prev)
			} else {
				rep, runErr = orch.Run(ctx, tables, start, end)
			}
			if rep == nil {
				return runErr
			}

			processed, failed := rep.Processed(), rep.Failed()
			if prev != nil {
				processed, failed, err = a.mergeOutputs(rep)
				if err != nil {
					return err
				}
			}
			if err := a.writeOutputs(processed, failed); err != nil {
				return err
			}
			a.writeMetrics()

			if runErr != nil {
				return fmt.Errorf("run %s stopped early: %w", rep.RunID, runErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done: %d images processed, %d failed\n", len(rep.Processed()), len(rep.Failed()))
			return nil
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "first row index (inclusive)")
	cmd.Flags().IntVar(&end, "end", 0, "last row index (exclusive)")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue the latest unfinished run")
	cmd.Flags().StringVar(&listen, "listen", "", "serve /metrics and /runs on this address while running")
	cmd.MarkFlagsMutuallyExclusive("resume", "start")
	cmd.MarkFlagsMutuallyExclusive("resume", "end")
	return cmd
}

func resumableRun(cmd *cobra.Command, j *sqlite.Journal) (*domain.Run, error) {
	latest, err := j.Latest(cmd.Context())
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil, fmt.Errorf("no run to resume")
	}
	if err != nil {
		return nil, err
	}
	if !latest.Resumable() {
		return nil, fmt.Errorf("latest run %s is %s, nothing to resume", latest.ID, latest.Status)
	}
	run, err := j.Reopen(cmd.Context(), latest.ID)
	if err != nil {
		return nil, fmt.Errorf("reopening run %s: %w", latest.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming run %s at row %d of [%d, %d)\n", run.ID, run.Next, run.Start, run.End)
	return run, nil
}

// prompter returns a func that asks for one integer per line of in.
func prompter(in io.Reader, out io.Writer) func(name string) (int, error) {
	sc := bufio.NewScanner(in)
	return func(name string) (int, error) {
		fmt.Fprintf(out, "%s: ", name)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("%w: no value for %s", domain.ErrInvalidRange, name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidRange, name)
		}
		return n, nil
	}
}

// mergeOutputs folds a resumed run's outcomes into the existing output tables.
func (a *app) mergeOutputs(rep *pipeline.Report) ([]domain.ProcessedRecord, []domain.FailedRecord, error) {
	oldProcessed, err := records.ReadProcessed(a.cfg.Resolve(a.cfg.ProcessedTable))
	if err != nil {
		return nil, nil, err
	}
	oldFailed, err := records.ReadFailed(a.cfg.Resolve(a.cfg.FailedTable))
	if err != nil {
		return nil, nil, err
	}
	processed, failed := mergeRun(oldProcessed, oldFailed, rep.Outcomes, a.store().RelPath)
	return processed, failed, nil
}

func (a *app) writeOutputs(processed []domain.ProcessedRecord, failed []domain.FailedRecord) error {
	if err := records.WriteProcessed(a.cfg.Resolve(a.cfg.ProcessedTable), processed); err != nil {
		return fmt.Errorf("writing processed table: %w", err)
	}
	if err := records.WriteFailed(a.cfg.Resolve(a.cfg.FailedTable), failed); err != nil {
		return fmt.Errorf("writing failed table: %w", err)
	}
	a.logger.Info("tables written", "processed", len(processed), "failed", len(failed))
	return nil
}

// --- retry-failed ---

func newRetryFailedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Reprocess the rows listed in the failed downloads table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg

			failed, err := records.ReadFailed(cfg.Resolve(cfg.FailedTable))
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to retry")
				return nil
			}

			tables, err := a.loadTables()
			if err != nil {
				return err
			}

			orch, closeSession, err := a.pipeline(nil)
			if err != nil {
				return err
			}
			defer closeSession()

			refs := make([]domain.RowRef, len(failed))
			for i, f := range failed {
				refs[i] = domain.RowRef{Class: f.Class, Index: f.Index}
			}
			rep, runErr := orch.RunRows(cmd.Context(), tables, refs)

			recovered := make(map[domain.RowRef]bool)
			for _, o := range rep.Outcomes {
				if o.Succeeded() {
					recovered[domain.RowRef{Class: o.Row.Class, Index: o.Row.Index}] = true
				}
			}
			var still []domain.FailedRecord
			for _, f := range failed {
				if !recovered[domain.RowRef{Class: f.Class, Index: f.Index}] {
					still = append(still, f)
				}
			}

			existing, err := records.ReadProcessed(cfg.Resolve(cfg.ProcessedTable))
			if err != nil {
				return err
			}
			if err := a.writeOutputs(mergeProcessed(existing, rep.Processed()), still); err != nil {
				return err
			}
			a.writeMetrics()

			if runErr != nil {
				return fmt.Errorf("retry stopped early: %w", runErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d of %d rows, %d still failing\n", len(recovered), len(failed), len(still))
			return nil
		},
	}
}

// --- status ---

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest journaled run",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := sqlite.New(a.cfg.JournalPath)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer j.Close()

			run, err := j.Latest(cmd.Context())
			if errors.Is(err, domain.ErrRunNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			if err != nil {
				return err
			}
			counts, err := j.Counts(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "Status:    %s\n", run.Status)
			fmt.Fprintf(out, "Range:     [%d, %d)\n", run.Start, run.End)
			fmt.Fprintf(out, "Next:      %d\n", run.Next)
			fmt.Fprintf(out, "Succeeded: %d\n", counts[domain.StateSucceeded])
			fmt.Fprintf(out, "Failed:    %d\n", counts[domain.StateFailed])
			fmt.Fprintf(out, "Updated:   %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
			if run.Resumable() {
				fmt.Fprintln(out, "Resume with: cardcatcher run --resume")
			}
			return nil
		},
	}
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cardcatcher version %s\n", version)
		},
	}
}
