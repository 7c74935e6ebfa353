package pipeline

import "github.com/cwygoda/cardcatcher/internal/domain"

// Report collects the outcomes of one run in processing order.
type Report struct {
	RunID    string
	Outcomes []domain.Outcome
	Skipped  []domain.RowRef
	Batches  int
}

// Processed returns the successful rows.
func (r *Report) Processed() []domain.ProcessedRecord {
	var recs []domain.ProcessedRecord
	for _, o := range r.Outcomes {
		if o.Processed != nil {
			recs = append(recs, *o.Processed)
		}
	}
	return recs
}

// Failed returns the rows that could not be acquired.
func (r *Report) Failed() []domain.FailedRecord {
	var recs []domain.FailedRecord
	for _, o := range r.Outcomes {
		if o.Failed != nil {
			recs = append(recs, *o.Failed)
		}
	}
	return recs
}

// Count returns the number of successful rows that came from src.
func (r *Report) Count(src domain.Source) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() && o.Source == src {
			n++
		}
	}
	return n
}
