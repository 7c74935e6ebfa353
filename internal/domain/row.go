package domain

import "fmt"

// RowState represents the processing state of a single row.
type RowState string

const (
	StatePending     RowState = "pending"
	StateFetching    RowState = "fetching"
	StateNormalizing RowState = "normalizing"
	StateStoring     RowState = "storing"
	StateSucceeded   RowState = "succeeded"
	StateFailed      RowState = "failed"
)

var transitions = map[RowState][]RowState{
	StatePending:     {StateFetching, StateSucceeded, StateFailed},
	StateFetching:    {StateNormalizing, StateFailed},
	StateNormalizing: {StateStoring, StateFailed},
	StateStoring:     {StateSucceeded, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s RowState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition reports whether s may move to next.
func (s RowState) CanTransition(next RowState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Row addresses one source record of a class table.
type Row struct {
	Class  ValueClass
	Index  int
	Record SourceRecord
	State  RowState
}

// Advance moves the row to next, rejecting illegal transitions.
func (r *Row) Advance(next RowState) error {
	cur := r.State
	if cur == "" {
		cur = StatePending
	}
	if !cur.CanTransition(next) {
		return fmt.Errorf("row %s/%d: illegal transition %s -> %s", r.Class, r.Index, cur, next)
	}
	r.State = next
	return nil
}

// Source tells how a successful row got its local file.
type Source string

const (
	SourceFetched Source = "fetched"
	SourceDeduped Source = "deduped"
	SourceCached  Source = "cached"
)

// Outcome is the result of processing one row: exactly one of Processed or Failed is set.
type Outcome struct {
	Row       Row
	Processed *ProcessedRecord
	Failed    *FailedRecord
	Source    Source
	Stage     RowState
	Err       error
}

// Succeeded reports whether the row produced a ProcessedRecord.
func (o Outcome) Succeeded() bool {
	return o.Processed != nil
}

// Succeed builds a successful outcome for row.
func Succeed(row Row, localPath string, src Source) Outcome {
	row.State = StateSucceeded
	return Outcome{
		Row: row,
		Processed: &ProcessedRecord{
			SourceRecord: row.Record,
			LocalPath:    localPath,
			Class:        row.Class,
		},
		Source: src,
		Stage:  StateSucceeded,
	}
}

// Fail builds a failed outcome for row, remembering the stage that failed.
func Fail(row Row, err error) Outcome {
	stage := row.State
	if stage == "" {
		stage = StatePending
	}
	row.State = StateFailed
	return Outcome{
		Row: row,
		Failed: &FailedRecord{
			URL:   row.Record.PhotoURL,
			Class: row.Class,
			Index: row.Index,
		},
		Stage: stage,
		Err:   err,
	}
}

// RowRef identifies a row by class and index.
type RowRef struct {
	Class ValueClass
	Index int
}
