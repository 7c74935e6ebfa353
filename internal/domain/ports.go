package domain

import (
	"context"
	"image"
	"time"
)

// Fetcher is the driven port for downloading remote resources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Reset()
}

// NormalizedImage is an image in its canonical form. Data holds the exact
// encoded bytes that get persisted; Image is decoded from Data.
type NormalizedImage struct {
	Image image.Image
	Data  []byte
}

// Normalizer is the driven port for image transcoding.
type Normalizer interface {
	Normalize(raw []byte) (*NormalizedImage, error)
}

// ContentStore is the driven port for image persistence.
type ContentStore interface {
	Lookup(class ValueClass, index int, url string) (string, bool)
	Save(ctx context.Context, img *NormalizedImage, class ValueClass, index int, url string) (string, error)
}

// RunStatus represents the state of a journaled run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Run is a journaled orchestrator run over [Start, End).
type Run struct {
	ID        string
	Start     int
	End       int
	Next      int
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resumable returns true if the run stopped before reaching its end.
func (r *Run) Resumable() bool {
	return r.Status != RunCompleted && r.Next < r.End
}

// Journal is the driven port for run bookkeeping.
type Journal interface {
	Begin(ctx context.Context, start, end int) (*Run, error)
	Checkpoint(ctx context.Context, runID string, next int) error
	Record(ctx context.Context, runID string, o Outcome) error
	Finish(ctx context.Context, runID string, status RunStatus) error
}
