package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/cardcatcher/internal/domain"
	"github.com/cwygoda/cardcatcher/internal/ledger"
	"github.com/cwygoda/cardcatcher/internal/metrics"
)

type mockFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
	resets int
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{bodies: make(map[string]string), calls: make(map[string]int)}
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[url]++
	body, ok := m.bodies[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s: status 503", domain.ErrFetch, url)
	}
	return []byte(body), nil
}

func (m *mockFetcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *mockFetcher) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// mockNormalizer passes bytes through; "bad" fails decoding and "boom" panics.
type mockNormalizer struct{}

func (mockNormalizer) Normalize(raw []byte) (*domain.NormalizedImage, error) {
	switch string(raw) {
	case "bad":
		return nil, fmt.Errorf("%w: unknown format", domain.ErrDecode)
	case "boom":
		panic("decoder exploded")
	}
	return &domain.NormalizedImage{Data: raw}, nil
}

type mockStore struct {
	mu    sync.Mutex
	files map[string]string
	saves int
}

func newMockStore() *mockStore {
	return &mockStore{files: make(map[string]string)}
}

func storeKey(class domain.ValueClass, index int, url string) string {
	return fmt.Sprintf("%s/%d/%s", class, index, url)
}

func (m *mockStore) Lookup(class domain.ValueClass, index int, url string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.files[storeKey(class, index, url)]
	return p, ok
}

func (m *mockStore) Save(ctx context.Context, img *domain.NormalizedImage, class domain.ValueClass, index int, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if string(img.Data) == "unwritable" {
		return "", fmt.Errorf("%w: disk full", domain.ErrStore)
	}
	m.saves++
	p := fmt.Sprintf("pokemon_images/%s/%d.jpg", class.Folder(), index)
	m.files[storeKey(class, index, url)] = p
	return p, nil
}

type mockJournal struct {
	mu          sync.Mutex
	begun       bool
	checkpoints []int
	records     int
	status      domain.RunStatus
}

func (m *mockJournal) Begin(ctx context.Context, start, end int) (*domain.Run, error) {
	m.begun = true
	return &domain.Run{ID: "run-1", Start: start, End: end, Next: start, Status: domain.RunRunning}, nil
}

func (m *mockJournal) Checkpoint(ctx context.Context, runID string, next int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, next)
	return nil
}

func (m *mockJournal) Record(ctx context.Context, runID string, o domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records++
	return nil
}

func (m *mockJournal) Finish(ctx context.Context, runID string, status domain.RunStatus) error {
	m.status = status
	return nil
}

func url(class domain.ValueClass, i int) string {
	return fmt.Sprintf("https://images.example/%s/%d.jpg", class, i)
}

// makeTables builds n rows per class, all served by f.
func makeTables(f *mockFetcher, n int) domain.Tables {
	tables := domain.Tables{}
	for _, class := range domain.Classes {
		for i := 0; i < n; i++ {
			u := url(class, i)
			f.bodies[u] = "jpeg:" + u
			tables[class] = append(tables[class], domain.SourceRecord{
				PhotoURL: u,
				Price:    decimal.NewFromInt(int64(10 + i)),
				Title:    fmt.Sprintf("card %d", i),
			})
		}
	}
	return tables
}

func setupOrchestrator(opts Options) (*Orchestrator, *mockFetcher, *mockStore) {
	f := newMockFetcher()
	s := newMockStore()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	return New(f, mockNormalizer{}, s, ledger.New(), opts), f, s
}

func TestRun_HighBeforeLowInInputOrder(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 3)

	rep, err := o.Run(context.Background(), tables, 0, 3)
	require.NoError(t, err)

	require.Len(t, rep.Outcomes, 6)
	var got []domain.RowRef
	for _, out := range rep.Outcomes {
		got = append(got, domain.RowRef{Class: out.Row.Class, Index: out.Row.Index})
	}
	assert.Equal(t, []domain.RowRef{
		{Class: domain.ClassHigh, Index: 0}, {Class: domain.ClassHigh, Index: 1}, {Class: domain.ClassHigh, Index: 2},
		{Class: domain.ClassLow, Index: 0}, {Class: domain.ClassLow, Index: 1}, {Class: domain.ClassLow, Index: 2},
	}, got)

	processed := rep.Processed()
	require.Len(t, processed, 6)
	assert.Equal(t, "pokemon_images/high_value/0.jpg", processed[0].LocalPath)
	assert.Equal(t, domain.ClassLow, processed[3].Class)
	assert.Equal(t, "card 1", processed[1].Title)
	assert.Empty(t, rep.Failed())
	assert.Equal(t, 6, rep.Count(domain.SourceFetched))
}

func TestRun_BatchesRecycleSessionAndCheckpoint(t *testing.T) {
	j := &mockJournal{}
	o, f, _ := setupOrchestrator(Options{BatchSize: 2, Journal: j})
	tables := makeTables(f, 5)

	rep, err := o.Run(context.Background(), tables, 0, 5)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 3, f.resets)
	assert.Equal(t, []int{2, 4, 5}, j.checkpoints)
	assert.Equal(t, 10, j.records)
	assert.Equal(t, domain.RunCompleted, j.status)
}

func TestRun_BatchOrderInterleavesClasses(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{BatchSize: 2})
	tables := makeTables(f, 3)

	rep, err := o.Run(context.Background(), tables, 0, 3)
	require.NoError(t, err)

	var got []string
	for _, out := range rep.Outcomes {
		got = append(got, fmt.Sprintf("%s%d", out.Row.Class, out.Row.Index))
	}
	assert.Equal(t, []string{"high0", "high1", "low0", "low1", "high2", "low2"}, got)
}

func TestRun_InvalidRange(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 3)

	tests := []struct {
		name       string
		start, end int
	}{
		{"negative start", -1, 2},
		{"end before start", 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Run(context.Background(), tables, tt.start, tt.end)
			assert.ErrorIs(t, err, domain.ErrInvalidRange)
		})
	}
}

func TestRun_ClampsToTableLength(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 3)
	tables[domain.ClassLow] = tables[domain.ClassLow][:1]

	rep, err := o.Run(context.Background(), tables, 0, 100)
	require.NoError(t, err)
	assert.Len(t, rep.Outcomes, 4)
	assert.Equal(t, 1, rep.Batches)
}

func TestRun_EmptyRange(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 3)

	rep, err := o.Run(context.Background(), tables, 2, 2)
	require.NoError(t, err)
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, 0, rep.Batches)
	assert.Equal(t, 0, f.total())
}

func TestRun_EveryRowHasExactlyOneOutcome(t *testing.T) {
	m := metrics.New()
	o, f, _ := setupOrchestrator(Options{Metrics: m})
	tables := makeTables(f, 6)

	// fetch failure, decode failure, panic, store failure
	delete(f.bodies, url(domain.ClassHigh, 1))
	f.bodies[url(domain.ClassHigh, 2)] = "bad"
	f.bodies[url(domain.ClassLow, 3)] = "boom"
	f.bodies[url(domain.ClassLow, 4)] = "unwritable"

	rep, err := o.Run(context.Background(), tables, 0, 6)
	require.NoError(t, err)

	require.Len(t, rep.Outcomes, 12)
	for _, out := range rep.Outcomes {
		assert.NotEqual(t, out.Processed == nil, out.Failed == nil,
			"%s/%d must be processed xor failed", out.Row.Class, out.Row.Index)
	}
	assert.Len(t, rep.Processed(), 8)

	failed := rep.Failed()
	require.Len(t, failed, 4)
	assert.Equal(t, domain.FailedRecord{URL: url(domain.ClassHigh, 1), Class: domain.ClassHigh, Index: 1}, failed[0])
	assert.Equal(t, domain.FailedRecord{URL: url(domain.ClassLow, 4), Class: domain.ClassLow, Index: 4}, failed[3])

	stages := map[int]domain.RowState{}
	for _, out := range rep.Outcomes {
		if !out.Succeeded() {
			stages[out.Row.Index] = out.Stage
		}
	}
	assert.Equal(t, map[int]domain.RowState{
		1: domain.StateFetching,
		2: domain.StateNormalizing,
		3: domain.StateNormalizing,
		4: domain.StateStoring,
	}, stages)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Rows.WithLabelValues("high", "failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.Rows.WithLabelValues("high", "processed")))
}

func TestRun_FailedErrorsAreClassified(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 2)
	delete(f.bodies, url(domain.ClassHigh, 0))
	f.bodies[url(domain.ClassHigh, 1)] = "bad"

	rep, err := o.Run(context.Background(), tables, 0, 2)
	require.NoError(t, err)

	assert.True(t, errors.Is(rep.Outcomes[0].Err, domain.ErrFetch))
	assert.True(t, errors.Is(rep.Outcomes[1].Err, domain.ErrDecode))
}

func TestRun_DedupAcrossClasses(t *testing.T) {
	o, f, s := setupOrchestrator(Options{})
	tables := makeTables(f, 2)
	shared := url(domain.ClassHigh, 0)
	tables[domain.ClassLow][1].PhotoURL = shared

	rep, err := o.Run(context.Background(), tables, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, f.calls[shared])
	assert.Equal(t, 3, s.saves)

	low1 := rep.Outcomes[3]
	require.True(t, low1.Succeeded())
	assert.Equal(t, domain.SourceDeduped, low1.Source)
	assert.Equal(t, rep.Outcomes[0].Processed.LocalPath, low1.Processed.LocalPath)
	assert.Equal(t, domain.ClassLow, low1.Processed.Class)
}

func TestRun_ConcurrentRowsShareOneFetch(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{Workers: 8})
	tables := makeTables(f, 16)
	shared := url(domain.ClassHigh, 0)
	for i := range tables[domain.ClassHigh] {
		tables[domain.ClassHigh][i].PhotoURL = shared
	}

	rep, err := o.Run(context.Background(), tables, 0, 16)
	require.NoError(t, err)

	assert.Equal(t, 1, f.calls[shared])
	assert.Equal(t, 15, rep.Count(domain.SourceDeduped))
	assert.Len(t, rep.Processed(), 32)
}

func TestRun_FailedURLIsTriedAgain(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{})
	tables := makeTables(f, 2)
	missing := url(domain.ClassHigh, 0)
	delete(f.bodies, missing)
	tables[domain.ClassLow][0].PhotoURL = missing

	rep, err := o.Run(context.Background(), tables, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, f.calls[missing])
	assert.Len(t, rep.Failed(), 2)
}

func TestRun_StoredFileSkipsFetch(t *testing.T) {
	o, f, s := setupOrchestrator(Options{})
	tables := makeTables(f, 2)
	u := url(domain.ClassHigh, 1)
	s.files[storeKey(domain.ClassHigh, 1, u)] = "pokemon_images/high_value/existing.jpg"

	rep, err := o.Run(context.Background(), tables, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, 0, f.calls[u])
	assert.Equal(t, domain.SourceCached, rep.Outcomes[1].Source)
	assert.Equal(t, "pokemon_images/high_value/existing.jpg", rep.Outcomes[1].Processed.LocalPath)
	assert.Equal(t, 1, rep.Count(domain.SourceCached))
}

func TestRun_Cancelled(t *testing.T) {
	j := &mockJournal{}
	o, f, _ := setupOrchestrator(Options{Journal: j})
	tables := makeTables(f, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := o.Run(ctx, tables, 0, 3)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, 0, f.total())
	assert.Equal(t, domain.RunInterrupted, j.status)
	assert.Empty(t, j.checkpoints)
}

func TestResume_StartsAtCheckpoint(t *testing.T) {
	j := &mockJournal{}
	o, f, _ := setupOrchestrator(Options{BatchSize: 2, Journal: j})
	tables := makeTables(f, 5)

	run := &domain.Run{ID: "run-0", Start: 0, End: 5, Next: 4, Status: domain.RunRunning}
	rep, err := o.Resume(context.Background(), tables, run)
	require.NoError(t, err)

	assert.Equal(t, "run-0", rep.RunID)
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, 4, rep.Outcomes[0].Row.Index)
	assert.Equal(t, []int{5}, j.checkpoints)
	assert.False(t, j.begun)
}

func TestRunRows(t *testing.T) {
	o, f, _ := setupOrchestrator(Options{BatchSize: 2})
	tables := makeTables(f, 4)

	refs := []domain.RowRef{
		{Class: domain.ClassLow, Index: 3},
		{Class: domain.ClassHigh, Index: 9},
		{Class: domain.ClassHigh, Index: 1},
		{Class: domain.ClassLow, Index: 0},
	}
	rep, err := o.RunRows(context.Background(), tables, refs)
	require.NoError(t, err)

	assert.Equal(t, []domain.RowRef{{Class: domain.ClassHigh, Index: 9}}, rep.Skipped)
	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, domain.ClassLow, rep.Outcomes[0].Row.Class)
	assert.Equal(t, 3, rep.Outcomes[0].Row.Index)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, 2, f.resets)
	assert.Equal(t, 3, f.total())
}
