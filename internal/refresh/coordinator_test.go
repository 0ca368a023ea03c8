package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/config"
	"fieldops/internal/escalation"
	"fieldops/internal/exposure"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
	"fieldops/internal/predict"
	"fieldops/internal/scoring"
	"fieldops/internal/storage"
)

type fakeSource struct {
	authority model.SourceAuthority
	calls     atomic.Int32
	mu        sync.Mutex
	fn        func(ctx context.Context, identifier string) ([]normalize.RawRecord, error)
}

func (f *fakeSource) Authority() model.SourceAuthority { return f.authority }

func (f *fakeSource) Fetch(ctx context.Context, identifier string) ([]normalize.RawRecord, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, identifier)
}

func (f *fakeSource) set(fn func(ctx context.Context, identifier string) ([]normalize.RawRecord, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func failing(context.Context, string) ([]normalize.RawRecord, error) {
	return nil, errors.New("registry returned 503")
}

func housing(classes ...string) func(context.Context, string) ([]normalize.RawRecord, error) {
	return func(context.Context, string) ([]normalize.RawRecord, error) {
		out := make([]normalize.RawRecord, 0, len(classes))
		for i, class := range classes {
			out = append(out, normalize.HousingRecord{
				ViolationID: fmt.Sprintf("hpd-%d", i),
				Class:       class,
				Status:      "OPEN",
				IssuedDate:  "2026-05-01",
				Penalty:     "500",
			})
		}
		return out, nil
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []model.BuildingResult
}

func (r *recordingSink) Record(res model.BuildingResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

type staticBacklog []model.Routine

func (b staticBacklog) Routines(context.Context) ([]model.Routine, error) { return b, nil }

type harness struct {
	coord   *Coordinator
	sources map[model.SourceAuthority]*fakeSource
	cache   storage.CacheStore
	machine *escalation.Machine
	sink    *recordingSink
	clock   time.Time
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	h := &harness{
		sources: make(map[model.SourceAuthority]*fakeSource),
		cache:   storage.NewMemory(),
		machine: escalation.NewMachine(escalation.OptionsFromConfig(cfg.Escalation)),
		sink:    &recordingSink{},
		clock:   time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	var sources []Source
	for _, auth := range model.Authorities {
		src := &fakeSource{authority: auth}
		h.sources[auth] = src
		sources = append(sources, src)
	}
	dir := NewStaticDirectory([]config.BuildingConfig{
		{Building: model.Building{ID: "b1", Name: "12 Elm St"}},
		{Building: model.Building{ID: "b2", Name: "40 Oak Ave"}},
	})
	coord, err := New(Deps{
		Sources:    sources,
		Directory:  dir,
		Cache:      h.cache,
		Scorer:     scoring.NewScorer(scoring.TableFromConfig(cfg.Scoring)),
		Exposure:   exposure.NewCalculator(cfg.Exposure),
		Escalation: h.machine,
		Backlog: staticBacklog{
			{ID: "r1", BuildingID: "b1", Category: "maintenance", EstimatedDurationMinutes: 60},
		},
		Predictor: predict.New(cfg.Prediction),
		Results:   h.sink,
	}, Options{MaxConcurrent: 2, FetchTimeout: timeout})
	require.NoError(t, err)
	coord.now = func() time.Time { return h.clock }
	h.coord = coord
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func TestRefreshAllSourcesFresh(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sources[model.SourceHousing].set(housing("C"))

	res := h.coord.Refresh(context.Background(), []string{"b1"})
	require.Len(t, res.Buildings, 1)
	b := res.Buildings["b1"]
	assert.Equal(t, model.AvailabilityFresh, b.Availability)
	assert.False(t, b.Stale)
	require.NotNil(t, b.Score)
	assert.Equal(t, 65, b.Score.Score)
	assert.Equal(t, model.RiskHigh, b.Score.RiskTier)
	require.NotNil(t, b.Exposure)
	assert.Equal(t, int64(50000), b.Exposure.OutstandingFinesCents)
	assert.Equal(t, model.StateElevated, b.EmergencyState)
	assert.Empty(t, b.FailedSources)

	snap, ok, err := h.cache.Get(context.Background(), "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 65, snap.Score.Score)
	assert.Len(t, snap.Violations, 1)
	assert.Len(t, snap.SourceFetchedAt, 4)

	require.Len(t, res.Predictions, 1)
	assert.Equal(t, "b1", res.Predictions[0].BuildingID)
	assert.Len(t, h.coord.Predictions(), 1)
}

func TestAllSourcesFailReturnsCachedScoreExactly(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sources[model.SourceHousing].set(housing("C", "B"))
	first := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]
	require.NotNil(t, first.Score)

	for _, src := range h.sources {
		src.set(failing)
	}
	h.advance(15 * time.Minute)
	got := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]

	assert.True(t, got.Stale)
	assert.Equal(t, model.AvailabilityStale, got.Availability)
	require.NotNil(t, got.Score)
	assert.Equal(t, *first.Score, *got.Score)
	assert.Equal(t, *first.Exposure, *got.Exposure)
	assert.True(t, got.LastSuccessAt.Equal(first.LastSuccessAt))
	assert.Len(t, got.FailedSources, 4)

	snap, _, err := h.cache.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, snap.ComputedAt.Equal(first.LastSuccessAt))
}

func TestAllSourcesFailWithoutCacheIsUnknown(t *testing.T) {
	h := newHarness(t, time.Second)
	for _, src := range h.sources {
		src.set(failing)
	}
	res := h.coord.Refresh(context.Background(), []string{"b1", "b2"})
	require.Len(t, res.Buildings, 2)
	for id, b := range res.Buildings {
		assert.Equal(t, model.AvailabilityUnknown, b.Availability, id)
		assert.Nil(t, b.Score, id)
		assert.Equal(t, ErrAllSourcesUnavailable.Error(), b.Error)
	}
	assert.Zero(t, res.Succeeded())
	assert.Equal(t, model.StateNormal, h.machine.Snapshot("b1").State)
}

func TestPartialFailureMergesCachedViolations(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sources[model.SourceHousing].set(housing("C"))
	h.coord.Refresh(context.Background(), []string{"b1"})

	h.sources[model.SourceHousing].set(failing)
	h.sources[model.SourceFire].set(func(context.Context, string) ([]normalize.RawRecord, error) {
		return []normalize.RawRecord{normalize.FireRecord{ViolationNumber: "f-1", Priority: "1", Status: "open", InspectionDate: "2026-05-20"}}, nil
	})
	h.advance(time.Hour)
	got := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]

	assert.Equal(t, model.AvailabilityStale, got.Availability)
	assert.True(t, got.Stale)
	assert.Equal(t, []model.SourceAuthority{model.SourceHousing}, got.FailedSources)
	require.NotNil(t, got.Score)
	assert.Equal(t, 2, got.Score.OpenCount)
	assert.Equal(t, model.TrendDeclining, got.Score.Trend)

	snap, _, err := h.cache.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, snap.ViolationsFrom(model.SourceHousing), 1)
	assert.True(t, snap.SourceFetchedAt[model.SourceHousing].Before(snap.ComputedAt))
}

func TestPartialFailureWithoutCacheStillScores(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sources[model.SourceSanitation].set(failing)
	got := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]
	assert.Equal(t, model.AvailabilityStale, got.Availability)
	require.NotNil(t, got.Score)
	assert.Equal(t, 100, got.Score.Score)
}

func TestSlowSourceTimesOutIndividually(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.sources[model.SourceFire].set(func(ctx context.Context, _ string) ([]normalize.RawRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.sources[model.SourceHousing].set(housing("B"))

	start := time.Now()
	got := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []model.SourceAuthority{model.SourceFire}, got.FailedSources)
	require.NotNil(t, got.Score)
	assert.Equal(t, 1, got.Score.OpenCount)
}

func TestEscalationObservesOnlyFreshCycles(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sources[model.SourceHousing].set(housing("C", "C"))
	got := h.coord.Refresh(context.Background(), []string{"b1"}).Buildings["b1"]
	require.NotNil(t, got.Score)
	assert.Equal(t, model.RiskCritical, got.Score.RiskTier)
	assert.Equal(t, model.StateCritical, got.EmergencyState)

	for _, src := range h.sources {
		src.set(failing)
	}
	h.coord.Refresh(context.Background(), []string{"b1"})
	assert.Equal(t, 1, h.machine.Snapshot("b1").CriticalCycles)

	h.sources[model.SourceHousing].set(housing("C", "C"))
	h.coord.Refresh(context.Background(), []string{"b1"})
	assert.True(t, h.machine.Eligible("b1"))
}

func TestUnknownBuilding(t *testing.T) {
	h := newHarness(t, time.Second)
	got := h.coord.RefreshBuilding(context.Background(), "nope")
	assert.Equal(t, model.AvailabilityUnknown, got.Availability)
	assert.Equal(t, ErrUnknownBuilding.Error(), got.Error)
}

func gate(release <-chan struct{}, started chan<- struct{}) func(context.Context, string) ([]normalize.RawRecord, error) {
	return func(ctx context.Context, _ string) ([]normalize.RawRecord, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestConcurrentRequestsShareOneFlight(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	release := make(chan struct{})
	h.sources[model.SourceHousing].set(gate(release, make(chan struct{}, 1)))

	ctx := context.Background()
	f1 := h.coord.join(ctx, "b1", triggerNow)
	f2 := h.coord.join(ctx, "b1", triggerNow)
	f3 := h.coord.join(ctx, "b1", triggerInterval)
	assert.Same(t, f1, f2)
	assert.Same(t, f1, f3)

	close(release)
	r1 := h.coord.wait(ctx, "b1", f1)
	r2 := h.coord.wait(ctx, "b1", f2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), h.sources[model.SourceHousing].calls.Load())
	assert.Len(t, h.sink.results, 1)
}

func TestRefreshNowSupersedesIntervalFlight(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.sources[model.SourceHousing].set(gate(release, started))

	ctx := context.Background()
	old := h.coord.join(ctx, "b1", triggerInterval)
	<-started

	h.sources[model.SourceHousing].set(housing("C", "C"))
	newer := h.coord.join(ctx, "b1", triggerNow)
	require.NotSame(t, old, newer)

	fromOld := h.coord.wait(ctx, "b1", old)
	fromNew := h.coord.wait(ctx, "b1", newer)
	close(release)

	assert.Equal(t, fromNew, fromOld)
	require.NotNil(t, fromNew.Score)
	assert.Equal(t, model.RiskCritical, fromNew.Score.RiskTier)

	st := h.machine.Snapshot("b1")
	assert.Equal(t, 1, st.CriticalCycles)
	h.sink.mu.Lock()
	assert.Len(t, h.sink.results, 1)
	h.sink.mu.Unlock()
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)

	src := &fakeSource{authority: model.SourceFire}
	_, err = New(Deps{
		Sources:    []Source{src, src},
		Directory:  NewStaticDirectory(nil),
		Cache:      storage.NewMemory(),
		Scorer:     scoring.NewScorer(scoring.TableFromConfig(config.DefaultConfig().Scoring)),
		Exposure:   exposure.NewCalculator(config.DefaultConfig().Exposure),
		Escalation: escalation.NewMachine(escalation.Options{}),
	}, Options{})
	assert.ErrorContains(t, err, "duplicate source")
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, 10*time.Millisecond, nil) }()
	require.Eventually(t, func() bool {
		_, ok, _ := h.cache.Get(context.Background(), "b2")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
