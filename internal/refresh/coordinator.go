package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fieldops/internal/escalation"
	"fieldops/internal/exposure"
	"fieldops/internal/logging"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
	"fieldops/internal/predict"
	"fieldops/internal/scoring"
	"fieldops/internal/storage"
)

// Escalator is the slice of the escalation machine the coordinator drives.
type Escalator interface {
	Observe(ctx context.Context, buildingID string, tier model.RiskTier) escalation.BuildingState
	Snapshot(buildingID string) escalation.BuildingState
}

// ResultSink receives every building result that was not superseded.
type ResultSink interface {
	Record(result model.BuildingResult)
}

type Deps struct {
	Sources    []Source
	Directory  Directory
	Cache      storage.CacheStore
	Normalizer *normalize.Normalizer
	Scorer     *scoring.Scorer
	Exposure   *exposure.Calculator
	Escalation Escalator
	Backlog    BacklogSource
	Predictor  *predict.Predictor
	Results    ResultSink
	Logger     *slog.Logger
}

type Options struct {
	MaxConcurrent int
	FetchTimeout  time.Duration
}

type trigger int

const (
	triggerInterval trigger = iota
	triggerNow
)

func (t trigger) String() string {
	if t == triggerNow {
		return "now"
	}
	return "interval"
}

// flight is one in-flight refresh of a building. Concurrent requests share it.
// When a refresh-now supersedes an interval flight, next points at the newer
// flight and the old one never commits.
type flight struct {
	trigger    trigger
	cancel     context.CancelFunc
	done       chan struct{}
	result     model.BuildingResult
	superseded bool
	next       *flight
}

// Coordinator fetches, normalizes and scores buildings, keeping the
// last-known-good cache and the escalation machine up to date.
type Coordinator struct {
	sources    []Source
	directory  Directory
	cache      storage.CacheStore
	normalizer *normalize.Normalizer
	scorer     *scoring.Scorer
	exposure   *exposure.Calculator
	escalation Escalator
	backlog    BacklogSource
	predictor  *predict.Predictor
	results    ResultSink
	logger     *slog.Logger

	fetchTimeout time.Duration
	sem          *semaphore.Weighted
	now          func() time.Time

	mu       sync.Mutex
	flights  map[string]*flight
	commitMu map[string]*sync.Mutex

	predMu      sync.RWMutex
	predictions []model.MaintenancePrediction
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if len(deps.Sources) == 0 {
		return nil, errors.New("refresh: at least one source required")
	}
	if deps.Directory == nil || deps.Cache == nil || deps.Scorer == nil || deps.Exposure == nil || deps.Escalation == nil {
		return nil, errors.New("refresh: directory, cache, scorer, exposure and escalation are required")
	}
	seen := make(map[model.SourceAuthority]bool, len(deps.Sources))
	for _, src := range deps.Sources {
		if seen[src.Authority()] {
			return nil, fmt.Errorf("refresh: duplicate source %s", src.Authority())
		}
		seen[src.Authority()] = true
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	norm := deps.Normalizer
	if norm == nil {
		norm = normalize.New(logger, time.UTC)
	}
	return &Coordinator{
		sources:      deps.Sources,
		directory:    deps.Directory,
		cache:        deps.Cache,
		normalizer:   norm,
		scorer:       deps.Scorer,
		exposure:     deps.Exposure,
		escalation:   deps.Escalation,
		backlog:      deps.Backlog,
		predictor:    deps.Predictor,
		results:      deps.Results,
		logger:       logger,
		fetchTimeout: opts.FetchTimeout,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		now:          time.Now,
		flights:      make(map[string]*flight),
		commitMu:     make(map[string]*sync.Mutex),
	}, nil
}

// Refresh refreshes the given buildings now, superseding any interval refresh
// already running for them. An empty list refreshes every known building.
func (c *Coordinator) Refresh(ctx context.Context, buildingIDs []string) model.RefreshResult {
	return c.cycle(ctx, buildingIDs, triggerNow)
}

// RefreshBuilding is Refresh for a single building.
func (c *Coordinator) RefreshBuilding(ctx context.Context, buildingID string) model.BuildingResult {
	return c.building(ctx, buildingID, triggerNow)
}

// Run refreshes on a fixed interval until ctx is cancelled. The first cycle
// starts immediately. ids may be nil to use the directory.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, ids func() []string) error {
	if interval <= 0 {
		return errors.New("refresh: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var list []string
		if ids != nil {
			list = ids()
		}
		res := c.cycle(ctx, list, triggerInterval)
		c.logSummary(res)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Predictions returns the forecasts from the most recent cycle.
func (c *Coordinator) Predictions() []model.MaintenancePrediction {
	c.predMu.RLock()
	defer c.predMu.RUnlock()
	return append([]model.MaintenancePrediction(nil), c.predictions...)
}

func (c *Coordinator) cycle(ctx context.Context, buildingIDs []string, trig trigger) model.RefreshResult {
	if len(buildingIDs) == 0 {
		buildingIDs = c.directory.BuildingIDs()
	}
	out := model.RefreshResult{
		StartedAt: c.now().UTC(),
		Buildings: make(map[string]model.BuildingResult, len(buildingIDs)),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for _, id := range dedupe(buildingIDs) {
		g.Go(func() error {
			res := c.building(ctx, id, trig)
			mu.Lock()
			out.Buildings[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out.Predictions = c.predict(ctx)
	out.FinishedAt = c.now().UTC()
	return out
}

func (c *Coordinator) predict(ctx context.Context) []model.MaintenancePrediction {
	if c.backlog == nil || c.predictor == nil {
		return nil
	}
	routines, err := c.backlog.Routines(ctx)
	if err != nil {
		c.logger.Warn("routine backlog unavailable", "error", err)
		return c.Predictions()
	}
	preds := c.predictor.Predict(routines)
	c.predMu.Lock()
	c.predictions = preds
	c.predMu.Unlock()
	return append([]model.MaintenancePrediction(nil), preds...)
}

// building joins or starts the flight for one building and waits for the
// newest result. Cancelling ctx only stops the wait.
func (c *Coordinator) building(ctx context.Context, buildingID string, trig trigger) model.BuildingResult {
	return c.wait(ctx, buildingID, c.join(ctx, buildingID, trig))
}

// join returns the flight a request should wait on. A refresh-now request
// replaces an interval flight; any other request shares the running one.
func (c *Coordinator) join(ctx context.Context, buildingID string, trig trigger) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[buildingID]
	switch {
	case !ok:
		return c.launch(ctx, buildingID, trig)
	case trig == triggerNow && f.trigger == triggerInterval:
		nf := c.launch(ctx, buildingID, trig)
		f.superseded = true
		f.next = nf
		f.cancel()
		c.logger.Debug("interval refresh superseded", "building_id", buildingID)
		return nf
	}
	return f
}

func (c *Coordinator) wait(ctx context.Context, buildingID string, f *flight) model.BuildingResult {
	for {
		select {
		case <-f.done:
		case <-ctx.Done():
			return model.BuildingResult{
				BuildingID:   buildingID,
				Availability: model.AvailabilityUnknown,
				Error:        ctx.Err().Error(),
			}
		}
		c.mu.Lock()
		next := f.next
		c.mu.Unlock()
		if next == nil {
			return f.result
		}
		f = next
	}
}

// launch must be called with c.mu held.
func (c *Coordinator) launch(ctx context.Context, buildingID string, trig trigger) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{trigger: trig, cancel: cancel, done: make(chan struct{})}
	c.flights[buildingID] = f
	go func() {
		defer close(f.done)
		defer cancel()
		f.result = c.run(fctx, buildingID, f)
		c.mu.Lock()
		if c.flights[buildingID] == f {
			delete(c.flights, buildingID)
		}
		c.mu.Unlock()
	}()
	return f
}

func (c *Coordinator) isSuperseded(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.superseded
}

func (c *Coordinator) buildingLock(buildingID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.commitMu[buildingID]
	if !ok {
		m = &sync.Mutex{}
		c.commitMu[buildingID] = m
	}
	return m
}

type fetchOutcome struct {
	authority model.SourceAuthority
	records   []normalize.RawRecord
	err       error
	attempted bool
}

func (c *Coordinator) run(ctx context.Context, buildingID string, f *flight) model.BuildingResult {
	res := model.BuildingResult{BuildingID: buildingID, Availability: model.AvailabilityUnknown}

	idents, ok := c.directory.Identifiers(buildingID)
	if !ok {
		res.Error = ErrUnknownBuilding.Error()
		return c.record(f, res)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		res.Error = err.Error()
		return res
	}
	defer c.sem.Release(1)

	cached, hasCache, err := c.cache.Get(ctx, buildingID)
	if err != nil {
		c.logger.Warn("cache read failed", "building_id", buildingID, "error", err)
		hasCache = false
	}

	outcomes := c.fetchAll(ctx, buildingID, idents)
	if ctx.Err() != nil && c.isSuperseded(f) {
		return res
	}

	succeeded := 0
	for _, o := range outcomes {
		if !o.attempted {
			continue
		}
		if o.err != nil {
			res.FailedSources = append(res.FailedSources, o.authority)
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		res.Stale = true
		if !hasCache {
			res.Error = ErrAllSourcesUnavailable.Error()
			c.logger.Warn("no data for building", "building_id", buildingID, "failed_sources", res.FailedSources)
			return c.record(f, res)
		}
		score := cached.Score
		exp := cached.Exposure
		res.Availability = model.AvailabilityStale
		res.Score = &score
		res.Exposure = &exp
		res.LastSuccessAt = cached.ComputedAt
		res.EmergencyState = c.escalation.Snapshot(buildingID).State
		return c.record(f, res)
	}

	var violations []model.Violation
	fetchedAt := make(map[model.SourceAuthority]time.Time, len(outcomes))
	now := c.now().UTC()
	for _, o := range outcomes {
		switch {
		case !o.attempted:
		case o.err == nil:
			batch := c.normalizer.Normalize(o.authority, buildingID, o.records)
			res.Malformed += batch.Malformed
			violations = append(violations, batch.Violations...)
			fetchedAt[o.authority] = now
		case hasCache:
			violations = append(violations, cached.ViolationsFrom(o.authority)...)
			if at, ok := cached.SourceFetchedAt[o.authority]; ok {
				fetchedAt[o.authority] = at
			}
		}
	}

	lock := c.buildingLock(buildingID)
	lock.Lock()
	defer lock.Unlock()
	if c.isSuperseded(f) {
		return res
	}

	if hasCache {
		c.scorer.Seed(buildingID, cached.Score.Score)
	}
	score := c.scorer.Score(buildingID, violations, now)
	exp := c.exposure.Calculate(violations, now)
	snap := model.Snapshot{
		BuildingID:      buildingID,
		Violations:      violations,
		Score:           score,
		Exposure:        exp,
		ComputedAt:      now,
		SourceFetchedAt: fetchedAt,
	}
	if err := c.cache.Put(context.WithoutCancel(ctx), buildingID, snap); err != nil {
		c.logger.Warn("cache write failed", "building_id", buildingID, "error", err)
	}
	state := c.escalation.Observe(ctx, buildingID, score.RiskTier)

	res.Availability = model.AvailabilityFresh
	if len(res.FailedSources) > 0 {
		res.Availability = model.AvailabilityStale
		res.Stale = true
	}
	res.Score = &score
	res.Exposure = &exp
	res.LastSuccessAt = now
	res.EmergencyState = state.State
	return c.record(f, res)
}

func (c *Coordinator) record(f *flight, res model.BuildingResult) model.BuildingResult {
	if c.results != nil && !c.isSuperseded(f) {
		c.results.Record(res)
	}
	return res
}

// fetchAll queries every registry for the building concurrently. Each fetch
// has its own timeout and a failure never affects the others.
func (c *Coordinator) fetchAll(ctx context.Context, buildingID string, idents map[model.SourceAuthority]string) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(c.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		auth := src.Authority()
		outcomes[i].authority = auth
		identifier, ok := idents[auth]
		if !ok || identifier == "" {
			continue
		}
		outcomes[i].attempted = true
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, c.fetchTimeout)
			defer cancel()
			records, err := src.Fetch(fctx, identifier)
			if err != nil {
				outcomes[i].err = fmt.Errorf("%w: %s: %w", ErrSourceFetch, auth, err)
				c.logger.Warn("source fetch failed",
					"building_id", buildingID,
					"source", auth,
					"error", err,
				)
				return nil
			}
			outcomes[i].records = records
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) logSummary(res model.RefreshResult) {
	counts := map[model.Availability]int{}
	for _, b := range res.Buildings {
		counts[b.Availability]++
	}
	c.logger.Info("refresh cycle complete",
		"buildings", len(res.Buildings),
		"fresh", counts[model.AvailabilityFresh],
		"stale", counts[model.AvailabilityStale],
		"unknown", counts[model.AvailabilityUnknown],
		"predictions", len(res.Predictions),
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
