package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"fieldops/internal/config"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
)

var (
	// ErrSourceFetch marks a registry fetch that failed or timed out. It is
	// recovered from the cache and surfaced only as staleness.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrAllSourcesUnavailable is reported for a building when every registry
	// failed and nothing is cached.
	ErrAllSourcesUnavailable = errors.New("all sources unavailable")
	ErrUnknownBuilding       = errors.New("unknown building")
)

// Source is a thin client for one registry.
type Source interface {
	Authority() model.SourceAuthority
	Fetch(ctx context.Context, identifier string) ([]normalize.RawRecord, error)
}

// Directory resolves the opaque per-registry identifiers of a building.
type Directory interface {
	Identifiers(buildingID string) (map[model.SourceAuthority]string, bool)
	BuildingIDs() []string
}

// BacklogSource supplies the open routine backlog used for predictions.
type BacklogSource interface {
	Routines(ctx context.Context) ([]model.Routine, error)
}

// StaticDirectory serves the buildings listed in the config. A registry
// without an explicit identifier is queried with the building id.
type StaticDirectory struct {
	buildings map[string]config.BuildingConfig
	ids       []string
}

func NewStaticDirectory(buildings []config.BuildingConfig) *StaticDirectory {
	d := &StaticDirectory{buildings: make(map[string]config.BuildingConfig, len(buildings))}
	for _, b := range buildings {
		if _, dup := d.buildings[b.ID]; dup {
			continue
		}
		d.buildings[b.ID] = b
		d.ids = append(d.ids, b.ID)
	}
	sort.Strings(d.ids)
	return d
}

func (d *StaticDirectory) Identifiers(buildingID string) (map[model.SourceAuthority]string, bool) {
	b, ok := d.buildings[buildingID]
	if !ok {
		return nil, false
	}
	out := make(map[model.SourceAuthority]string, len(model.Authorities))
	for _, src := range model.Authorities {
		id, ok := b.Identifiers[src]
		if !ok {
			id = b.ID
		}
		if id != "" {
			out[src] = id
		}
	}
	return out, true
}

func (d *StaticDirectory) BuildingIDs() []string {
	return append([]string(nil), d.ids...)
}

func (d *StaticDirectory) Building(buildingID string) (model.Building, bool) {
	b, ok := d.buildings[buildingID]
	return b.Building, ok
}

// BreakerSource stops calling a registry for an identifier that keeps failing
// until the open timeout elapses. Breakers are kept per identifier, so one bad
// building never opens the circuit for the others on the same registry.
type BreakerSource struct {
	next        Source
	maxFailures uint32
	timeout     time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]normalize.RawRecord]
}

func NewBreakerSource(next Source, cfg config.BreakerConfig) *BreakerSource {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BreakerSource{
		next:        next,
		maxFailures: maxFailures,
		timeout:     timeout,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[[]normalize.RawRecord]),
	}
}

func (b *BreakerSource) breaker(identifier string) *gobreaker.CircuitBreaker[[]normalize.RawRecord] {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[identifier]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker[[]normalize.RawRecord](gobreaker.Settings{
		Name:        "source-" + string(b.next.Authority()) + "-" + identifier,
		MaxRequests: 1,
		Interval:    b.timeout,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[identifier] = cb
	return cb
}

func (b *BreakerSource) Authority() model.SourceAuthority {
	return b.next.Authority()
}

func (b *BreakerSource) Fetch(ctx context.Context, identifier string) ([]normalize.RawRecord, error) {
	records, err := b.breaker(identifier).Execute(func() ([]normalize.RawRecord, error) {
		return b.next.Fetch(ctx, identifier)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s circuit open for %s: %w", b.next.Authority(), identifier, err)
	}
	return records, err
}

// State reports the breaker state for one identifier; unseen identifiers are
// closed.
func (b *BreakerSource) State(identifier string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[identifier]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
