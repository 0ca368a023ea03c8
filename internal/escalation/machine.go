package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldops/internal/config"
	"fieldops/internal/logging"
	"fieldops/internal/model"
)

const UrgencyEmergency = "emergency"

// BuildingState is the read model exposed for one building.
type BuildingState struct {
	BuildingID     string               `json:"building_id"`
	State          model.EmergencyState `json:"state"`
	LastTier       model.RiskTier       `json:"last_tier,omitempty"`
	CriticalCycles int                  `json:"critical_cycles"`
	Acknowledged   bool                 `json:"acknowledged"`
	AcknowledgedBy string               `json:"acknowledged_by,omitempty"`
	Eligible       bool                 `json:"eligible"`
	Actions        []model.Action       `json:"actions,omitempty"`
	Since          time.Time            `json:"since"`
}

type building struct {
	mu             sync.Mutex
	state          model.EmergencyState
	lastTier       model.RiskTier
	criticalCycles int
	acknowledged   bool
	acknowledgedBy string
	since          time.Time
}

type Options struct {
	HysteresisCycles int
	DispatchTimeout  time.Duration
	DispatchBuffer   int
	Notifiers        []Notifier
	Allocator        WorkerAllocator
	Logger           *slog.Logger
}

// OptionsFromConfig copies the escalation settings; collaborators are added by
// the caller.
func OptionsFromConfig(cfg config.EscalationConfig) Options {
	return Options{
		HysteresisCycles: cfg.HysteresisCycles,
		DispatchTimeout:  cfg.DispatchTimeout,
		DispatchBuffer:   cfg.DispatchBuffer,
	}
}

// Machine owns the emergency state of every building. Each building has its
// own lock, so transitions for one building are serialized while different
// buildings proceed independently.
type Machine struct {
	hysteresis int
	notifiers  []Notifier
	allocator  WorkerAllocator
	logger     *slog.Logger
	dispatch   *dispatcher
	now        func() time.Time

	mu        sync.Mutex
	buildings map[string]*building
}

func NewMachine(opts Options) *Machine {
	if opts.HysteresisCycles <= 0 {
		opts.HysteresisCycles = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Machine{
		hysteresis: opts.HysteresisCycles,
		notifiers:  opts.Notifiers,
		allocator:  opts.Allocator,
		logger:     logger,
		dispatch:   newDispatcher(opts.DispatchBuffer, opts.DispatchTimeout, logger),
		now:        time.Now,
		buildings:  make(map[string]*building),
	}
}

// Start runs the side-effect dispatcher until ctx is cancelled or Stop is called.
func (m *Machine) Start(ctx context.Context) {
	m.dispatch.start(ctx)
}

// Stop delivers queued notifications and reassignment requests, then returns.
func (m *Machine) Stop() {
	m.dispatch.stop()
}

func (m *Machine) get(id string) *building {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buildings[id]
	if !ok {
		b = &building{state: model.StateNormal, since: m.now().UTC()}
		m.buildings[id] = b
	}
	return b
}

func (m *Machine) peek(id string) (*building, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buildings[id]
	return b, ok
}

// Observe applies one refresh cycle's risk tier. A building in the emergency
// protocol keeps its state; only the tier is recorded.
func (m *Machine) Observe(ctx context.Context, buildingID string, tier model.RiskTier) BuildingState {
	b := m.get(buildingID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastTier = tier
	if b.state == model.StateEmergencyActive {
		return m.view(buildingID, b)
	}

	next := model.StateNormal
	switch tier {
	case model.RiskCritical:
		next = model.StateCritical
	case model.RiskHigh:
		next = model.StateElevated
	}

	if next == model.StateCritical {
		if b.state == model.StateCritical {
			b.criticalCycles++
		} else {
			b.criticalCycles = 1
		}
	} else {
		b.criticalCycles = 0
		b.acknowledged = false
		b.acknowledgedBy = ""
	}

	if next != b.state {
		m.transition(ctx, buildingID, b, next, fmt.Sprintf("risk tier %s", tier), "")
	}
	return m.view(buildingID, b)
}

// Acknowledge records that an operator is handling the building. While the
// building stays critical it will not become eligible for the emergency
// protocol.
func (m *Machine) Acknowledge(buildingID, operator string) BuildingState {
	b := m.get(buildingID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acknowledged = true
	b.acknowledgedBy = operator
	m.logger.Info("escalation acknowledged",
		"building_id", buildingID,
		"operator", operator,
		"state", b.state,
	)
	return m.view(buildingID, b)
}

func (m *Machine) Eligible(buildingID string) bool {
	b, ok := m.peek(buildingID)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.eligible(b)
}

func (m *Machine) eligible(b *building) bool {
	return b.state == model.StateCritical && b.criticalCycles >= m.hysteresis && !b.acknowledged
}

// StartEmergencyProtocol moves an eligible building into EmergencyActive and
// requests a worker reassignment without waiting for it.
func (m *Machine) StartEmergencyProtocol(ctx context.Context, buildingID, operator string) (BuildingState, error) {
	b := m.get(buildingID)
	b.mu.Lock()
	defer b.mu.Unlock()

	to := model.StateEmergencyActive
	switch {
	case b.state == model.StateEmergencyActive:
		return m.view(buildingID, b), invalid(buildingID, b.state, to, "emergency protocol already active")
	case b.state != model.StateCritical:
		return m.view(buildingID, b), invalid(buildingID, b.state, to, "building is not in critical state")
	case b.acknowledged:
		return m.view(buildingID, b), invalid(buildingID, b.state, to, fmt.Sprintf("operator %s already intervened", b.acknowledgedBy))
	case b.criticalCycles < m.hysteresis:
		return m.view(buildingID, b), invalid(buildingID, b.state, to,
			fmt.Sprintf("critical for %d of %d required consecutive cycles", b.criticalCycles, m.hysteresis))
	}

	b.criticalCycles = 0
	m.transition(ctx, buildingID, b, to, "emergency protocol started", operator)

	if m.allocator != nil {
		req := model.ReassignmentRequest{
			BuildingID:  buildingID,
			Urgency:     UrgencyEmergency,
			RequestedAt: m.now().UTC(),
		}
		m.dispatch.enqueue(job{
			kind:       "reassignment",
			buildingID: buildingID,
			run: func(ctx context.Context) error {
				return m.allocator.RequestReassignment(ctx, req)
			},
		})
	}
	return m.view(buildingID, b), nil
}

// Resolve returns a building from the emergency protocol to Normal. It is
// rejected while the last observed risk tier is still critical.
func (m *Machine) Resolve(ctx context.Context, buildingID, operator string) (BuildingState, error) {
	b := m.get(buildingID)
	b.mu.Lock()
	defer b.mu.Unlock()

	to := model.StateNormal
	if b.state != model.StateEmergencyActive {
		return m.view(buildingID, b), invalid(buildingID, b.state, to, "emergency protocol is not active")
	}
	if b.lastTier == model.RiskCritical {
		return m.view(buildingID, b), invalid(buildingID, b.state, to, "cannot resolve while risk tier is critical")
	}
	b.criticalCycles = 0
	b.acknowledged = false
	b.acknowledgedBy = ""
	m.transition(ctx, buildingID, b, to, "resolved by operator", operator)
	return m.view(buildingID, b), nil
}

// Snapshot reports a building's state; unseen buildings read as Normal.
func (m *Machine) Snapshot(buildingID string) BuildingState {
	b, ok := m.peek(buildingID)
	if !ok {
		return BuildingState{BuildingID: buildingID, State: model.StateNormal}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.view(buildingID, b)
}

// Snapshots returns the state of every building seen so far, ordered by id.
func (m *Machine) Snapshots() []BuildingState {
	m.mu.Lock()
	ids := make([]string, 0, len(m.buildings))
	for id := range m.buildings {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	out := make([]BuildingState, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Snapshot(id))
	}
	return out
}

// transition must be called with b.mu held.
func (m *Machine) transition(ctx context.Context, buildingID string, b *building, to model.EmergencyState, reason, operator string) {
	evt := model.EscalationEvent{
		ID:         uuid.NewString(),
		BuildingID: buildingID,
		From:       b.state,
		To:         to,
		Reason:     reason,
		Operator:   operator,
		At:         m.now().UTC(),
	}
	b.state = to
	b.since = evt.At
	m.logger.InfoContext(ctx, "emergency state changed",
		"building_id", buildingID,
		"from", evt.From,
		"to", evt.To,
		"reason", reason,
	)
	for _, n := range m.notifiers {
		m.dispatch.enqueue(job{
			kind:       "notify",
			buildingID: buildingID,
			run: func(ctx context.Context) error {
				return n.Notify(ctx, evt)
			},
		})
	}
}

func (m *Machine) view(id string, b *building) BuildingState {
	out := BuildingState{
		BuildingID:     id,
		State:          b.state,
		LastTier:       b.lastTier,
		CriticalCycles: b.criticalCycles,
		Acknowledged:   b.acknowledged,
		AcknowledgedBy: b.acknowledgedBy,
		Eligible:       m.eligible(b),
		Since:          b.since,
	}
	if b.state == model.StateEmergencyActive {
		out.Actions = []model.Action{model.ActionPayFines, model.ActionContactHPD}
	}
	return out
}
