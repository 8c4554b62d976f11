package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/metrics"
	"github.com/seongjin71/hankook-logistics-agent/internal/rules"
	"github.com/seongjin71/hankook-logistics-agent/internal/state"
)

// StateSource is the authoritative state pull used by the periodic resync.
type StateSource interface {
	PullState(ctx context.Context) (contracts.StateDump, error)
}

// Monitor owns the state snapshot: it subscribes to the domain topics,
// applies incremental updates, periodically resyncs from the system of
// record, and runs the anomaly rules with cooldown suppression.
type Monitor struct {
	bus      *bus.Bus
	state    *state.Snapshot
	sink     audit.Sink
	source   StateSource
	rules    []rules.Rule
	cooldown time.Duration
	resync   time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCooldown overrides the duplicate-suppression window per rule.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) { m.cooldown = d }
}

// WithResyncInterval overrides the authoritative resync period.
func WithResyncInterval(d time.Duration) Option {
	return func(m *Monitor) { m.resync = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(b *bus.Bus, sink audit.Sink, source StateSource, log *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		bus:      b,
		state:    state.NewSnapshot(),
		sink:     sink,
		source:   source,
		rules:    rules.All(),
		cooldown: 5 * time.Minute,
		resync:   15 * time.Second,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State exposes the snapshot for read-only consumers.
func (m *Monitor) State() *state.Snapshot { return m.state }

// Start registers the event subscriptions, loads the initial state and spawns
// the periodic resync loop. Call before bus.Start.
func (m *Monitor) Start(ctx context.Context) {
	m.bus.Subscribe(contracts.TopicOrderCreated, m.onOrderCreated)
	m.bus.Subscribe(contracts.TopicOrderStatusChanged, m.onOrderStatusChanged)
	m.bus.Subscribe(contracts.TopicInventoryUpdated, m.onInventoryUpdated)
	m.bus.Subscribe(contracts.TopicVehicleUpdated, m.onVehicleUpdated)

	m.resyncNow(ctx)

	go m.resyncLoop(ctx)
	m.log.Info("monitor started", "resync_interval", m.resync, "cooldown", m.cooldown)
}

func (m *Monitor) onOrderCreated(ctx context.Context, _ string, payload json.RawMessage) {
	var ev contracts.OrderCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("bad orders.created payload", "err", err)
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	m.state.RecordOrderArrival(ts)
	m.Evaluate(ctx)
}

func (m *Monitor) onOrderStatusChanged(ctx context.Context, _ string, payload json.RawMessage) {
	var ev contracts.OrderStatusChangedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("bad orders.status_changed payload", "err", err)
		return
	}
	switch ev.NewStatus {
	case contracts.OrderPacked, contracts.OrderLoading, contracts.OrderShipped, contracts.OrderDelivered:
		m.state.OrderLeftPending()
	}
	m.Evaluate(ctx)
}

func (m *Monitor) onInventoryUpdated(ctx context.Context, _ string, payload json.RawMessage) {
	var ev contracts.InventoryUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("bad inventory.updated payload", "err", err)
		return
	}
	if ev.WarehouseID > 0 && ev.ProductID > 0 {
		key := contracts.StockKey{WarehouseID: ev.WarehouseID, ProductID: ev.ProductID}
		m.state.SetStockLevel(key, ev.AvailableQty, ev.SafetyStock)
	}
	m.Evaluate(ctx)
}

func (m *Monitor) onVehicleUpdated(ctx context.Context, _ string, payload json.RawMessage) {
	var ev contracts.VehicleUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn("bad vehicles.updated payload", "err", err)
		return
	}
	m.state.PatchVehicle(ev)
	m.Evaluate(ctx)
}

// Evaluate runs every rule against the current snapshot. Each rule's failure
// or cooldown only affects that rule; the rest still run.
func (m *Monitor) Evaluate(ctx context.Context) {
	now := m.now()
	view := m.state.Capture(now)

	for _, rule := range m.rules {
		det := m.evaluateRule(rule, view)
		if det == nil {
			continue
		}
		if !m.state.CooldownElapsed(rule.ID(), now, m.cooldown) {
			continue
		}
		metrics.AnomaliesDetected.WithLabelValues(rule.ID()).Inc()

		rec, err := m.sink.Log(ctx, audit.Entry{
			AgentRole:   audit.RoleMonitor,
			Phase:       audit.PhaseObserve,
			EventType:   det.Type,
			Severity:    det.Severity,
			Title:       det.Title,
			Description: det.Description,
			Payload:     det.Payload,
		})
		if err != nil {
			m.log.Error("audit write failed, anomaly not published", "rule", rule.ID(), "err", err)
			continue
		}

		if err := m.bus.Publish(ctx, contracts.TopicAnomalyDetected, contracts.AnomalyEvent{
			Type:        det.Type,
			Severity:    det.Severity,
			Title:       det.Title,
			Description: det.Description,
			EventID:     rec.ID,
			Payload:     det.Payload,
			Source:      contracts.SourceMonitor,
		}); err != nil {
			m.log.Error("publish anomaly", "rule", rule.ID(), "err", err)
			continue
		}

		m.log.Warn("anomaly detected",
			"rule", rule.ID(), "type", det.Type, "severity", det.Severity, "title", det.Title)
	}
}

func (m *Monitor) evaluateRule(rule rules.Rule, view state.View) (det *rules.Detection) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("rule panicked", "rule", rule.ID(), "panic", r)
			det = nil
		}
	}()
	return rule.Evaluate(view)
}

func (m *Monitor) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resyncNow(ctx)
		}
	}
}

func (m *Monitor) resyncNow(ctx context.Context) {
	dump, err := m.source.PullState(ctx)
	if err != nil {
		m.log.Error("state resync failed", "err", err)
		return
	}
	m.state.ApplyDump(dump)
	m.log.Debug("state resynced",
		"pending", dump.PendingOrders,
		"low_stock", len(dump.LowStockItems),
		"sla_risk", len(dump.SLAAtRisk))
}
