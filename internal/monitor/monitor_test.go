package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
)

type staticSource struct {
	dump contracts.StateDump
	err  error
}

func (s staticSource) PullState(context.Context) (contracts.StateDump, error) {
	return s.dump, s.err
}

func anomalies(b *bus.Bus) []contracts.AnomalyEvent {
	var out []contracts.AnomalyEvent
	for _, msg := range b.Recent(contracts.TopicAnomalyDetected, 0) {
		var ev contracts.AnomalyEvent
		if err := json.Unmarshal(msg.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func TestEvaluatePublishesAnomalyWithAuditChain(t *testing.T) {
	b := bus.New(logging.NewNop())
	sink := audit.NewMemorySink()
	source := staticSource{dump: contracts.StateDump{
		Vehicles: map[int]contracts.VehicleInfo{
			1: {Code: "TRK-009", Status: contracts.VehicleBreakdown},
		},
	}}

	m := New(b, sink, source, logging.NewNop())
	m.Start(context.Background())

	m.Evaluate(context.Background())

	events := anomalies(b)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, "VEHICLE_BREAKDOWN", ev.Type)
	require.Equal(t, contracts.SeverityCritical, ev.Severity)
	require.Equal(t, contracts.SourceMonitor, ev.Source)
	require.NotEmpty(t, ev.EventID)

	rec, err := sink.Get(context.Background(), ev.EventID)
	require.NoError(t, err)
	require.Equal(t, audit.RoleMonitor, rec.AgentRole)
	require.Equal(t, audit.PhaseObserve, rec.Phase)
	require.Equal(t, "VEHICLE_BREAKDOWN", rec.EventType)
}

func TestCooldownSuppressesRepeatedDetections(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &now

	b := bus.New(logging.NewNop())
	source := staticSource{dump: contracts.StateDump{
		Vehicles: map[int]contracts.VehicleInfo{
			1: {Code: "TRK-009", Status: contracts.VehicleBreakdown},
		},
	}}
	m := New(b, audit.NewMemorySink(), source, logging.NewNop(),
		WithCooldown(300*time.Second),
		WithClock(func() time.Time { return *clock }),
	)
	m.Start(context.Background())

	m.Evaluate(context.Background())
	require.Len(t, anomalies(b), 1)

	// Condition persists: suppressed inside the window.
	now = now.Add(100 * time.Second)
	m.Evaluate(context.Background())
	require.Len(t, anomalies(b), 1)

	// Window elapsed: fires again.
	now = now.Add(210 * time.Second)
	m.Evaluate(context.Background())
	require.Len(t, anomalies(b), 2)
}

func TestResyncFailureKeepsLastState(t *testing.T) {
	b := bus.New(logging.NewNop())
	m := New(b, audit.NewMemorySink(), staticSource{err: context.DeadlineExceeded}, logging.NewNop())
	m.Start(context.Background())

	// A failed pull must not wipe or crash anything.
	require.Equal(t, 0, m.State().PendingOrders())
	m.Evaluate(context.Background())
	require.Empty(t, anomalies(b))
}

func TestIncrementalHandlersUpdateSnapshot(t *testing.T) {
	b := bus.New(logging.NewNop())
	m := New(b, audit.NewMemorySink(), staticSource{}, logging.NewNop())
	m.Start(context.Background())

	payload, _ := json.Marshal(contracts.OrderCreatedEvent{OrderCode: "ORD-1", Timestamp: time.Now().UTC()})
	m.onOrderCreated(context.Background(), contracts.TopicOrderCreated, payload)
	require.Equal(t, 1, m.State().PendingOrders())

	payload, _ = json.Marshal(contracts.OrderStatusChangedEvent{OrderCode: "ORD-1", NewStatus: contracts.OrderShipped})
	m.onOrderStatusChanged(context.Background(), contracts.TopicOrderStatusChanged, payload)
	require.Equal(t, 0, m.State().PendingOrders())

	payload, _ = json.Marshal(contracts.InventoryUpdatedEvent{WarehouseID: 1, ProductID: 5, AvailableQty: 2, SafetyStock: 10})
	m.onInventoryUpdated(context.Background(), contracts.TopicInventoryUpdated, payload)
	view := m.State().Capture(time.Now())
	require.Equal(t, 2, view.LowStock[contracts.StockKey{WarehouseID: 1, ProductID: 5}])

	// Low stock now triggers the shortage rule exactly once via the handlers.
	events := anomalies(b)
	require.Len(t, events, 1)
	require.Equal(t, "STOCK_SHORTAGE", events[0].Type)
}

func TestMalformedPayloadIsIgnored(t *testing.T) {
	b := bus.New(logging.NewNop())
	m := New(b, audit.NewMemorySink(), staticSource{}, logging.NewNop())
	m.Start(context.Background())

	m.onOrderCreated(context.Background(), contracts.TopicOrderCreated, json.RawMessage(`{broken`))
	require.Equal(t, 0, m.State().PendingOrders())
}
