package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
)

// Warehouse is one fulfillment site.
type Warehouse struct {
	ID        int
	Code      string
	DockCount int
}

// Order is an order row plus its delivery deadline; the remaining SLA window
// is derived from the deadline at read time.
type Order struct {
	contracts.WorkItem
	RequestedDeliveryAt time.Time
	CreatedAt           time.Time
}

// InventoryLevel is one stock position.
type InventoryLevel struct {
	AvailableQty int
	SafetyStock  int
}

// PriorityHistoryRow is one persisted score movement.
type PriorityHistoryRow struct {
	OrderCode string
	OldScore  float64
	NewScore  float64
	Reason    string
	ParentID  string
	At        time.Time
}

// MemoryStore is an in-process system of record. It backs the binary when no
// database is configured and gives tests a fully controllable store.
type MemoryStore struct {
	mu         sync.Mutex
	orders     map[int]*Order
	inventory  map[contracts.StockKey]InventoryLevel
	vehicles   map[int]contracts.VehicleInfo
	warehouses map[int]Warehouse
	history    []PriorityHistoryRow
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[int]*Order),
		inventory:  make(map[contracts.StockKey]InventoryLevel),
		vehicles:   make(map[int]contracts.VehicleInfo),
		warehouses: make(map[int]Warehouse),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

// Seed helpers.

func (m *MemoryStore) PutOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := o
	m.orders[o.ID] = &rec
}

func (m *MemoryStore) PutInventory(key contracts.StockKey, level InventoryLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[key] = level
}

func (m *MemoryStore) PutVehicle(id int, v contracts.VehicleInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[id] = v
}

func (m *MemoryStore) PutWarehouse(w Warehouse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.ID] = w
}

// Order returns a copy of one order by id.
func (m *MemoryStore) Order(id int) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// History returns the persisted priority changes in insertion order.
func (m *MemoryStore) History() []PriorityHistoryRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PriorityHistoryRow, len(m.history))
	copy(out, m.history)
	return out
}

func (m *MemoryStore) remainingHours(o *Order) float64 {
	return o.RequestedDeliveryAt.Sub(m.now()).Hours()
}

func isPending(status contracts.OrderStatus) bool {
	return status == contracts.OrderReceived || status == contracts.OrderPicking
}

func isOpen(status contracts.OrderStatus) bool {
	return status == contracts.OrderReceived || status == contracts.OrderPicking || status == contracts.OrderPacked
}

// PullState implements the authoritative state pull for the monitor resync.
func (m *MemoryStore) PullState(ctx context.Context) (contracts.StateDump, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dump := contracts.StateDump{
		LowStockItems: make(map[contracts.StockKey]int),
		Vehicles:      make(map[int]contracts.VehicleInfo, len(m.vehicles)),
		DockOccupancy: make(map[int]float64, len(m.warehouses)),
		SLAAtRisk:     make(map[int]contracts.SLARiskOrder),
	}

	for key, level := range m.inventory {
		if level.AvailableQty <= level.SafetyStock {
			dump.LowStockItems[key] = level.AvailableQty
		}
	}

	for id, v := range m.vehicles {
		dump.Vehicles[id] = v
	}

	loadingPerWarehouse := make(map[int]int)
	for _, v := range m.vehicles {
		if v.Status == contracts.VehicleLoading {
			loadingPerWarehouse[v.WarehouseID]++
		}
	}
	for id, wh := range m.warehouses {
		if wh.DockCount > 0 {
			dump.DockOccupancy[id] = float64(loadingPerWarehouse[id]) / float64(wh.DockCount)
		} else {
			dump.DockOccupancy[id] = 0
		}
	}

	for _, o := range m.orders {
		if !isPending(o.Status) {
			continue
		}
		dump.PendingOrders++
		if o.SLAHours <= 0 {
			continue
		}
		remaining := m.remainingHours(o)
		ratio := remaining / o.SLAHours
		if ratio < 0.30 {
			dump.SLAAtRisk[o.ID] = contracts.SLARiskOrder{
				OrderID:        o.ID,
				OrderCode:      o.Code,
				CustomerName:   o.CustomerName,
				CustomerTier:   string(o.CustomerTier),
				RemainingHours: round1(remaining),
				SLAHours:       o.SLAHours,
				RemainingRatio: round3(ratio),
			}
		}
	}

	return dump, nil
}

// OpenWorkItems implements scorer.Store.
func (m *MemoryStore) OpenWorkItems(ctx context.Context) ([]contracts.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []contracts.WorkItem
	for _, o := range m.orders {
		if !isOpen(o.Status) {
			continue
		}
		item := o.WorkItem
		item.RemainingHours = m.remainingHours(o)
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// AvailableQty implements scorer.Store.
func (m *MemoryStore) AvailableQty(ctx context.Context, key contracts.StockKey) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level, ok := m.inventory[key]
	if !ok {
		return 0, false, nil
	}
	return level.AvailableQty, true, nil
}

// ApplyPriority implements scorer.Store.
func (m *MemoryStore) ApplyPriority(ctx context.Context, itemID int, change contracts.PriorityChange, reason, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[itemID]
	if !ok {
		return fmt.Errorf("order %d not found", itemID)
	}
	o.PriorityScore = change.NewScore
	m.history = append(m.history, PriorityHistoryRow{
		OrderCode: change.OrderCode,
		OldScore:  change.OldScore,
		NewScore:  change.NewScore,
		Reason:    reason,
		ParentID:  parentID,
		At:        m.now(),
	})
	return nil
}

// CollectContext implements analyzer.ContextSource.
func (m *MemoryStore) CollectContext(ctx context.Context) (analyzer.ContextBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle := analyzer.ContextBundle{
		DockOccupancy: make(map[string]float64, len(m.warehouses)),
	}

	oneHourAgo := m.now().Add(-time.Hour)
	var pending []*Order
	for _, o := range m.orders {
		if o.CreatedAt.After(oneHourAgo) {
			bundle.OrdersLastHour++
		}
		if isPending(o.Status) {
			pending = append(pending, o)
		}
	}
	bundle.PendingOrders = len(pending)

	for _, level := range m.inventory {
		if level.AvailableQty <= level.SafetyStock {
			bundle.LowStockCount++
		}
	}

	loadingPerWarehouse := make(map[int]int)
	for _, v := range m.vehicles {
		bundle.TotalVehicles++
		switch v.Status {
		case contracts.VehicleAvailable:
			bundle.AvailableVehicles++
		case contracts.VehicleBreakdown:
			bundle.BreakdownVehicles++
		case contracts.VehicleLoading:
			loadingPerWarehouse[v.WarehouseID]++
		}
	}

	for _, wh := range m.warehouses {
		bundle.WarehouseCodes = append(bundle.WarehouseCodes, wh.Code)
		if wh.DockCount > 0 {
			bundle.DockOccupancy[wh.Code] = round2(float64(loadingPerWarehouse[wh.ID]) / float64(wh.DockCount))
		} else {
			bundle.DockOccupancy[wh.Code] = 0
		}
	}
	sort.Strings(bundle.WarehouseCodes)

	sort.Slice(pending, func(i, j int) bool { return pending[i].PriorityScore > pending[j].PriorityScore })
	for _, o := range pending {
		if len(bundle.AffectedOrders) == 10 {
			break
		}
		bundle.AffectedOrders = append(bundle.AffectedOrders, analyzer.AffectedOrder{
			OrderCode: o.Code,
			Customer:  o.CustomerName,
			Tier:      string(o.CustomerTier),
			Priority:  o.PriorityScore,
			Status:    string(o.Status),
		})
	}

	return bundle, nil
}

// Execute implements decider.Executor against the in-memory domain state.
func (m *MemoryStore) Execute(ctx context.Context, actionType string, priorityResult scorer.Result) (map[string]any, error) {
	switch actionType {
	case analyzer.ActionResequencePicking:
		return m.resequencePicking(priorityResult), nil
	case analyzer.ActionMonitor:
		return map[string]any{"note": "monitoring continues"}, nil
	default:
		return map[string]any{"note": actionType + " simulated"}, nil
	}
}

// resequencePicking moves the top upgraded orders from RECEIVED to PICKING.
func (m *MemoryStore) resequencePicking(priorityResult scorer.Result) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var codes []string
	for _, change := range priorityResult.Changes {
		if change.Direction == "up" && len(codes) < 5 {
			codes = append(codes, change.OrderCode)
		}
	}

	moved := 0
	for _, o := range m.orders {
		for _, code := range codes {
			if o.Code == code && o.Status == contracts.OrderReceived {
				o.Status = contracts.OrderPicking
				moved++
			}
		}
	}
	return map[string]any{"orders_moved_to_picking": moved, "order_codes": codes}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
