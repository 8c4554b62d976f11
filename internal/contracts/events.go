package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Topic names carried by the event bus. Producers and consumers are decoupled;
// a topic may have zero or many subscribers.
const (
	TopicOrderCreated         = "orders.created"
	TopicOrderStatusChanged   = "orders.status_changed"
	TopicInventoryUpdated     = "inventory.updated"
	TopicVehicleUpdated       = "vehicles.updated"
	TopicAnomalyDetected      = "anomaly.detected"
	TopicPriorityRecalculated = "priority.recalculated"
	TopicActionRequested      = "action.requested"
	TopicActionExecuted       = "action.executed"
)

// Topics lists every channel the bus supports, in a stable order.
var Topics = []string{
	TopicOrderCreated,
	TopicOrderStatusChanged,
	TopicInventoryUpdated,
	TopicVehicleUpdated,
	TopicAnomalyDetected,
	TopicPriorityRecalculated,
	TopicActionRequested,
	TopicActionExecuted,
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Source identifies who published an anomaly.detected message. The
// orchestrator only reacts to the monitor and to manual triggers.
type Source string

const (
	SourceMonitor Source = "monitor"
	SourceManual  Source = "manual"
)

// ExecutionMode is the disposition assigned to a recommended action. It is
// set once at decision time; PENDING_APPROVAL is the only non-terminal mode
// and transitions exactly once, to HUMAN_APPROVED or to ESCALATED.
type ExecutionMode string

const (
	ModeAuto            ExecutionMode = "AUTO"
	ModePendingApproval ExecutionMode = "PENDING_APPROVAL"
	ModeEscalated       ExecutionMode = "ESCALATED"
	ModeHumanApproved   ExecutionMode = "HUMAN_APPROVED"
)

type OrderStatus string

const (
	OrderReceived  OrderStatus = "RECEIVED"
	OrderPicking   OrderStatus = "PICKING"
	OrderPacked    OrderStatus = "PACKED"
	OrderLoading   OrderStatus = "LOADING"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
)

type VehicleStatus string

const (
	VehicleAvailable  VehicleStatus = "AVAILABLE"
	VehicleLoading    VehicleStatus = "LOADING"
	VehicleDelivering VehicleStatus = "DELIVERING"
	VehicleBreakdown  VehicleStatus = "BREAKDOWN"
)

type CustomerTier string

const (
	TierVIP      CustomerTier = "VIP"
	TierStandard CustomerTier = "STANDARD"
	TierEconomy  CustomerTier = "ECONOMY"
)

// OrderCreatedEvent is published when a new order enters the system.
type OrderCreatedEvent struct {
	OrderCode string    `json:"order_code"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent is published when an order moves through the
// fulfillment pipeline.
type OrderStatusChangedEvent struct {
	OrderCode string      `json:"order_code"`
	NewStatus OrderStatus `json:"new_status"`
}

// InventoryUpdatedEvent is published on every stock movement.
type InventoryUpdatedEvent struct {
	WarehouseID  int `json:"warehouse_id"`
	ProductID    int `json:"product_id"`
	AvailableQty int `json:"available_qty"`
	SafetyStock  int `json:"safety_stock"`
}

// VehicleUpdatedEvent is published on vehicle status or telemetry changes.
type VehicleUpdatedEvent struct {
	VehicleCode string        `json:"vehicle_code"`
	Status      VehicleStatus `json:"status"`
	Lat         float64       `json:"lat"`
	Lng         float64       `json:"lng"`
	SpeedKMH    float64       `json:"speed_kmh"`
	FuelPct     float64       `json:"fuel_pct"`
}

// AnomalyEvent is the anomaly.detected wire message. EventID correlates the
// downstream pipeline stages back to the detection record.
type AnomalyEvent struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	EventID     string         `json:"event_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Source      Source         `json:"source"`
}

// VehicleInfo is a vehicle's last known state as tracked by the monitor.
type VehicleInfo struct {
	Code        string        `json:"code"`
	Status      VehicleStatus `json:"status"`
	WarehouseID int           `json:"warehouse_id"`
	Lat         float64       `json:"lat"`
	Lng         float64       `json:"lng"`
	SpeedKMH    float64       `json:"speed_kmh"`
	FuelPct     float64       `json:"fuel_pct"`
}

// SLARiskOrder describes an open order whose remaining delivery window has
// shrunk below the risk threshold.
type SLARiskOrder struct {
	OrderID        int     `json:"order_id"`
	OrderCode      string  `json:"order_code"`
	CustomerName   string  `json:"customer_name"`
	CustomerTier   string  `json:"customer_tier"`
	RemainingHours float64 `json:"remaining_hours"`
	SLAHours       float64 `json:"sla_hours"`
	RemainingRatio float64 `json:"remaining_ratio"`
}

// StockKey identifies one inventory position.
type StockKey struct {
	WarehouseID int
	ProductID   int
}

// MarshalText renders the key as "warehouse:product" so it can be used as a
// JSON map key.
func (k StockKey) MarshalText() ([]byte, error) {
	return []byte(strconv.Itoa(k.WarehouseID) + ":" + strconv.Itoa(k.ProductID)), nil
}

func (k *StockKey) UnmarshalText(text []byte) error {
	wh, prod, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid stock key %q", text)
	}
	var err error
	if k.WarehouseID, err = strconv.Atoi(wh); err != nil {
		return fmt.Errorf("invalid stock key %q", text)
	}
	if k.ProductID, err = strconv.Atoi(prod); err != nil {
		return fmt.Errorf("invalid stock key %q", text)
	}
	return nil
}

// StateDump is the authoritative snapshot pulled from the system of record by
// the periodic resync. Fields replace the monitor's view wholesale.
type StateDump struct {
	PendingOrders int
	LowStockItems map[StockKey]int
	Vehicles      map[int]VehicleInfo
	DockOccupancy map[int]float64
	SLAAtRisk     map[int]SLARiskOrder
}

// LineItem is one product position on an order.
type LineItem struct {
	ProductID int    `json:"product_id"`
	Grade     string `json:"grade"` // A, B or C
	Quantity  int    `json:"quantity"`
}

// WorkItem is an open order as seen by the priority scorer.
type WorkItem struct {
	ID             int          `json:"id"`
	Code           string       `json:"code"`
	Status         OrderStatus  `json:"status"`
	CustomerName   string       `json:"customer_name"`
	CustomerTier   CustomerTier `json:"customer_tier"`
	WarehouseID    int          `json:"warehouse_id"`
	SLAHours       float64      `json:"sla_hours"`
	RemainingHours float64      `json:"remaining_hours"`
	Items          []LineItem   `json:"items"`
	PriorityScore  float64      `json:"priority_score"`
}

// PriorityChange records one score movement. Created only when the absolute
// delta is at least 0.5, immutable afterwards.
type PriorityChange struct {
	OrderCode string  `json:"order_code"`
	OldScore  float64 `json:"old_score"`
	NewScore  float64 `json:"new_score"`
	Direction string  `json:"direction"` // "up" or "down"
}
