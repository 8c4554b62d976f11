package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/state"
)

// Detection is a raw anomaly produced by a rule. The monitor turns it into an
// audit record and an anomaly.detected message.
type Detection struct {
	Type        string
	Severity    contracts.Severity
	Title       string
	Description string
	Payload     map[string]any
}

// Rule evaluates one anomaly condition against a snapshot view. Evaluate
// returns nil when the condition does not hold.
type Rule interface {
	ID() string
	Evaluate(v state.View) *Detection
}

// All is the statically enumerated rule set, evaluated in this order.
func All() []Rule {
	return []Rule{
		OrderSurgeRule{},
		VehicleBreakdownRule{},
		StockShortageRule{},
		SLARiskRule{},
		DockCongestionRule{},
	}
}

// OrderSurgeRule fires when the ten-minute inflow runs at least twice the
// hourly average. Below 1 order/10min average or 4 orders inflow the signal
// is too thin to act on.
type OrderSurgeRule struct{}

func (OrderSurgeRule) ID() string { return "order_surge" }

func (OrderSurgeRule) Evaluate(v state.View) *Detection {
	rate10 := v.Rate10Min
	avg10 := v.Rate60MinAvg

	if avg10 < 1 || rate10 < 4 {
		return nil
	}
	ratio := float64(rate10) / avg10
	if ratio < 2.0 {
		return nil
	}

	severity := contracts.SeverityWarning
	if ratio >= 3.0 {
		severity = contracts.SeverityCritical
	}

	return &Detection{
		Type:     "ORDER_SURGE",
		Severity: severity,
		Title: fmt.Sprintf("Order surge: %d orders in the last 10 minutes (%d%% of normal)",
			rate10, int(ratio*100)),
		Description: fmt.Sprintf(
			"%d orders arrived in the last 10 minutes, %.1fx the hourly average of %.1f per 10 minutes. "+
				"Warehouse throughput may be exceeded.", rate10, ratio, avg10),
		Payload: map[string]any{
			"rate_10min": rate10,
			"avg_10min":  math.Round(avg10*10) / 10,
			"ratio":      math.Round(ratio*100) / 100,
		},
	}
}

// VehicleBreakdownRule fires whenever any vehicle reports BREAKDOWN.
type VehicleBreakdownRule struct{}

func (VehicleBreakdownRule) ID() string { return "vehicle_breakdown" }

func (VehicleBreakdownRule) Evaluate(v state.View) *Detection {
	var down []contracts.VehicleInfo
	for _, veh := range v.Vehicles {
		if veh.Status == contracts.VehicleBreakdown {
			down = append(down, veh)
		}
	}
	if len(down) == 0 {
		return nil
	}

	sort.Slice(down, func(i, j int) bool { return down[i].Code < down[j].Code })
	codes := make([]string, len(down))
	for i, veh := range down {
		codes[i] = veh.Code
	}

	return &Detection{
		Type:     "VEHICLE_BREAKDOWN",
		Severity: contracts.SeverityCritical,
		Title:    "Vehicle breakdown: " + strings.Join(codes, ", "),
		Description: fmt.Sprintf(
			"%d vehicle(s) are in breakdown state: %s. Delivery schedules need rebalancing and "+
				"replacement vehicles must be assigned.", len(down), strings.Join(codes, ", ")),
		Payload: map[string]any{
			"breakdown_vehicles": down,
			"count":              len(down),
		},
	}
}

// StockShortageRule fires while any position sits at or below safety stock.
// A fully depleted position escalates to CRITICAL.
type StockShortageRule struct{}

func (StockShortageRule) ID() string { return "stock_shortage" }

func (StockShortageRule) Evaluate(v state.View) *Detection {
	if len(v.LowStock) == 0 {
		return nil
	}

	zero := 0
	items := make([]map[string]any, 0, len(v.LowStock))
	keys := make([]contracts.StockKey, 0, len(v.LowStock))
	for k := range v.LowStock {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].WarehouseID != keys[j].WarehouseID {
			return keys[i].WarehouseID < keys[j].WarehouseID
		}
		return keys[i].ProductID < keys[j].ProductID
	})
	for _, k := range keys {
		qty := v.LowStock[k]
		if qty == 0 {
			zero++
		}
		if len(items) < 20 {
			items = append(items, map[string]any{
				"warehouse_id":  k.WarehouseID,
				"product_id":    k.ProductID,
				"available_qty": qty,
			})
		}
	}

	severity := contracts.SeverityWarning
	if zero > 0 {
		severity = contracts.SeverityCritical
	}

	return &Detection{
		Type:     "STOCK_SHORTAGE",
		Severity: severity,
		Title: fmt.Sprintf("Stock shortage: %d SKU(s) at or below safety stock (%d depleted)",
			len(v.LowStock), zero),
		Description: fmt.Sprintf(
			"%d SKU(s) are at or below safety stock, %d of them fully depleted. "+
				"Urgent replenishment is required.", len(v.LowStock), zero),
		Payload: map[string]any{
			"total_low_stock":  len(v.LowStock),
			"zero_stock_count": zero,
			"items":            items,
		},
	}
}

// SLARiskRule fires while any open order's remaining delivery window has
// shrunk below the risk threshold tracked by the resync.
type SLARiskRule struct{}

func (SLARiskRule) ID() string { return "sla_risk" }

func (SLARiskRule) Evaluate(v state.View) *Detection {
	if len(v.SLAAtRisk) == 0 {
		return nil
	}

	orders := make([]contracts.SLARiskOrder, 0, len(v.SLAAtRisk))
	for _, o := range v.SLAAtRisk {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].RemainingRatio < orders[j].RemainingRatio })

	critical := 0
	for _, o := range orders {
		if o.RemainingRatio < 0.10 {
			critical++
		}
	}
	severity := contracts.SeverityWarning
	if critical > 0 {
		severity = contracts.SeverityCritical
	}

	summaries := make([]string, 0, 5)
	for _, o := range orders {
		if len(summaries) == 5 {
			break
		}
		summaries = append(summaries, fmt.Sprintf("%s (%s, %.0f%% remaining)",
			o.OrderCode, o.CustomerName, o.RemainingRatio*100))
	}

	sample := orders
	if len(sample) > 10 {
		sample = sample[:10]
	}

	return &Detection{
		Type:     "SLA_RISK",
		Severity: severity,
		Title:    fmt.Sprintf("SLA violation risk: %d order(s)", len(orders)),
		Description: fmt.Sprintf(
			"%d order(s) are at risk of missing their delivery SLA: %s. "+
				"Priority escalation or route optimization is needed.",
			len(orders), strings.Join(summaries, "; ")),
		Payload: map[string]any{
			"at_risk_count":  len(orders),
			"critical_count": critical,
			"orders":         sample,
		},
	}
}

// DockCongestionRule fires when any warehouse's dock occupancy exceeds 90%.
type DockCongestionRule struct{}

func (DockCongestionRule) ID() string { return "dock_congestion" }

func (DockCongestionRule) Evaluate(v state.View) *Detection {
	type congestion struct {
		WarehouseID int     `json:"warehouse_id"`
		Occupancy   float64 `json:"occupancy"`
	}
	var congested []congestion
	for id, occ := range v.DockOccupancy {
		if occ > 0.90 {
			congested = append(congested, congestion{WarehouseID: id, Occupancy: math.Round(occ*1000) / 1000})
		}
	}
	if len(congested) == 0 {
		return nil
	}
	sort.Slice(congested, func(i, j int) bool { return congested[i].WarehouseID < congested[j].WarehouseID })

	severity := contracts.SeverityWarning
	labels := make([]string, len(congested))
	for i, c := range congested {
		if c.Occupancy > 0.95 {
			severity = contracts.SeverityCritical
		}
		labels[i] = fmt.Sprintf("warehouse #%d (%.0f%%)", c.WarehouseID, c.Occupancy*100)
	}

	return &Detection{
		Type:     "DOCK_CONGESTION",
		Severity: severity,
		Title:    "Dock congestion: " + strings.Join(labels, ", "),
		Description: fmt.Sprintf(
			"Dock occupancy exceeds 90%% at %d warehouse(s). Outbound wait times will grow; "+
				"dock assignments or shipping schedules should be rebalanced.", len(congested)),
		Payload: map[string]any{
			"congested_warehouses": congested,
		},
	}
}
