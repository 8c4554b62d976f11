package analyzer

import "fmt"

// Recommended action type identifiers. The decider's threshold table is keyed
// by these.
const (
	ActionResequencePicking   = "resequence_picking"
	ActionDeferEconomyOrders  = "defer_economy_orders"
	ActionReassignVehicle     = "reassign_vehicle"
	ActionReoptimizeRoutes    = "reoptimize_routes"
	ActionEmergencyProduction = "emergency_production"
	ActionNotifyCustomers     = "notify_customers"
	ActionTransferStock       = "transfer_stock"
	ActionPartialShipment     = "partial_shipment"
	ActionRebalanceDocks      = "rebalance_docks"
	ActionMonitor             = "monitor"
)

// templateFor returns the deterministic analysis used when the reasoning
// provider is unavailable or returns something unusable. Confidence is fixed
// per anomaly type.
func templateFor(eventType string, bundle ContextBundle) Analysis {
	switch eventType {
	case "ORDER_SURGE":
		return Analysis{
			Cause: fmt.Sprintf(
				"Order inflow has surged, most likely from a promotion, seasonal demand or a bulk "+
					"order from a major account. %d orders are currently backed up.", bundle.PendingOrders),
			ImpactSummary: "Order volume exceeds warehouse throughput, so outbound delays are likely. " +
				"VIP orders face elevated SLA risk and picking/packing capacity will run short.",
			RecommendedActions: []RecommendedAction{
				{Action: ActionResequencePicking, Reason: "process VIP orders first", Priority: "HIGH"},
				{Action: ActionDeferEconomyOrders, Reason: "free up processing capacity", Priority: "MEDIUM"},
				{Action: ActionReassignVehicle, Reason: "absorb the extra outbound volume", Priority: "MEDIUM"},
			},
			SeverityAssessment: "CRITICAL",
			Confidence:         0.75,
		}
	case "VEHICLE_BREAKDOWN":
		return Analysis{
			Cause: fmt.Sprintf(
				"A vehicle breakdown occurred. Deliveries continue on %d available vehicle(s); the broken "+
					"vehicle's assignments must be redistributed.", bundle.AvailableVehicles),
			ImpactSummary: "Orders assigned to the broken vehicle will be delayed. If VIP orders are among " +
				"them the SLA is at risk.",
			RecommendedActions: []RecommendedAction{
				{Action: ActionReassignVehicle, Reason: "replace the broken vehicle", Priority: "HIGH"},
				{Action: ActionNotifyCustomers, Reason: "warn customers about the delay", Priority: "HIGH"},
				{Action: ActionReoptimizeRoutes, Reason: "re-route the replacement vehicle", Priority: "MEDIUM"},
			},
			SeverityAssessment: "CRITICAL",
			Confidence:         0.80,
		}
	case "STOCK_SHORTAGE":
		return Analysis{
			Cause: fmt.Sprintf(
				"%d SKU(s) dropped to or below safety stock, pointing at a demand spike or a supply delay.",
				bundle.LowStockCount),
			ImpactSummary: "Orders containing these SKUs cannot ship on time. Stock transfers from " +
				"other warehouses or an emergency production run may be needed.",
			RecommendedActions: []RecommendedAction{
				{Action: ActionEmergencyProduction, Reason: "replenish depleted SKUs", Priority: "HIGH"},
				{Action: ActionTransferStock, Reason: "use slack stock in other warehouses", Priority: "MEDIUM"},
				{Action: ActionPartialShipment, Reason: "ship available positions first", Priority: "LOW"},
			},
			SeverityAssessment: "WARNING",
			Confidence:         0.70,
		}
	case "SLA_RISK":
		return Analysis{
			Cause: "Orders are at risk of missing their delivery SLA: backlog, stock shortage or vehicle " +
				"scarcity is delaying fulfillment.",
			ImpactSummary: "Missing the SLA breaches the customer contract, hurting the account " +
				"relationship and possibly triggering penalties.",
			RecommendedActions: []RecommendedAction{
				{Action: ActionResequencePicking, Reason: "put at-risk orders first", Priority: "HIGH"},
				{Action: ActionNotifyCustomers, Reason: "warn about the possible delay", Priority: "HIGH"},
				{Action: ActionReoptimizeRoutes, Reason: "shorten delivery time", Priority: "MEDIUM"},
			},
			SeverityAssessment: "CRITICAL",
			Confidence:         0.80,
		}
	case "DOCK_CONGESTION":
		return Analysis{
			Cause: "Dock occupancy is high and outbound wait times are growing, caused by too many " +
				"concurrent departures or overrunning load times.",
			ImpactSummary: "Dock congestion stretches total outbound processing time and cascades into " +
				"delivery delays.",
			RecommendedActions: []RecommendedAction{
				{Action: ActionRebalanceDocks, Reason: "use docks more efficiently", Priority: "HIGH"},
				{Action: ActionDeferEconomyOrders, Reason: "spread the dock load", Priority: "MEDIUM"},
			},
			SeverityAssessment: "WARNING",
			Confidence:         0.70,
		}
	default:
		return Analysis{
			Cause:         fmt.Sprintf("An anomaly of type %s was detected.", eventType),
			ImpactSummary: fmt.Sprintf("Up to %d pending orders may be affected.", bundle.PendingOrders),
			RecommendedActions: []RecommendedAction{
				{Action: ActionMonitor, Reason: "collect more data", Priority: "MEDIUM"},
			},
			SeverityAssessment: "WARNING",
			Confidence:         0.50,
		}
	}
}
