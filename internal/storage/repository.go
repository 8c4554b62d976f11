package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
)

// Repository is the Postgres system of record. It serves the monitor resync,
// the analyzer context pull, the priority scorer and the action executor.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PullState returns the authoritative operational snapshot.
func (r *Repository) PullState(ctx context.Context) (contracts.StateDump, error) {
	dump := contracts.StateDump{
		LowStockItems: make(map[contracts.StockKey]int),
		Vehicles:      make(map[int]contracts.VehicleInfo),
		DockOccupancy: make(map[int]float64),
		SLAAtRisk:     make(map[int]contracts.SLARiskOrder),
	}

	err := r.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM orders WHERE status IN ('RECEIVED', 'PICKING')
    `).Scan(&dump.PendingOrders)
	if err != nil {
		return dump, fmt.Errorf("count pending orders: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
        SELECT warehouse_id, product_id, available_qty
        FROM inventory
        WHERE available_qty <= safety_stock
    `)
	if err != nil {
		return dump, fmt.Errorf("query low stock: %w", err)
	}
	for rows.Next() {
		var key contracts.StockKey
		var qty int
		if err := rows.Scan(&key.WarehouseID, &key.ProductID, &qty); err != nil {
			rows.Close()
			return dump, fmt.Errorf("scan low stock: %w", err)
		}
		dump.LowStockItems[key] = qty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dump, fmt.Errorf("iterate low stock: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
        SELECT id, code, status, warehouse_id, lat, lng, speed_kmh, fuel_pct
        FROM vehicles
    `)
	if err != nil {
		return dump, fmt.Errorf("query vehicles: %w", err)
	}
	for rows.Next() {
		var id int
		var v contracts.VehicleInfo
		if err := rows.Scan(&id, &v.Code, &v.Status, &v.WarehouseID, &v.Lat, &v.Lng, &v.SpeedKMH, &v.FuelPct); err != nil {
			rows.Close()
			return dump, fmt.Errorf("scan vehicle: %w", err)
		}
		dump.Vehicles[id] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dump, fmt.Errorf("iterate vehicles: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
        SELECT
            w.id,
            CASE WHEN w.dock_count > 0
                 THEN COUNT(v.id) FILTER (WHERE v.status = 'LOADING')::float8 / w.dock_count
                 ELSE 0
            END
        FROM warehouses w
        LEFT JOIN vehicles v ON v.warehouse_id = w.id
        GROUP BY w.id, w.dock_count
    `)
	if err != nil {
		return dump, fmt.Errorf("query dock occupancy: %w", err)
	}
	for rows.Next() {
		var id int
		var occupancy float64
		if err := rows.Scan(&id, &occupancy); err != nil {
			rows.Close()
			return dump, fmt.Errorf("scan dock occupancy: %w", err)
		}
		dump.DockOccupancy[id] = occupancy
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dump, fmt.Errorf("iterate dock occupancy: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
        SELECT o.id, o.code, c.name, c.tier,
               ROUND((EXTRACT(EPOCH FROM (o.requested_delivery_at - NOW())) / 3600.0)::numeric, 1)::float8,
               o.sla_hours,
               ROUND((EXTRACT(EPOCH FROM (o.requested_delivery_at - NOW())) / 3600.0 / o.sla_hours)::numeric, 3)::float8
        FROM orders o
        JOIN customers c ON c.id = o.customer_id
        WHERE o.status IN ('RECEIVED', 'PICKING')
          AND o.sla_hours > 0
          AND EXTRACT(EPOCH FROM (o.requested_delivery_at - NOW())) / 3600.0 / o.sla_hours < 0.30
    `)
	if err != nil {
		return dump, fmt.Errorf("query sla risk: %w", err)
	}
	for rows.Next() {
		var risk contracts.SLARiskOrder
		if err := rows.Scan(
			&risk.OrderID,
			&risk.OrderCode,
			&risk.CustomerName,
			&risk.CustomerTier,
			&risk.RemainingHours,
			&risk.SLAHours,
			&risk.RemainingRatio,
		); err != nil {
			rows.Close()
			return dump, fmt.Errorf("scan sla risk: %w", err)
		}
		dump.SLAAtRisk[risk.OrderID] = risk
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dump, fmt.Errorf("iterate sla risk: %w", err)
	}

	return dump, nil
}

// OpenWorkItems returns every order still in the fulfillment funnel with its
// line items, remaining hours computed against the delivery deadline.
func (r *Repository) OpenWorkItems(ctx context.Context) ([]contracts.WorkItem, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT
            o.id, o.code, o.status, c.name, c.tier, o.warehouse_id,
            o.sla_hours,
            EXTRACT(EPOCH FROM (o.requested_delivery_at - NOW())) / 3600.0,
            o.priority_score,
            COALESCE(
                jsonb_agg(jsonb_build_object(
                    'product_id', i.product_id,
                    'grade', i.grade,
                    'quantity', i.quantity
                )) FILTER (WHERE i.order_id IS NOT NULL),
                '[]'::jsonb
            )
        FROM orders o
        JOIN customers c ON c.id = o.customer_id
        LEFT JOIN order_items i ON i.order_id = o.id
        WHERE o.status IN ('RECEIVED', 'PICKING', 'PACKED')
        GROUP BY o.id, c.name, c.tier
        ORDER BY o.id
    `)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var items []contracts.WorkItem
	for rows.Next() {
		var item contracts.WorkItem
		var itemsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.Code,
			&item.Status,
			&item.CustomerName,
			&item.CustomerTier,
			&item.WarehouseID,
			&item.SLAHours,
			&item.RemainingHours,
			&item.PriorityScore,
			&itemsRaw,
		); err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		if err := json.Unmarshal(itemsRaw, &item.Items); err != nil {
			return nil, fmt.Errorf("decode order items: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open orders: %w", err)
	}
	return items, nil
}

// AvailableQty returns the stock level for one position. ok is false when the
// position is not tracked.
func (r *Repository) AvailableQty(ctx context.Context, key contracts.StockKey) (int, bool, error) {
	var qty int
	err := r.pool.QueryRow(ctx, `
        SELECT available_qty FROM inventory WHERE warehouse_id = $1 AND product_id = $2
    `, key.WarehouseID, key.ProductID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query stock level: %w", err)
	}
	return qty, true, nil
}

// ApplyPriority writes the new score to the order and appends a history row
// in one transaction.
func (r *Repository) ApplyPriority(ctx context.Context, itemID int, change contracts.PriorityChange, reason, parentID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin priority update: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
        UPDATE orders SET priority_score = $2 WHERE id = $1
    `, itemID, change.NewScore)
	if err != nil {
		return fmt.Errorf("update priority score: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("order %d not found", itemID)
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO priority_history (order_code, old_score, new_score, reason, parent_id)
        VALUES ($1, $2, $3, $4, $5)
    `, change.OrderCode, change.OldScore, change.NewScore, reason, nullableStr(parentID))
	if err != nil {
		return fmt.Errorf("insert priority history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit priority update: %w", err)
	}
	return nil
}

// CollectContext gathers the operational numbers the analyzer feeds into its
// reasoning prompt.
func (r *Repository) CollectContext(ctx context.Context) (analyzer.ContextBundle, error) {
	bundle := analyzer.ContextBundle{
		DockOccupancy: make(map[string]float64),
	}

	err := r.pool.QueryRow(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE status IN ('RECEIVED', 'PICKING')),
            COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '1 hour')
        FROM orders
    `).Scan(&bundle.PendingOrders, &bundle.OrdersLastHour)
	if err != nil {
		return bundle, fmt.Errorf("count orders: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM inventory WHERE available_qty <= safety_stock
    `).Scan(&bundle.LowStockCount)
	if err != nil {
		return bundle, fmt.Errorf("count low stock: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE status = 'AVAILABLE'),
            COUNT(*) FILTER (WHERE status = 'BREAKDOWN')
        FROM vehicles
    `).Scan(&bundle.TotalVehicles, &bundle.AvailableVehicles, &bundle.BreakdownVehicles)
	if err != nil {
		return bundle, fmt.Errorf("count vehicles: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
        SELECT
            w.code,
            CASE WHEN w.dock_count > 0
                 THEN ROUND((COUNT(v.id) FILTER (WHERE v.status = 'LOADING')::float8 / w.dock_count)::numeric, 2)::float8
                 ELSE 0
            END
        FROM warehouses w
        LEFT JOIN vehicles v ON v.warehouse_id = w.id
        GROUP BY w.code, w.dock_count
        ORDER BY w.code
    `)
	if err != nil {
		return bundle, fmt.Errorf("query dock occupancy: %w", err)
	}
	for rows.Next() {
		var code string
		var occupancy float64
		if err := rows.Scan(&code, &occupancy); err != nil {
			rows.Close()
			return bundle, fmt.Errorf("scan dock occupancy: %w", err)
		}
		bundle.WarehouseCodes = append(bundle.WarehouseCodes, code)
		bundle.DockOccupancy[code] = occupancy
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return bundle, fmt.Errorf("iterate dock occupancy: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
        SELECT o.code, c.name, c.tier, o.priority_score, o.status
        FROM orders o
        JOIN customers c ON c.id = o.customer_id
        WHERE o.status IN ('RECEIVED', 'PICKING')
        ORDER BY o.priority_score DESC
        LIMIT 10
    `)
	if err != nil {
		return bundle, fmt.Errorf("query top orders: %w", err)
	}
	for rows.Next() {
		var affected analyzer.AffectedOrder
		if err := rows.Scan(&affected.OrderCode, &affected.Customer, &affected.Tier, &affected.Priority, &affected.Status); err != nil {
			rows.Close()
			return bundle, fmt.Errorf("scan top order: %w", err)
		}
		bundle.AffectedOrders = append(bundle.AffectedOrders, affected)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return bundle, fmt.Errorf("iterate top orders: %w", err)
	}

	return bundle, nil
}

// Execute performs an automatic action against the system of record.
func (r *Repository) Execute(ctx context.Context, actionType string, priorityResult scorer.Result) (map[string]any, error) {
	switch actionType {
	case analyzer.ActionResequencePicking:
		var codes []string
		for _, change := range priorityResult.Changes {
			if change.Direction == "up" && len(codes) < 5 {
				codes = append(codes, change.OrderCode)
			}
		}
		if len(codes) == 0 {
			return map[string]any{"orders_moved_to_picking": 0, "order_codes": []string{}}, nil
		}
		cmd, err := r.pool.Exec(ctx, `
            UPDATE orders SET status = 'PICKING' WHERE code = ANY($1) AND status = 'RECEIVED'
        `, codes)
		if err != nil {
			return nil, fmt.Errorf("resequence picking: %w", err)
		}
		return map[string]any{"orders_moved_to_picking": cmd.RowsAffected(), "order_codes": codes}, nil
	case analyzer.ActionMonitor:
		return map[string]any{"note": "monitoring continues"}, nil
	default:
		return map[string]any{"note": actionType + " simulated"}, nil
	}
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
