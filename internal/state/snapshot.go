package state

import (
	"sync"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

const arrivalCapacity = 1000

// RateWindow tracks order arrival timestamps over a bounded moving window and
// derives short-term inflow rates from them.
type RateWindow struct {
	stamps []time.Time // time-ordered, capped at arrivalCapacity
}

// Record appends one arrival, evicting the oldest when the window is full.
func (w *RateWindow) Record(ts time.Time) {
	w.stamps = append(w.stamps, ts)
	if len(w.stamps) > arrivalCapacity {
		w.stamps = w.stamps[len(w.stamps)-arrivalCapacity:]
	}
}

// CountSince returns the number of arrivals newer than the cutoff.
func (w *RateWindow) CountSince(cutoff time.Time) int {
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Rate10Min is the count of arrivals in the last ten minutes.
func (w *RateWindow) Rate10Min(now time.Time) int {
	return w.CountSince(now.Add(-10 * time.Minute))
}

// Rate60MinAvg is the hourly arrival count averaged into ten-minute slots.
func (w *RateWindow) Rate60MinAvg(now time.Time) float64 {
	return float64(w.CountSince(now.Add(-60*time.Minute))) / 6.0
}

// Snapshot is the in-memory aggregate view of system health. The monitor is
// its only writer; rules read it through View under the same lock.
type Snapshot struct {
	mu sync.Mutex

	orderRate     RateWindow
	lowStock      map[contracts.StockKey]int
	vehicles      map[int]contracts.VehicleInfo
	dockOccupancy map[int]float64
	pendingOrders int
	slaAtRisk     map[int]contracts.SLARiskOrder
	lastDetected  map[string]time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		lowStock:      make(map[contracts.StockKey]int),
		vehicles:      make(map[int]contracts.VehicleInfo),
		dockOccupancy: make(map[int]float64),
		slaAtRisk:     make(map[int]contracts.SLARiskOrder),
		lastDetected:  make(map[string]time.Time),
	}
}

// RecordOrderArrival notes a new order: a rate-window timestamp plus one more
// pending order.
func (s *Snapshot) RecordOrderArrival(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderRate.Record(ts)
	s.pendingOrders++
}

// OrderLeftPending decrements the pending count when an order reaches a
// late-pipeline status.
func (s *Snapshot) OrderLeftPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOrders > 0 {
		s.pendingOrders--
	}
}

// SetStockLevel adds or removes a low-stock entry depending on whether the
// available quantity is at or below safety stock.
func (s *Snapshot) SetStockLevel(key contracts.StockKey, availableQty, safetyStock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if availableQty <= safetyStock {
		s.lowStock[key] = availableQty
	} else {
		delete(s.lowStock, key)
	}
}

// PatchVehicle updates the matching vehicle by code lookup. Unknown codes are
// ignored until the next resync introduces them.
func (s *Snapshot) PatchVehicle(ev contracts.VehicleUpdatedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.vehicles {
		if v.Code == ev.VehicleCode {
			v.Status = ev.Status
			v.Lat = ev.Lat
			v.Lng = ev.Lng
			v.SpeedKMH = ev.SpeedKMH
			v.FuelPct = ev.FuelPct
			s.vehicles[id] = v
			return
		}
	}
}

// ApplyDump overwrites the drifted fields wholesale with the authoritative
// pull. The resync is the source of truth, not the incremental deltas.
func (s *Snapshot) ApplyDump(dump contracts.StateDump) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOrders = dump.PendingOrders
	if dump.LowStockItems != nil {
		s.lowStock = dump.LowStockItems
	}
	if dump.Vehicles != nil {
		s.vehicles = dump.Vehicles
	}
	if dump.DockOccupancy != nil {
		s.dockOccupancy = dump.DockOccupancy
	}
	if dump.SLAAtRisk != nil {
		s.slaAtRisk = dump.SLAAtRisk
	}
}

// CooldownElapsed reports whether ruleID may fire again at now, and records
// the firing when it may. The check and the ledger write are one atomic step.
func (s *Snapshot) CooldownElapsed(ruleID string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastDetected[ruleID]; ok && now.Sub(last) < window {
		return false
	}
	s.lastDetected[ruleID] = now
	return true
}

// View is a point-in-time read of the snapshot handed to the rules. Maps are
// shallow copies; rules must not mutate entries.
type View struct {
	Now           time.Time
	Rate10Min     int
	Rate60MinAvg  float64
	LowStock      map[contracts.StockKey]int
	Vehicles      map[int]contracts.VehicleInfo
	DockOccupancy map[int]float64
	PendingOrders int
	SLAAtRisk     map[int]contracts.SLARiskOrder
}

// Capture renders a consistent View for rule evaluation.
func (s *Snapshot) Capture(now time.Time) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	low := make(map[contracts.StockKey]int, len(s.lowStock))
	for k, v := range s.lowStock {
		low[k] = v
	}
	vehicles := make(map[int]contracts.VehicleInfo, len(s.vehicles))
	for k, v := range s.vehicles {
		vehicles[k] = v
	}
	docks := make(map[int]float64, len(s.dockOccupancy))
	for k, v := range s.dockOccupancy {
		docks[k] = v
	}
	risk := make(map[int]contracts.SLARiskOrder, len(s.slaAtRisk))
	for k, v := range s.slaAtRisk {
		risk[k] = v
	}

	return View{
		Now:           now,
		Rate10Min:     s.orderRate.Rate10Min(now),
		Rate60MinAvg:  s.orderRate.Rate60MinAvg(now),
		LowStock:      low,
		Vehicles:      vehicles,
		DockOccupancy: docks,
		PendingOrders: s.pendingOrders,
		SLAAtRisk:     risk,
	}
}

// PendingOrders returns the current pending count.
func (s *Snapshot) PendingOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingOrders
}
