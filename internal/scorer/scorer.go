package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
)

// Factor weights of the priority model. They sum to 1.0.
const (
	weightCustomer  = 0.25
	weightUrgency   = 0.30
	weightGrade     = 0.15
	weightInventory = 0.15
	weightAnomaly   = 0.15

	// A change below this delta is noise and is not recorded.
	changeThreshold = 0.5

	// At most this many individual changes are reported per pass.
	changeSample = 20
)

var customerScores = map[contracts.CustomerTier]float64{
	contracts.TierVIP:      100,
	contracts.TierStandard: 60,
	contracts.TierEconomy:  30,
}

var gradeScores = map[string]float64{
	"A": 100,
	"B": 60,
	"C": 30,
}

// Store is the scorer's view of the system of record.
type Store interface {
	// OpenWorkItems returns every open order with its line items and the
	// current live score.
	OpenWorkItems(ctx context.Context) ([]contracts.WorkItem, error)
	// AvailableQty reports the stock level for one position; ok is false
	// when the position is not tracked.
	AvailableQty(ctx context.Context, key contracts.StockKey) (qty int, ok bool, err error)
	// ApplyPriority overwrites the item's live score and appends the change
	// to the priority history, chained to the triggering audit record.
	ApplyPriority(ctx context.Context, itemID int, change contracts.PriorityChange, reason, parentID string) error
}

// Request asks for one full recompute pass.
type Request struct {
	EventType      string
	AffectedOrders []string
	ParentID       string
}

// Result summarizes one recompute pass.
type Result struct {
	EventType       string                    `json:"event_type"`
	TotalItems      int                       `json:"total_items"`
	ChangedCount    int                       `json:"changed_count"`
	UpgradedCount   int                       `json:"upgraded_count"`
	DowngradedCount int                       `json:"downgraded_count"`
	Changes         []contracts.PriorityChange `json:"changes"`
}

type envelope struct {
	req   Request
	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Scorer recomputes the 0-100 priority of every open work item. All passes
// are serialized through one goroutine, so concurrent anomaly triggers queue
// into a single recompute stream instead of racing on scores.
type Scorer struct {
	store    Store
	sink     audit.Sink
	bus      *bus.Bus
	log      *slog.Logger
	requests chan envelope
}

func New(store Store, sink audit.Sink, b *bus.Bus, log *slog.Logger) *Scorer {
	return &Scorer{
		store:    store,
		sink:     sink,
		bus:      b,
		log:      log,
		requests: make(chan envelope),
	}
}

// Start runs the single-writer loop until ctx is done.
func (s *Scorer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-s.requests:
				result, err := s.recompute(ctx, env.req)
				env.reply <- outcome{result: result, err: err}
			}
		}
	}()
}

// Recalculate queues one recompute pass and waits for its result.
func (s *Scorer) Recalculate(ctx context.Context, req Request) (Result, error) {
	env := envelope{req: req, reply: make(chan outcome, 1)}
	select {
	case s.requests <- env:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case out := <-env.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Scorer) recompute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	affected := make(map[string]bool, len(req.AffectedOrders))
	for _, code := range req.AffectedOrders {
		affected[code] = true
	}

	items, err := s.store.OpenWorkItems(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load work items: %w", err)
	}

	result := Result{EventType: req.EventType, TotalItems: len(items)}
	for _, item := range items {
		newScore, err := s.scoreItem(ctx, item, affected)
		if err != nil {
			return Result{}, err
		}

		if math.Abs(newScore-item.PriorityScore) < changeThreshold {
			continue
		}

		direction := "up"
		if newScore < item.PriorityScore {
			direction = "down"
		}
		change := contracts.PriorityChange{
			OrderCode: item.Code,
			OldScore:  item.PriorityScore,
			NewScore:  newScore,
			Direction: direction,
		}
		reason := fmt.Sprintf("priority adjusted %s after %s analysis", direction, req.EventType)
		if err := s.store.ApplyPriority(ctx, item.ID, change, reason, req.ParentID); err != nil {
			return Result{}, fmt.Errorf("apply priority %s: %w", item.Code, err)
		}

		result.ChangedCount++
		if direction == "up" {
			result.UpgradedCount++
		} else {
			result.DowngradedCount++
		}
		if len(result.Changes) < changeSample {
			result.Changes = append(result.Changes, change)
		}
	}

	_, err = s.sink.Log(ctx, audit.Entry{
		AgentRole: audit.RolePriority,
		Phase:     audit.PhaseDecide,
		EventType: req.EventType,
		Severity:  contracts.SeverityInfo,
		Title:     fmt.Sprintf("Priority recompute complete: %d change(s)", result.ChangedCount),
		Description: fmt.Sprintf(
			"%d of %d open orders changed priority (%d up, %d down).",
			result.ChangedCount, result.TotalItems, result.UpgradedCount, result.DowngradedCount),
		Payload:  map[string]any{"result": result},
		ParentID: req.ParentID,
		Duration: time.Since(start),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record recompute: %w", err)
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, contracts.TopicPriorityRecalculated, result); err != nil {
			s.log.Warn("publish priority result", "err", err)
		}
	}

	s.log.Info("priority recompute done",
		"event_type", req.EventType,
		"total", result.TotalItems,
		"changed", result.ChangedCount,
		"elapsed", time.Since(start))
	return result, nil
}

// scoreItem computes the five-factor weighted score for one item.
func (s *Scorer) scoreItem(ctx context.Context, item contracts.WorkItem, affected map[string]bool) (float64, error) {
	customerScore, ok := customerScores[item.CustomerTier]
	if !ok {
		customerScore = 30
	}

	var urgencyScore float64
	if item.SLAHours > 0 {
		urgencyScore = clamp((1-item.RemainingHours/item.SLAHours)*100, 0, 100)
	}

	gradeScore := 30.0
	bestRank := len("ABC")
	for _, line := range item.Items {
		if rank := gradeRank(line.Grade); rank < bestRank {
			bestRank = rank
			if score, ok := gradeScores[line.Grade]; ok {
				gradeScore = score
			}
		}
	}

	fullyCoverable := true
	partial := false
	for _, line := range item.Items {
		qty, tracked, err := s.store.AvailableQty(ctx, contracts.StockKey{
			WarehouseID: item.WarehouseID,
			ProductID:   line.ProductID,
		})
		if err != nil {
			return 0, fmt.Errorf("stock lookup %s: %w", item.Code, err)
		}
		if !tracked || qty >= line.Quantity {
			continue
		}
		if qty == 0 {
			fullyCoverable = false
		} else {
			partial = true
		}
	}
	inventoryScore := 100.0
	if !fullyCoverable {
		inventoryScore = 0
	} else if partial {
		inventoryScore = 50
	}

	var anomalyScore float64
	if affected[item.Code] {
		anomalyScore = 30
	}

	total := customerScore*weightCustomer +
		urgencyScore*weightUrgency +
		gradeScore*weightGrade +
		inventoryScore*weightInventory +
		anomalyScore*weightAnomaly
	return clamp(round2(total), 0, 100), nil
}

func gradeRank(grade string) int {
	switch grade {
	case "A":
		return 0
	case "B":
		return 1
	case "C":
		return 2
	default:
		return 3
	}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
