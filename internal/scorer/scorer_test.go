package scorer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
)

type stubStore struct {
	mu      sync.Mutex
	items   []contracts.WorkItem
	stock   map[contracts.StockKey]int
	applied []contracts.PriorityChange
}

func (s *stubStore) OpenWorkItems(context.Context) ([]contracts.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.WorkItem, len(s.items))
	copy(out, s.items)
	return out, nil
}

func (s *stubStore) AvailableQty(_ context.Context, key contracts.StockKey) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qty, ok := s.stock[key]
	return qty, ok, nil
}

func (s *stubStore) ApplyPriority(_ context.Context, itemID int, change contracts.PriorityChange, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == itemID {
			s.items[i].PriorityScore = change.NewScore
		}
	}
	s.applied = append(s.applied, change)
	return nil
}

func newTestScorer(store *stubStore) (*Scorer, context.CancelFunc) {
	s := New(store, audit.NewMemorySink(), nil, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	return s, cancel
}

func vipItem() contracts.WorkItem {
	return contracts.WorkItem{
		ID: 1, Code: "ORD-001",
		CustomerTier:   contracts.TierVIP,
		WarehouseID:    1,
		SLAHours:       24,
		RemainingHours: 6, // 75% of the window consumed
		Items:          []contracts.LineItem{{ProductID: 10, Grade: "A", Quantity: 5}},
	}
}

func TestScoreItemWeightedFactors(t *testing.T) {
	store := &stubStore{
		items: []contracts.WorkItem{vipItem()},
		stock: map[contracts.StockKey]int{{WarehouseID: 1, ProductID: 10}: 100},
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalItems)
	require.Equal(t, 1, result.ChangedCount)
	require.Equal(t, 1, result.UpgradedCount)

	// customer 100*.25 + urgency 75*.30 + grade 100*.15 + inventory 100*.15 + anomaly 0*.15
	require.InDelta(t, 25+22.5+15+15, result.Changes[0].NewScore, 1e-9)
}

func TestAnomalyBoostForAffectedOrders(t *testing.T) {
	store := &stubStore{
		items: []contracts.WorkItem{vipItem()},
		stock: map[contracts.StockKey]int{{WarehouseID: 1, ProductID: 10}: 100},
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{
		EventType:      "SLA_RISK",
		AffectedOrders: []string{"ORD-001"},
	})
	require.NoError(t, err)
	// Same factors plus the 30-point anomaly factor at weight 0.15.
	require.InDelta(t, 77.5+30*0.15, result.Changes[0].NewScore, 1e-9)
}

func TestInventoryFactorDegrades(t *testing.T) {
	item := vipItem()
	tests := []struct {
		name string
		qty  int
		want float64 // inventory factor value
	}{
		{"fully stocked", 100, 100},
		{"partial stock", 2, 50},
		{"depleted", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubStore{
				items: []contracts.WorkItem{item},
				stock: map[contracts.StockKey]int{{WarehouseID: 1, ProductID: 10}: tt.qty},
			}
			s, cancel := newTestScorer(store)
			defer cancel()

			result, err := s.Recalculate(context.Background(), Request{EventType: "STOCK_SHORTAGE"})
			require.NoError(t, err)
			require.InDelta(t, 25+22.5+15+tt.want*0.15, result.Changes[0].NewScore, 1e-9)
		})
	}
}

func TestUntrackedStockCountsAsCoverable(t *testing.T) {
	store := &stubStore{
		items: []contracts.WorkItem{vipItem()},
		stock: map[contracts.StockKey]int{},
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.InDelta(t, 77.5, result.Changes[0].NewScore, 1e-9)
}

func TestSmallDeltaIsNotRecorded(t *testing.T) {
	item := vipItem()
	item.PriorityScore = 77.2 // recompute yields 77.5, delta 0.3 < threshold
	store := &stubStore{
		items: []contracts.WorkItem{item},
		stock: map[contracts.StockKey]int{{WarehouseID: 1, ProductID: 10}: 100},
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.Equal(t, 0, result.ChangedCount)
	require.Empty(t, store.applied)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	store := &stubStore{
		items: []contracts.WorkItem{vipItem()},
		stock: map[contracts.StockKey]int{{WarehouseID: 1, ProductID: 10}: 100},
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	first, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.Equal(t, 1, first.ChangedCount)

	// Scores already match: the second pass records nothing.
	second, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.Equal(t, 0, second.ChangedCount)
}

func TestChangeSampleCapped(t *testing.T) {
	store := &stubStore{stock: map[contracts.StockKey]int{}}
	for i := 1; i <= 30; i++ {
		item := vipItem()
		item.ID = i
		item.Code = fmt.Sprintf("ORD-%03d", i)
		item.Items = nil
		store.items = append(store.items, item)
	}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{EventType: "ORDER_SURGE"})
	require.NoError(t, err)
	require.Equal(t, 30, result.ChangedCount)
	require.Len(t, result.Changes, 20)
}

func TestUrgencyClamped(t *testing.T) {
	item := vipItem()
	item.RemainingHours = -4 // past due: urgency saturates at 100
	item.Items = nil
	store := &stubStore{items: []contracts.WorkItem{item}, stock: map[contracts.StockKey]int{}}
	s, cancel := newTestScorer(store)
	defer cancel()

	result, err := s.Recalculate(context.Background(), Request{EventType: "SLA_RISK"})
	require.NoError(t, err)
	// customer 25 + urgency 30 + grade C default 4.5 + inventory 15
	require.InDelta(t, 25+30+4.5+15, result.Changes[0].NewScore, 1e-9)
}
