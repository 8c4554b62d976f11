package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/analyzer"
	"github.com/seongjin71/hankook-logistics-agent/internal/api"
	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/config"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/decider"
	"github.com/seongjin71/hankook-logistics-agent/internal/logging"
	"github.com/seongjin71/hankook-logistics-agent/internal/monitor"
	"github.com/seongjin71/hankook-logistics-agent/internal/orchestrator"
	"github.com/seongjin71/hankook-logistics-agent/internal/scorer"
	"github.com/seongjin71/hankook-logistics-agent/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("LCT_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(slog.LevelInfo).Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busOpts := []bus.Option{
		bus.WithQueueCapacity(cfg.QueueCapacity),
		bus.WithRecentBuffer(cfg.RecentBuffer),
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		busOpts = append(busOpts, bus.WithBackend(bus.NewKafkaBackend(cfg.KafkaBrokers)))
		log.Info("durable event log enabled", "brokers", cfg.KafkaBrokers)
	} else {
		log.Info("running on in-memory event queues")
	}
	eventBus := bus.New(log.With("component", "bus"), busOpts...)

	var (
		stateSource monitor.StateSource
		ctxSource   analyzer.ContextSource
		store       scorer.Store
		executor    decider.Executor
		sink        audit.Sink
	)
	if cfg.DatabaseURL != "" {
		pool, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := storage.RunMigrations(ctx, pool); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		repo := storage.NewRepository(pool)
		stateSource, ctxSource, store, executor = repo, repo, repo, repo
		sink = storage.NewPostgresSink(pool)
		log.Info("using postgres system of record")
	} else {
		mem := storage.NewMemoryStore()
		seedDemo(mem)
		stateSource, ctxSource, store, executor = mem, mem, mem, mem
		sink = audit.NewMemorySink()
		log.Info("using in-memory system of record")
	}

	var provider analyzer.Provider
	if cfg.OpenAIAPIKey != "" {
		provider = analyzer.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.ReasoningModel)
		log.Info("reasoning provider enabled", "model", cfg.ReasoningModel)
	} else {
		log.Info("no reasoning provider, template analysis only")
	}

	mon := monitor.New(eventBus, sink, stateSource, log.With("component", "monitor"),
		monitor.WithCooldown(cfg.RuleCooldown),
		monitor.WithResyncInterval(cfg.ResyncInterval),
	)
	anl := analyzer.New(provider, ctxSource, sink, cfg.ReasoningTimeout, log.With("component", "analyzer"))
	sco := scorer.New(store, sink, eventBus, log.With("component", "scorer"))
	dec := decider.New(sink, executor, eventBus, log.With("component", "decider"))
	orch := orchestrator.New(eventBus, anl, sco, dec, cfg.PipelineWorkers, log.With("component", "orchestrator"))

	server := api.NewServer(eventBus, mon, orch, dec, sink, log.With("component", "api"))

	sco.Start(ctx)
	mon.Start(ctx)
	orch.Start(ctx)
	eventBus.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		server.Hub().Close()
		eventBus.Stop()
	}()

	log.Info("control tower listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// seedDemo loads a small fleet and inventory so a database-less run has
// something to monitor.
func seedDemo(mem *storage.MemoryStore) {
	now := time.Now().UTC()

	mem.PutWarehouse(storage.Warehouse{ID: 1, Code: "ICN-1", DockCount: 6})
	mem.PutWarehouse(storage.Warehouse{ID: 2, Code: "PUS-1", DockCount: 4})

	vehicles := []contracts.VehicleInfo{
		{Code: "TRK-001", Status: contracts.VehicleAvailable, WarehouseID: 1, FuelPct: 92},
		{Code: "TRK-002", Status: contracts.VehicleAvailable, WarehouseID: 1, FuelPct: 78},
		{Code: "TRK-003", Status: contracts.VehicleDelivering, WarehouseID: 1, SpeedKMH: 64, FuelPct: 55},
		{Code: "TRK-004", Status: contracts.VehicleAvailable, WarehouseID: 2, FuelPct: 88},
		{Code: "TRK-005", Status: contracts.VehicleLoading, WarehouseID: 2, FuelPct: 97},
	}
	for i, v := range vehicles {
		mem.PutVehicle(i+1, v)
	}

	mem.PutInventory(contracts.StockKey{WarehouseID: 1, ProductID: 101}, storage.InventoryLevel{AvailableQty: 240, SafetyStock: 50})
	mem.PutInventory(contracts.StockKey{WarehouseID: 1, ProductID: 102}, storage.InventoryLevel{AvailableQty: 35, SafetyStock: 40})
	mem.PutInventory(contracts.StockKey{WarehouseID: 2, ProductID: 101}, storage.InventoryLevel{AvailableQty: 180, SafetyStock: 50})

	orders := []storage.Order{
		{
			WorkItem: contracts.WorkItem{
				ID: 1, Code: "ORD-20260831-001", Status: contracts.OrderReceived,
				CustomerName: "Hyundai Glovis", CustomerTier: contracts.TierVIP,
				WarehouseID: 1, SLAHours: 24,
				Items: []contracts.LineItem{{ProductID: 101, Grade: "A", Quantity: 40}},
			},
			RequestedDeliveryAt: now.Add(20 * time.Hour),
			CreatedAt:           now.Add(-30 * time.Minute),
		},
		{
			WorkItem: contracts.WorkItem{
				ID: 2, Code: "ORD-20260831-002", Status: contracts.OrderPicking,
				CustomerName: "Kumho Retail", CustomerTier: contracts.TierStandard,
				WarehouseID: 1, SLAHours: 48,
				Items: []contracts.LineItem{{ProductID: 102, Grade: "B", Quantity: 60}},
			},
			RequestedDeliveryAt: now.Add(40 * time.Hour),
			CreatedAt:           now.Add(-2 * time.Hour),
		},
		{
			WorkItem: contracts.WorkItem{
				ID: 3, Code: "ORD-20260831-003", Status: contracts.OrderReceived,
				CustomerName: "Busan Motors", CustomerTier: contracts.TierEconomy,
				WarehouseID: 2, SLAHours: 72,
				Items: []contracts.LineItem{{ProductID: 101, Grade: "C", Quantity: 25}},
			},
			RequestedDeliveryAt: now.Add(70 * time.Hour),
			CreatedAt:           now.Add(-10 * time.Minute),
		},
	}
	for _, o := range orders {
		mem.PutOrder(o)
	}
}
