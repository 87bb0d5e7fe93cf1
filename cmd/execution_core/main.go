package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"execution_core/internal/bootstrap"
	"execution_core/internal/command"
	"execution_core/internal/config"
	"execution_core/internal/core"
	"execution_core/internal/exchange"
	"execution_core/internal/forwarder"
	"execution_core/internal/infrastructure/health"
	"execution_core/internal/infrastructure/metrics"
	"execution_core/internal/marketdata"
	"execution_core/internal/mock"
	"execution_core/internal/risk"
	"execution_core/internal/rpc"
	"execution_core/internal/status"
	"execution_core/internal/trading/instrument"
	"execution_core/internal/trading/lock"
	"execution_core/internal/trading/order"
	"execution_core/internal/trading/position"
	"execution_core/internal/transport"
	"execution_core/pkg/concurrency"
	"execution_core/pkg/retry"
	"execution_core/pkg/telemetry"
	"execution_core/pkg/websocket"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "execution_core: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return err
	}
	cfg, logger := app.Cfg, app.Logger
	logger.Info("Configuration loaded", "config", cfg.String())

	tel, err := telemetry.Setup(telemetry.Options{ServiceName: cfg.App.Name})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	// 1. Bus
	bus, venueConn, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	// 2. RPC and venue client
	client := rpc.NewClient(bus, rpc.NewRegistry(logger), rpc.ClientConfig{
		RequestChannel:  cfg.Channels.Requests,
		ResponseChannel: cfg.Channels.Responses,
		EphemeralPrefix: cfg.Channels.ResponsePrefix,
		DefaultTimeout:  cfg.Timing.QueryTimeout(),
	}, logger)
	venue := exchange.NewRemoteVenue(client, exchange.Timeouts{
		Query: cfg.Timing.QueryTimeout(),
		SLTP:  cfg.Timing.SLTPTimeout(),
		Trade: cfg.Timing.TradeTimeout(),
	}, logger)

	seeds, err := cfg.Instruments()
	if err != nil {
		return err
	}
	instruments := instrument.NewRegistry(seeds, logger)

	// 3. Market data and positions
	normalizer := marketdata.NewNormalizer(marketdata.Config{
		StaleAfter: cfg.Timing.StaleAfterDuration(),
		Tracked:    cfg.MarketData.Track,
	}, logger)
	ledger := position.NewLedger(normalizer, instruments, logger)
	normalizer.OnTick(func(t marketdata.Tick) {
		ledger.OnPrice(t.Instrument, t.Price)
	})

	// 4. Trading
	tradingLock := lock.New(logger)
	reconciler := risk.NewReconciler(venue, ledger, tradingLock, logger, cfg.Trading.Accounts, cfg.Timing.ReconcileEvery())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := order.NewEngine(order.Config{
		Accounts:  cfg.Trading.Accounts,
		RateLimit: cfg.Trading.RateLimit,
		RateBurst: cfg.Trading.RateBurst,
		SLTP: retry.Policy{
			MaxAttempts:    cfg.Timing.SLTPMaxRetries,
			InitialBackoff: cfg.Timing.SLTPBackoff(),
		},
	}, venue, instruments, ledger, tradingLock, store, reconciler, logger)

	// 5. Status broadcasts
	statusPool := concurrency.NewKeyedPool(concurrency.PoolConfig{
		Name:        "StatusPool",
		MaxWorkers:  cfg.Concurrency.BroadcastPoolSize,
		MaxCapacity: cfg.Concurrency.BroadcastPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer statusPool.Stop()

	broadcaster := status.NewBroadcaster(bus, cfg.Channels.Status, statusPool, logger)
	ledger.Subscribe(broadcaster.PositionEvent)
	engine.OnOrder(broadcaster.Order)
	reconciler.OnComplete(broadcaster.Reconciliation)
	reconciler.OnAccounts(broadcaster.Accounts)

	// 6. Commands from strategies and operators
	commands := command.NewHandler(command.Config{
		Channel: cfg.Channels.Commands,
		Workers: cfg.Concurrency.CommandWorkers,
		Buffer:  cfg.Concurrency.CommandBuffer,
	}, bus, engine, ledger, venue, reconciler, logger)

	// 7. Simulated venue
	if cfg.Simulate() {
		sim := mock.NewMockVenue(venueConn, cfg.Channels.Requests, logger)
		seedSimulation(sim, cfg, seeds)
		normalizer.OnTick(func(t marketdata.Tick) {
			sim.SetFillPrice(t.Instrument, t.Price)
		})
		if err := sim.Start(context.Background()); err != nil {
			return fmt.Errorf("mock venue: %w", err)
		}
		logger.Warn("Running in SIMULATE mode against the in-process mock venue")
	}

	var feed *marketdata.WebSocketFeed
	if cfg.MarketData.WebsocketURL != "" {
		var subscribe interface{}
		if cfg.MarketData.Subscribe != "" {
			subscribe = json.RawMessage(cfg.MarketData.Subscribe)
		}
		feed = marketdata.NewWebSocketFeed(websocket.Config{
			URL:           cfg.MarketData.WebsocketURL,
			ReconnectWait: time.Duration(cfg.MarketData.ReconnectDelay) * time.Second,
		}, subscribe, normalizer, logger)
	}

	// 8. Health and metrics
	hm := health.NewHealthManager(logger)
	hm.Register("transport", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return bus.CheckHealth(ctx)
	})
	hm.Register("reconciler", func() error {
		if s := reconciler.GetStatus(); s.Status == risk.StatusFailed {
			return fmt.Errorf("last reconciliation pass %s failed", s.ID)
		}
		return nil
	})
	if feed != nil {
		hm.Register("market_data_feed", func() error {
			if !feed.Connected() {
				return fmt.Errorf("websocket disconnected")
			}
			return nil
		})
	}

	runners := []bootstrap.Runner{
		bootstrap.StartStop(client.Start, client.Stop),
		bootstrap.StartStop(commands.Start, commands.Stop),
		bootstrap.StartStop(
			func(ctx context.Context) error {
				return bus.Subscribe(ctx, cfg.Channels.Events, engine.HandleMessage)
			},
			func(ctx context.Context) error {
				_ = engine.Stop()
				return bus.Unsubscribe(ctx, cfg.Channels.Events)
			},
		),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if cfg.Channels.MarketData != "" {
				if err := bus.Subscribe(ctx, cfg.Channels.MarketData, normalizer.HandleMessage); err != nil {
					return fmt.Errorf("market data subscribe: %w", err)
				}
			}
			if feed != nil {
				feed.Start()
				defer feed.Stop()
			}
			return normalizer.RunHeartbeat(ctx, cfg.Timing.HeartbeatEvery())
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := instruments.Refresh(ctx, venue); err != nil {
				logger.Warn("Starting with configured contracts only", "error", err)
			}
			if _, err := reconciler.RefreshAccounts(ctx); err != nil {
				logger.Warn("Account list unavailable, retrying on reconcile passes", "error", err)
			}
			if err := reconciler.Start(ctx); err != nil {
				return fmt.Errorf("reconciler: %w", err)
			}
			<-ctx.Done()
			return reconciler.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return publishMarketStatus(ctx, broadcaster, normalizer, cfg.Timing.StatusEvery())
		}),
	}

	if cfg.Forwarder.Enabled {
		allowed := make([]rpc.RequestType, 0, len(cfg.Forwarder.Allowed))
		for _, t := range cfg.Forwarder.Allowed {
			allowed = append(allowed, rpc.RequestType(t))
		}
		fwd := forwarder.New(forwarder.Config{
			InboundChannel:            cfg.Forwarder.InboundChannel,
			DownstreamRequestChannel:  cfg.Forwarder.DownstreamRequests,
			DownstreamResponseChannel: cfg.Forwarder.DownstreamResponses,
			TTL:                       time.Duration(cfg.Forwarder.TTLMs) * time.Millisecond,
			Allowed:                   allowed,
		}, bus, logger)
		runners = append(runners, bootstrap.StartStop(fwd.Start, fwd.Stop))
	}

	if cfg.Telemetry.EnableMetrics {
		srv := metrics.NewServer(cfg.Telemetry.MetricsPort, tel.Registry(), hm, logger)
		runners = append(runners, bootstrap.StartStop(
			func(context.Context) error { return srv.Start() },
			srv.Stop,
		))
	}

	return app.Run(runners...)
}

// openBus returns the engine's connection and the connection the simulated
// venue answers on (nil in live mode)
func openBus(cfg *config.Config, logger core.ILogger) (core.ITransport, core.ITransport, error) {
	switch cfg.Bus.Type {
	case "memory":
		broker := transport.NewMemoryBroker(cfg.Bus.BufferSize, logger)
		return broker.Connect("execution_core"), broker.Connect("mock_venue"), nil
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r := cfg.Bus.Redis
		bus, err := transport.NewRedisTransport(ctx, transport.RedisConfig{
			Addr:            r.Addr,
			Password:        r.Password,
			DB:              r.DB,
			DialTimeout:     time.Duration(r.DialTimeoutMs) * time.Millisecond,
			ConfirmTimeout:  time.Duration(r.ConfirmTimeoutMs) * time.Millisecond,
			BufferSize:      cfg.Bus.BufferSize,
			BreakerFailures: uint(r.BreakerFailures),
			BreakerDelay:    time.Duration(r.BreakerDelayMs) * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis bus: %w", err)
		}
		return bus, bus, nil
	}
}

func openStore(cfg *config.Config) (core.IOrderStore, error) {
	if cfg.Store.Type == "sqlite" {
		store, err := order.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("order store: %w", err)
		}
		return store, nil
	}
	return order.NewMemoryStore(), nil
}

func seedSimulation(sim *mock.MockVenue, cfg *config.Config, seeds []core.Instrument) {
	accounts := make([]core.Account, 0, len(cfg.Trading.Accounts))
	for _, id := range cfg.Trading.Accounts {
		accounts = append(accounts, core.Account{ID: id, Name: id, CanTrade: true})
	}
	sim.SetAccounts(accounts...)

	var contracts []core.Contract
	for _, inst := range seeds {
		for _, c := range inst.Contracts {
			c.Instrument = inst.Symbol
			if c.Multiplier.IsZero() {
				c.Multiplier = inst.Multiplier
			}
			contracts = append(contracts, c)
		}
	}
	sim.SetContracts(contracts...)
	sim.AutoFill(cfg.Channels.Events)
}

func publishMarketStatus(ctx context.Context, b *status.Broadcaster, n *marketdata.Normalizer, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.MarketStatus(n.Staleness(now))
		}
	}
}
