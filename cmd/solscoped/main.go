package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"solscope/internal/amm"
	"solscope/internal/api"
	"solscope/internal/config"
	"solscope/internal/ledger"
	"solscope/internal/observability/metrics"
	"solscope/internal/trade"
	"solscope/internal/vault"
	"solscope/pkg/logger"
)

// main 是 solscope 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("solscoped 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "solscope.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var tradeStore trade.Store
	switch cfg.Storage.TradeStore.Driver {
	case "", "memory":
		tradeStore = trade.NewMemoryStore()
	case "mysql":
		store, err := trade.NewMySQLStore(cfg.Storage.TradeStore.DSN)
		if err != nil {
			return err
		}
		tradeStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.TradeStore.Driver)
	}
	defer func() {
		if tradeStore != nil {
			_ = tradeStore.Close()
		}
	}()

	var tradeQueue trade.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		tradeQueue = trade.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		queue, err := trade.NewRedisQueue(trade.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait(),
		})
		if err != nil {
			return err
		}
		tradeQueue = queue
	case "rabbitmq":
		queue, err := trade.NewRabbitMQQueue(trade.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		tradeQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if tradeQueue != nil {
			if err := tradeQueue.Close(); err != nil {
				log.Printf("关闭交易队列失败: %v", err)
			}
		}
	}()

	defs, err := amm.LoadMarketDefinitions(cfg.Markets.Path)
	if err != nil {
		return err
	}
	markets, err := amm.NewRegistry(defs)
	if err != nil {
		return err
	}

	ledgerOpts := []ledger.Option{}
	if cfg.Ledger.RentBase > 0 && cfg.Ledger.RentPerByte > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithRent(cfg.Ledger.RentBase, cfg.Ledger.RentPerByte))
	}
	hostLedger := ledger.New(ledgerOpts...)

	venue := amm.NewPaperExchange()
	for _, name := range markets.Names() {
		market, err := markets.Lookup(name)
		if err != nil {
			return err
		}
		venue.AddPool(market.Accounts.Amm, market.Rate)
	}

	engine := vault.NewEngine(hostLedger, venue)
	executor := trade.NewEngineExecutor(engine, markets, nil)

	tradeService := trade.NewService(tradeStore, tradeQueue, cfg.Worker.MaxRetries)
	processor := trade.NewProcessor(executor, tradeStore, tradeQueue, tradeQueue,
		trade.WithWorkerCount(cfg.Worker.Count),
		trade.WithProcessorLogger(logger.Named("trade.processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("交易处理器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, engine, tradeService)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
