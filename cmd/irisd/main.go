package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"IRIS-Chain/internal/api"
	"IRIS-Chain/internal/config"
	"IRIS-Chain/internal/cursor"
	"IRIS-Chain/internal/directory"
	"IRIS-Chain/internal/events"
	"IRIS-Chain/internal/llm"
	"IRIS-Chain/internal/llm/openai"
	"IRIS-Chain/internal/llm/pythonbridge"
	"IRIS-Chain/internal/lookup"
	"IRIS-Chain/internal/observability/alerting"
	"IRIS-Chain/internal/observability/metrics"
	"IRIS-Chain/internal/oracle"
	"IRIS-Chain/internal/router"
	"IRIS-Chain/internal/session"
	"IRIS-Chain/internal/storage/mysql"
	"IRIS-Chain/internal/storage/redis"
	"IRIS-Chain/internal/web3/provider"
	"IRIS-Chain/pkg/logger"
)

// main 是 IRIS 路由守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("irisd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	configPath := os.Getenv("IRIS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "iris.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("irisd")

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	ledger, err := chainRegistry.DefaultLedger()
	if err != nil {
		return err
	}
	l.Info("已连接区块链", "chain", chainRegistry.DefaultChain(), "signer", ledger.Signer().Hex())

	var db *sql.DB
	if cfg.Directory.Driver == "mysql" || cfg.Storage.HopStore.Driver == "mysql" {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
	}

	agentDirectory, err := createDirectory(ctx, cfg, db)
	if err != nil {
		return err
	}

	var hopRepo mysql.HopRepository
	switch cfg.Storage.HopStore.Driver {
	case "mysql":
		hopRepo = mysql.NewSQLHopRepository(db)
	default:
		repo, err := mysql.NewMemoryHopRepository(dataDir)
		if err != nil {
			return err
		}
		hopRepo = repo
	}

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	decider := oracle.New(llmClient,
		oracle.WithTimeout(cfg.Oracle.Timeout()),
		oracle.WithBreaker(oracle.BreakerSettings{
			FailureThreshold: cfg.Oracle.Breaker.FailureThreshold,
			OpenTimeout:      time.Duration(cfg.Oracle.Breaker.OpenSeconds) * time.Second,
		}),
	)

	var searcher lookup.Searcher
	if cfg.Lookup.Provider == "google_maps" {
		maps, err := lookup.NewGoogleMaps(lookup.GoogleMapsConfig{
			APIKey:     cfg.Lookup.APIKey,
			BaseURL:    cfg.Lookup.BaseURL,
			MaxResults: cfg.Lookup.MaxResults,
			Timeout:    time.Duration(cfg.Lookup.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		searcher = maps
	}

	var cursorStore cursor.Store
	switch cfg.Cursor.Driver {
	case "redis":
		store, err := redis.NewCursorStore(ctx, redis.Config{
			Address:  cfg.Cursor.Redis.Address,
			Password: cfg.Cursor.Redis.Password,
			DB:       cfg.Cursor.Redis.DB,
			Key:      cfg.Cursor.Redis.Key,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		cursorStore = store
	default:
		cursorStore = cursor.NewMemoryStore()
	}

	bus, err := createBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			l.Warn("关闭事件总线失败", "error", err)
		}
	}()

	tracker := session.NewTracker(session.WithProgressBuffer(cfg.Session.ProgressBuffer))
	go func() {
		if err := tracker.Follow(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("事件订阅异常退出", "error", err)
		}
	}()

	notifiers := []alerting.Notifier{}
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Audit()})
	}
	if cfg.Alerting.Slack.Enabled {
		notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.Alerting.Slack.Token, cfg.Alerting.Slack.Channel))
	}
	alerts := alerting.NewFanout(notifiers...)

	hopRouter := router.New(ledger, agentDirectory, decider, cursor.New(cursorStore), bus,
		router.WithPollInterval(cfg.Router.PollInterval()),
		router.WithMaxHops(cfg.Router.MaxHops),
		router.WithMaxBlockRange(cfg.Router.MaxBlockRange),
		router.WithMaxLogAttempts(cfg.Router.MaxLogAttempts),
		router.WithHopTimeout(cfg.Router.HopTimeout()),
		router.WithResume(cfg.Cursor.Resume),
		router.WithLookup(searcher),
		router.WithHopRepository(hopRepo),
		router.WithAlertDispatcher(alerts),
	)

	routerErr := make(chan error, 1)
	go func() {
		if err := hopRouter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("路由器异常退出", "error", err)
			routerErr <- err
			cancel()
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:            cfg.Server.Address,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		EntryAgent:         cfg.Server.EntryAgent,
		MaxHops:            cfg.Router.MaxHops,
		WaitInterval:       cfg.Session.WaitInterval(),
		SessionTimeout:     cfg.Session.Timeout(),
	}, api.Deps{
		Ledger:    ledger,
		Directory: agentDirectory,
		Sessions:  tracker,
		Hops:      hopRepo,
		Status:    hopRouter,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	select {
	case err := <-routerErr:
		return err
	default:
		return nil
	}
}

func createDirectory(ctx context.Context, cfg *config.Config, db *sql.DB) (directory.Directory, error) {
	if cfg.Directory.Driver != "mysql" {
		return directory.NewFileDirectory(cfg.Directory.SeedFile)
	}
	dir := mysql.NewAgentDirectory(db)
	if cfg.Directory.SeedOnStart {
		agents, err := directory.LoadSeedFile(cfg.Directory.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := dir.Upsert(ctx, agents); err != nil {
			return nil, err
		}
		logger.L().Info("代理目录已初始化", "agents", len(agents), "source", cfg.Directory.SeedFile)
	}
	return dir, nil
}

func createBus(ctx context.Context, cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "redis":
		return events.NewRedisBus(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Key,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
		})
	case "", "memory":
		return events.NewMemoryBus(cfg.Session.ProgressBuffer * 8), nil
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.Oracle.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Oracle.Python.WorkingDir, cfg.Oracle.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Oracle.Python.PythonExecutable, scriptPath, cfg.Oracle.Python.WorkingDir)
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.Oracle.OpenAI.APIKey,
			BaseURL: cfg.Oracle.OpenAI.BaseURL,
			Model:   cfg.Oracle.OpenAI.Model,
			Timeout: cfg.Oracle.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Oracle.Provider)
	}
}
