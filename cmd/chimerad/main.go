package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"chimera/internal/api"
	"chimera/internal/auditloop"
	"chimera/internal/auth"
	"chimera/internal/config"
	"chimera/internal/facilitator"
	"chimera/internal/llm/openai"
	"chimera/internal/observability/alerting"
	"chimera/internal/observability/metrics"
	"chimera/internal/payment"
	"chimera/internal/policy"
	"chimera/internal/signature"
	"chimera/internal/storage/sqldb"
	"chimera/internal/task"
	"chimera/internal/web3/provider"
	"chimera/pkg/logger"
)

// main 是 Chimera 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chimerad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "chimera.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("chimerad")

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled != nil && *cfg.Server.MetricsEnabled {
		m = metrics.New()
	}
	alerts := buildAlerting(cfg.Alerting)

	key, err := facilitatorKey(cfg.Web3.FacilitatorKey)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3, key)
	if err != nil {
		return err
	}
	defer registry.Close()
	chain, err := registry.DefaultClient()
	if err != nil {
		return err
	}

	domain, err := signingDomain(ctx, cfg.Web3, chain.ChainID)
	if err != nil {
		return err
	}

	policyCfg, err := policy.FromSettings(cfg.Policy)
	if err != nil {
		return fmt.Errorf("策略配置无效: %w", err)
	}
	policyStore, err := openPolicyStore(ctx, cfg.Storage.PolicyStore, policyCfg.HistoryLimit)
	if err != nil {
		return err
	}
	defer policyStore.Close()
	ledger := policy.NewLedger(policyStore, policy.NewEngine(policyCfg))

	fac := facilitator.New(chain, ledger, domain,
		facilitator.WithAlertDispatcher(alerts),
		facilitator.WithMetrics(m),
	)
	defer fac.Wait()

	operators, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	deps := api.Dependencies{
		Facilitator:     fac,
		Metrics:         m,
		Auth:            operators,
		MaxAuditRetries: cfg.AuditLoop.MaxRetries,
	}

	loop, err := buildAuditLoop(cfg, m)
	if err != nil {
		// 生成功能可选，未配置模型时仅提供代付接口。
		lg.Warn("审计生成循环未启用", slog.Any("error", err))
	} else {
		deps.Generator = loop

		taskStore, err := openTaskStore(ctx, cfg.Storage.TaskStore)
		if err != nil {
			return err
		}
		queue, err := openTaskQueue(ctx, cfg.TaskQueue)
		if err != nil {
			_ = taskStore.Close()
			return err
		}
		service := task.NewService(taskStore, queue, cfg.TaskQueue.MaxRetries)
		defer func() {
			if err := service.Close(); err != nil {
				lg.Warn("关闭任务服务失败", slog.Any("error", err))
			}
		}()
		deps.Jobs = service

		processor := task.NewProcessor(task.NewAuditExecutor(loop, cfg.AuditLoop.MaxRetries), taskStore, queue, queue,
			task.WithWorkerCount(cfg.TaskQueue.Workers),
			task.WithProcessorLogger(logger.Named("task")),
			task.WithAlertDispatcher(alerts),
			task.WithProcessorMetrics(m),
		)
		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("任务处理器异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Payment.Enabled {
		gate, err := payment.FromConfig(domain, cfg.Payment, payment.WithMetrics(m))
		if err != nil {
			return err
		}
		deps.Payments = gate
	}

	if balance, err := fac.GetBalance(ctx); err == nil {
		lg.Info("代付账户就绪",
			slog.String("address", balance.Address),
			slog.String("balance", balance.Ether),
			slog.String("chain", registry.DefaultChain()))
	} else {
		lg.Warn("查询代付账户余额失败", slog.Any("error", err))
	}

	server := api.NewServer(cfg.Server.Address, deps)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func facilitatorKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("未配置代付账户私钥")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("代付账户私钥无效: %w", err)
	}
	return key, nil
}

// signingDomain 优先使用配置的链 ID，未配置时向节点查询。
func signingDomain(ctx context.Context, cfg config.Web3Config, chainID func(context.Context) (*big.Int, error)) (signature.Domain, error) {
	var contract common.Address
	if v := strings.TrimSpace(cfg.VerifyingContract); v != "" {
		if !common.IsHexAddress(v) {
			return signature.Domain{}, fmt.Errorf("verifying_contract 不是合法地址: %q", v)
		}
		contract = common.HexToAddress(v)
	}
	if cfg.ChainID > 0 {
		return signature.NewDomain(big.NewInt(cfg.ChainID), contract), nil
	}
	id, err := chainID(ctx)
	if err != nil {
		return signature.Domain{}, fmt.Errorf("查询链 ID 失败: %w", err)
	}
	return signature.NewDomain(id, contract), nil
}

func openPolicyStore(ctx context.Context, cfg config.PolicyStoreConfig, limit int) (policy.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return policy.NewMemoryStore(limit), nil
	case "mysql", "postgres":
		dialect := sqldb.Dialect(cfg.Driver)
		db, err := sqldb.Open(ctx, sqldb.Config{
			Dialect:         dialect,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := sqldb.Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return nil, err
		}
		store, err := policy.NewSQLStore(db, dialect, limit)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := policy.NewRedisStore(ctx, policy.RedisStoreConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisKeyPrefix,
			Limit:    limit,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("不支持的策略存储驱动: %s", cfg.Driver)
	}
}

func openTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql", "postgres":
		dialect := sqldb.Dialect(cfg.Driver)
		db, err := sqldb.Open(ctx, sqldb.Config{Dialect: dialect, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		if err := sqldb.Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return nil, err
		}
		store, err := task.NewSQLStore(db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.Driver)
	}
}

func openTaskQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		size := cfg.BufferSize
		if size <= 0 {
			size = 1024
		}
		return task.NewMemoryQueue(size), nil
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAuditLoop(cfg *config.Config, m *metrics.Metrics) (*auditloop.Loop, error) {
	switch cfg.LLM.Provider {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			AuditModel: cfg.LLM.AuditModel,
			Timeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return auditloop.New(client, client,
			auditloop.WithThreshold(float64(cfg.AuditLoop.Threshold)),
			auditloop.WithMetrics(m),
			auditloop.WithLogger(logger.Named("auditloop")),
		), nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook, timeout)})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook, timeout).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewThrottle(alerting.NewFanout(notifiers...), time.Duration(cfg.CooldownSeconds)*time.Second)
}
