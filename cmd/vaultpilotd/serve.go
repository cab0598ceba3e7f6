package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"VaultPilot/internal/api"
	"VaultPilot/internal/approval"
	"VaultPilot/internal/auth"
	"VaultPilot/internal/config"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/observability/alerting"
	"VaultPilot/internal/observability/metrics"
	"VaultPilot/internal/queue"
	"VaultPilot/internal/recurring"
	"VaultPilot/internal/storage/sqldb"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
	"VaultPilot/internal/web3/ethereum"
	"VaultPilot/internal/web3/provider"
	"VaultPilot/pkg/logger"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API、执行协调器与定投调度器",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
}

// closers 按注册的逆序释放资源。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("vaultpilotd")
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var cleanup closers
	defer cleanup.closeAll()

	var db *sqldb.DB
	if cfg.Storage.Driver != "memory" {
		opened, err := sqldb.Open(ctx, storageConfig(cfg))
		if err != nil {
			return err
		}
		db = opened
		cleanup.add(db.Close)
	}

	alerter := newAlerter(cfg.Alerting)

	approvalStore, err := newApprovalStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	approvals := approval.NewRegistry(approvalStore, approval.WithTTL(cfg.Approval.TTL.Std()))
	cleanup.add(approvals.Close)

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	cleanup.add(func() error { chains.Close(); return nil })

	keyring, err := newKeyring(cfg.Web3.Signer)
	if err != nil {
		return err
	}

	strategies, err := newStrategies(cfg)
	if err != nil {
		return err
	}

	fees, err := newFeeCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}

	risk, err := riskPolicy(cfg.Wallet)
	if err != nil {
		return err
	}

	executor, err := wallet.NewExecutor(wallet.Options{
		Strategies:          strategies,
		Networks:            chains,
		Signers:             keyring,
		Approvals:           approvals,
		FeeCache:            fees,
		Risk:                risk,
		ConfirmationTimeout: cfg.Wallet.ConfirmationTimeout.Std(),
		PollInterval:        cfg.Wallet.PollInterval.Std(),
	})
	if err != nil {
		return err
	}

	q, err := queue.New(queueConfig(cfg.Queue))
	if err != nil {
		return err
	}

	var executionStore execution.Store = execution.NewMemoryStore()
	var orderStore recurring.Store = recurring.NewMemoryStore()
	if db != nil {
		executionStore = execution.NewSQLStore(db)
		orderStore = recurring.NewSQLStore(db)
	}

	coordinator, err := execution.NewCoordinator(executionStore, q, strategies, executor, approvals,
		execution.WithWorkerCount(cfg.Queue.Workers),
		execution.WithStageTimeout(cfg.Execution.StageTimeout.Std()),
		execution.WithReconcileWindow(cfg.Execution.ReconcileWindow.Std()),
		execution.WithAlertDispatcher(alerter),
	)
	if err != nil {
		_ = q.Close()
		return err
	}
	cleanup.add(coordinator.Close)

	scheduler, err := recurring.NewScheduler(orderStore, coordinator,
		recurring.WithFailureThreshold(cfg.Scheduler.FailureThreshold),
		recurring.WithConcurrency(cfg.Scheduler.Concurrency),
		recurring.WithCycleTimeout(cfg.Scheduler.CycleTimeout.Std()),
		recurring.WithStaleClaimAge(cfg.Scheduler.StaleClaimAge.Std()),
		recurring.WithStrategies(strategies),
		recurring.WithLockFile(cfg.Scheduler.LockFile),
		recurring.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}
	keyring.SetGuard(scheduler)
	coordinator.OnReconciled(scheduler.OnReconciled)

	authService, err := auth.NewService(authConfig(cfg))
	if err != nil {
		return err
	}

	recovered, err := coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("恢复未完成的执行失败: %w", err)
	}
	log.Info("守护进程已就绪",
		slog.Int("recovered_executions", recovered),
		slog.Any("chains", chains.Chains()),
		slog.Any("strategies", strategies.Types()),
		slog.Any("signers", keyring.Addresses()),
	)

	server := api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Auth:            authService,
		Executions:      coordinator,
		Approvals:       approvals,
		Orders:          scheduler,
		ExposeMetrics:   cfg.Server.MetricsEnabled && cfg.Server.MetricsAddress == "",
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return coordinator.Run(groupCtx) })
	group.Go(func() error {
		approvals.Run(groupCtx, cfg.Approval.SweepInterval.Std())
		return nil
	})
	group.Go(func() error {
		coordinator.RunReconciler(groupCtx, cfg.Execution.ReconcileInterval.Std())
		return nil
	})
	if cfg.Scheduler.Enabled {
		group.Go(func() error { return scheduler.Run(groupCtx, cfg.Scheduler.Interval.Std()) })
	}
	if cfg.Server.MetricsEnabled && cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Server.MetricsAddress) })
	}
	group.Go(func() error { return server.Start(groupCtx) })

	if err := group.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	log.Info("守护进程已退出")
	return nil
}

func storageConfig(cfg *config.Config) sqldb.Config {
	return sqldb.Config{
		Driver:          sqldb.Dialect(cfg.Storage.Driver),
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
		AutoMigrate:     cfg.Storage.AutoMigrate,
	}
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.Auth.TokenTTL.Std(),
	}
}

func queueConfig(cfg config.QueueConfig) queue.Config {
	return queue.Config{
		Driver: cfg.Driver,
		Buffer: cfg.Buffer,
		Redis: queue.RedisConfig{
			Address:  cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    true,
			RetryDelay: cfg.RabbitMQ.RetryDelay.Std(),
			MaxRetries: cfg.RabbitMQ.MaxRetries,
		},
	}
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, stdErrors.New("Redis addr 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

func newApprovalStore(ctx context.Context, cfg *config.Config, db *sqldb.DB) (approval.Store, error) {
	switch cfg.Approval.Driver {
	case "redis":
		client, err := newRedisClient(ctx, cfg.Approval.Redis)
		if err != nil {
			return nil, err
		}
		return approval.NewRedisStore(client, cfg.Approval.Redis.Key), nil
	case "sql":
		return approval.NewSQLStore(db), nil
	default:
		return approval.NewMemoryStore(), nil
	}
}

// newFeeCache 在 Redis 不可用时退回进程内缓存。
func newFeeCache(ctx context.Context, cfg config.CacheConfig) (wallet.FeeCache, error) {
	if cfg.Driver != "redis" {
		return wallet.NewMemoryFeeCache(cfg.TTL.Std(), nil), nil
	}
	client, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return wallet.NewRedisFeeCache(client, cfg.Redis.Key, cfg.TTL.Std()), nil
}

// newKeyring 加载托管私钥与委托会话密钥目录。
func newKeyring(cfg config.SignerConfig) (*wallet.Keyring, error) {
	keyring := wallet.NewKeyring()
	keyCfg := ethereum.KeyConfig{
		PrivateKeyHex:    cfg.PrivateKey,
		PrivateKeyFile:   cfg.KeyFile,
		KeystorePath:     cfg.KeystorePath,
		KeystorePassword: cfg.KeystorePass,
	}
	if !keyCfg.Empty() {
		signer, err := ethereum.NewLocalSigner(keyCfg)
		if err != nil {
			return nil, fmt.Errorf("加载托管私钥失败: %w", err)
		}
		keyring.AddCustodial(signer)
	}
	delegates, err := ethereum.LoadKeyDir(cfg.DelegationsDir)
	if err != nil {
		return nil, fmt.Errorf("加载委托密钥失败: %w", err)
	}
	for _, signer := range delegates {
		keyring.AddDelegate(signer)
	}
	return keyring, nil
}

// newStrategies 注册内置转账策略与配置中的远端策略。
func newStrategies(cfg *config.Config) (*strategy.Registry, error) {
	handlers := []strategy.Handler{&strategy.Transfer{Network: cfg.Web3.DefaultChain}}
	for name, sc := range cfg.Strategies {
		remote, err := strategy.NewRemote(strategy.RemoteConfig{
			Type:     name,
			QuoteURL: sc.QuoteURL,
			BuildURL: sc.BuildURL,
			APIKey:   sc.APIKey,
			Timeout:  sc.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("策略 %s 配置无效: %w", name, err)
		}
		handlers = append(handlers, remote)
	}
	return strategy.NewRegistry(handlers...), nil
}

func riskPolicy(cfg config.WalletConfig) (wallet.RiskPolicy, error) {
	high, err := decimal.NewFromString(cfg.HighFeeThreshold)
	if err != nil {
		return wallet.RiskPolicy{}, fmt.Errorf("high_fee_threshold 无效: %w", err)
	}
	medium, err := decimal.NewFromString(cfg.MediumFeeThreshold)
	if err != nil {
		return wallet.RiskPolicy{}, fmt.Errorf("medium_fee_threshold 无效: %w", err)
	}
	if medium.GreaterThan(high) {
		return wallet.RiskPolicy{}, stdErrors.New("medium_fee_threshold 不能大于 high_fee_threshold")
	}
	return wallet.RiskPolicy{HighFee: high, MediumFee: medium, MaxSlippageBps: cfg.MaxSlippageBps}, nil
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout.Std()))
	}
	return alerting.NewFanout(notifiers...)
}
