package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"selfclaw/internal/agentauth"
	"selfclaw/internal/api"
	"selfclaw/internal/commerce"
	"selfclaw/internal/config"
	"selfclaw/internal/storage/mysql"
	"selfclaw/internal/web3/provider"
	"selfclaw/pkg/logger"
)

// main 是 selfclaw 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("selfclawd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SELFCLAW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "selfclaw.json")
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
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	registry, err := createRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := registry.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	guard, err := createReplayGuard(ctx, cfg)
	if err != nil {
		return err
	}

	authService, err := agentauth.NewService(registry, guard)
	if err != nil {
		return err
	}

	var purchaseStore commerce.Store
	switch cfg.Storage.PurchaseStore.Driver {
	case "", "memory":
		purchaseStore = commerce.NewMemoryStore()
	case "mysql":
		store, err := mysql.NewSQLPurchaseStore(ctx, mysql.Config{
			DSN:             cfg.Storage.PurchaseStore.DSN,
			MaxOpenConns:    cfg.Storage.PurchaseStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.PurchaseStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.PurchaseStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.PurchaseStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		purchaseStore = store
	default:
		return fmt.Errorf("未知的购买存储驱动: %s", cfg.Storage.PurchaseStore.Driver)
	}
	defer func() {
		if purchaseStore != nil {
			_ = purchaseStore.Close()
		}
	}()

	publisher, err := createPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				log.Printf("关闭活动事件发布器失败: %v", err)
			}
		}
	}()

	signingKey := strings.TrimSpace(os.Getenv(cfg.Escrow.SigningKeyEnv))
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3, signingKey)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	escrowAddress := strings.TrimSpace(cfg.Escrow.Address)
	if escrowAddress == "" {
		// 未显式配置时使用托管私钥推导出的账户地址。
		if custodian, ok := chainClient.(interface{ CustodianAddress() string }); ok {
			escrowAddress = custodian.CustodianAddress()
		}
	}

	catalog, err := createSkillCatalog(cfg)
	if err != nil {
		return err
	}

	commerceService, err := commerce.NewService(commerce.Config{
		EscrowAddress:  escrowAddress,
		PriceToken:     cfg.Escrow.PriceToken,
		RequirementTTL: time.Duration(cfg.Escrow.RequirementTTLSeconds) * time.Second,
	}, purchaseStore, chainClient, registry, catalog, publisher)
	if err != nil {
		return err
	}
	commerceService.Start(ctx)

	server := api.NewServer(cfg.Server.Address, authService, commerceService)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createRegistry 根据配置选择智能体注册表驱动，并写入预置身份。
func createRegistry(ctx context.Context, cfg *config.Config) (agentauth.Registry, error) {
	seeds := make([]agentauth.AgentIdentity, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, agentauth.AgentIdentity{
			PublicKey:     seed.PublicKey,
			HumanID:       seed.HumanID,
			APIKey:        seed.APIKey,
			WalletAddress: seed.WalletAddress,
		})
	}

	switch cfg.Auth.RegistryDriver {
	case "", "memory":
		return agentauth.NewMemoryRegistry(seeds), nil
	case "mysql":
		store, err := mysql.NewSQLAgentRegistry(ctx, mysql.Config{
			DSN:             cfg.Storage.PurchaseStore.DSN,
			MaxOpenConns:    cfg.Storage.PurchaseStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.PurchaseStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.PurchaseStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.PurchaseStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		for _, seed := range seeds {
			if err := store.ApplySeed(ctx, seed); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的注册表驱动: %s", cfg.Auth.RegistryDriver)
	}
}

// createReplayGuard 根据配置选择重放保护驱动。多实例部署必须使用
// redis，否则每个进程只能看到自己消费过的 nonce。
func createReplayGuard(ctx context.Context, cfg *config.Config) (agentauth.ReplayGuard, error) {
	switch cfg.Auth.ReplayDriver {
	case "", "memory":
		guard := agentauth.NewMemoryReplayGuard()
		guard.StartSweeper(ctx)
		return guard, nil
	case "redis":
		return agentauth.NewRedisReplayGuard(agentauth.RedisReplayGuardConfig{
			Address:  cfg.Auth.Redis.Address,
			Password: cfg.Auth.Redis.Password,
			DB:       cfg.Auth.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的重放保护驱动: %s", cfg.Auth.ReplayDriver)
	}
}

func createPublisher(cfg *config.Config) (commerce.ActivityPublisher, error) {
	switch cfg.Activity.Driver {
	case "", "none":
		return commerce.NopPublisher{}, nil
	case "rabbitmq":
		return commerce.NewRabbitMQPublisher(commerce.RabbitMQPublisherConfig{
			URL:     cfg.Activity.RabbitMQ.URL,
			Queue:   cfg.Activity.RabbitMQ.Queue,
			Durable: cfg.Activity.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的活动事件驱动: %s", cfg.Activity.Driver)
	}
}

func createSkillCatalog(cfg *config.Config) (*commerce.MemorySkillCatalog, error) {
	offers := make([]commerce.SkillOffer, 0, len(cfg.Skills))
	for _, seed := range cfg.Skills {
		price := big.NewInt(0)
		if raw := strings.TrimSpace(seed.Price); raw != "" {
			value, ok := new(big.Int).SetString(raw, 10)
			if !ok || value.Sign() < 0 {
				return nil, fmt.Errorf("技能 %s 的价格无效: %s", seed.SkillID, seed.Price)
			}
			price = value
		}
		offers = append(offers, commerce.SkillOffer{
			SkillID:         seed.SkillID,
			SellerPublicKey: seed.SellerPublicKey,
			Price:           price,
			Description:     seed.Description,
		})
	}
	return commerce.NewMemorySkillCatalog(offers), nil
}
