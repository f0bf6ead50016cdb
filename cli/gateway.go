package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"marketplace-gateway/approval"
	"marketplace-gateway/circuit"
	"marketplace-gateway/config"
	"marketplace-gateway/controllers"
	"marketplace-gateway/database"
	"marketplace-gateway/intake"
	"marketplace-gateway/marketplace"
	"marketplace-gateway/notify"
	"marketplace-gateway/question"
	"marketplace-gateway/ratelimit"
	"marketplace-gateway/store"
	"marketplace-gateway/worker"
	"marketplace-gateway/workflow"
)

const redisPrefix = "gw:"

// gateway is every component of a running instance, wired from config.
type gateway struct {
	cfg    config.Config
	logger *slog.Logger
	db     *gorm.DB
	redis  redis.UniversalClient

	store    *store.Store
	intake   *intake.Intake
	tokens   *approval.Service
	breakers map[string]*circuit.Breaker
	workflow *workflow.Workflow
	pool     *worker.Pool
	retrier  *worker.Retrier
	sweeper  *worker.Sweeper
}

func (g *gateway) Close() {
	if g.redis != nil {
		g.redis.Close()
	}
	if sqlDB, err := g.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// shared returns the rate-limit and circuit stores. Without Redis they live
// in process, which is only correct for a single replica.
func (g *gateway) shared(ctx context.Context) (ratelimit.Limiter, circuit.Store, error) {
	if g.cfg.Redis.Addr == "" {
		g.logger.Warn("REDIS_ADDR not set, rate limits and circuit state are per process")
		return ratelimit.NewMemory(time.Now), circuit.NewMemory(time.Now), nil
	}
	g.redis = redis.NewClient(&redis.Options{
		Addr:     g.cfg.Redis.Addr,
		Password: g.cfg.Redis.Password,
		DB:       g.cfg.Redis.DB,
	})
	if err := g.redis.Ping(ctx).Err(); err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedis(g.redis, redisPrefix, time.Now), circuit.NewRedis(g.redis, redisPrefix), nil
}

func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	g := &gateway{cfg: cfg, logger: logger, db: db}

	limiter, circuits, err := g.shared(ctx)
	if err != nil {
		g.Close()
		return nil, err
	}

	g.store = store.New(db)
	g.intake = intake.New(g.store, intake.WithLogger(logger))
	g.tokens = approval.New(g.store, approval.WithLogger(logger))

	breakerCfg := circuit.Config{
		Threshold:    cfg.Circuit.Threshold,
		BaseBackoff:  cfg.Circuit.BaseBackoff,
		MaxBackoff:   cfg.Circuit.MaxBackoff,
		TrialTimeout: cfg.Circuit.TrialTimeout,
		IdleReset:    cfg.Circuit.IdleReset,
	}
	recorder := circuit.StoreRecorder{Store: g.store}
	newBreaker := func(downstream string) *circuit.Breaker {
		return circuit.New(circuits, breakerCfg,
			circuit.WithRecorder(recorder),
			circuit.WithLogger(logger.With("downstream", downstream)))
	}
	g.breakers = map[string]*circuit.Breaker{
		marketplace.DownstreamMarketplace: newBreaker(marketplace.DownstreamMarketplace),
		marketplace.DownstreamAI:          newBreaker(marketplace.DownstreamAI),
	}

	marketGuard := marketplace.NewGuard(marketplace.DownstreamMarketplace, ratelimit.Budget{
		Limiter:      limiter,
		Namespace:    marketplace.DownstreamMarketplace,
		AccountLimit: cfg.RateLimit.AccountLimit,
		OrgLimit:     cfg.RateLimit.OrgLimit,
		Window:       cfg.RateLimit.Window,
	}, g.breakers[marketplace.DownstreamMarketplace], cfg.Marketplace.Timeout, marketplace.WithGuardLogger(logger))
	aiGuard := marketplace.NewGuard(marketplace.DownstreamAI, ratelimit.Budget{
		Limiter:      limiter,
		Namespace:    marketplace.DownstreamAI,
		AccountLimit: cfg.AI.HourlyLimit,
		Window:       time.Hour,
	}, g.breakers[marketplace.DownstreamAI], cfg.AI.Timeout, marketplace.WithGuardLogger(logger))

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, 0)
	}

	g.workflow = workflow.New(workflow.Deps{
		Store:       g.store,
		Machine:     question.NewMachine(g.store, question.WithLogger(logger)),
		Tokens:      g.tokens,
		Marketplace: marketplace.NewClient(cfg.Marketplace.BaseURL, marketGuard, nil),
		AI:          marketplace.NewAIClient(cfg.AI.WebhookURL, cfg.AI.CallbackURL, cfg.AI.SigningSecret, aiGuard, nil),
		Notifier:    notifier,
	}, workflow.Config{
		ApprovalBaseURL: cfg.Approval.BaseURL,
		TokenTTL:        cfg.Approval.TokenTTL,
		MaxRetries:      cfg.Workers.MaxRetries,
	}, workflow.WithLogger(logger))

	w := cfg.Workers
	g.pool = worker.NewPool(g.intake, g.store, g.workflow.HandleRecord, worker.PoolConfig{
		Workers:      w.Count,
		QueueSize:    w.QueueSize,
		PollInterval: w.PollInterval,
	}, worker.WithLogger(logger))
	g.retrier = worker.NewRetrier(g.store, g.workflow, worker.RetrierConfig{
		FailedAfter: w.RetryInterval,
		StaleAfter:  w.StalePending,
	}, worker.WithLogger(logger))
	g.sweeper = worker.NewSweeper(g.store, g.intake, worker.SweeperConfig{
		SweepAfter:    w.SweepAfter,
		LeaseDuration: w.LeaseDuration,
	}, worker.WithLogger(logger))
	return g, nil
}

func (g *gateway) controller() *controllers.Controller {
	return controllers.New(controllers.Deps{
		Store:    g.store,
		Intake:   g.intake,
		Workflow: g.workflow,
		Tokens:   g.tokens,
		PIN:      approval.NewPINGate(g.cfg.Approval.PINHash),
		Breakers: g.breakers,
		Enqueue:  g.pool.Enqueue,
		Logger:   g.logger,
	})
}
