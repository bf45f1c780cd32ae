package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"mediagate/config"
	"mediagate/internal/catalog"
	"mediagate/internal/delivery"
	"mediagate/internal/freetier"
	"mediagate/internal/httpapi"
	"mediagate/internal/ingress"
	"mediagate/internal/job"
	"mediagate/internal/kieclient"
	"mediagate/internal/messages"
	"mediagate/internal/platform/noop"
	"mediagate/internal/ratelimit"
	"mediagate/internal/singleton"
	"mediagate/internal/storage"
	"mediagate/internal/wallet"
	"mediagate/pkg/cache"
	"mediagate/pkg/logger"
	streams "mediagate/pkg/queue"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var Cfg config.GatewayConfig

const deliverStream = "deliver_job"
const deliverGroup = "delivery_workers"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	configPath := config.Path(root).Join("config.toml")

	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("mediagate starting", zap.String("bot_mode", Cfg.Bot.Mode), zap.String("storage_mode", Cfg.Storage.Mode))

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	redisCache, err := cache.New(redisCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize redis cache: %w", err)
	}
	defer redisCache.Close()

	queue := streams.NewStreamQueue(redisCache.Client())

	var dbCfg storage.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// The model catalog loader itself is an external collaborator
	// (spec.md §1 "Out of scope"); this seed stands in for it until
	// that component is wired, giving the API client and job engine a
	// non-empty lookup table to validate against and price from.
	cat := seedCatalog()

	walletSvc := wallet.NewService(db)
	httpClient := kieclient.New(Cfg.KIE.APIURL, Cfg.KIE.APIKey, cat, nil)

	callbackURL := ""
	if Cfg.Bot.WebhookBaseURL != "" {
		callbackURL = Cfg.Bot.WebhookBaseURL + "/callbacks/kie"
		if Cfg.Bot.WebhookSecretPath != "" {
			callbackURL += "/" + strings.TrimPrefix(Cfg.Bot.WebhookSecretPath, "/")
		}
	}
	jobSvc := job.NewService(db, walletSvc, httpClient, queue, cat, callbackURL)

	sender := noop.New()
	if Cfg.Telegram.BotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, delivery will use the no-op sender")
	}
	deliverySvc := delivery.NewService(db, sender)

	instanceName, _ := os.Hostname()
	if instanceName == "" {
		instanceName = fmt.Sprintf("mediagate-%d", time.Now().Unix())
	}
	coordinator := singleton.New(db, instanceName)
	go coordinator.Run(ctx)

	if err := queue.DeclareStream(ctx, deliverStream, deliverGroup); err != nil {
		logger.Warn("failed to declare delivery stream consumer group", zap.Error(err))
	}
	consumerName := fmt.Sprintf("delivery-%s-%d", instanceName, time.Now().Unix())
	go consumeDeliveryHandoffs(ctx, queue, deliverySvc, coordinator, consumerName)

	go runSweepLoop(ctx, jobSvc, deliverySvc, coordinator)

	// The job-submission half of the gateway: rate limiting and the
	// free-tier accountant gate every request before it ever reaches
	// jobSvc.CreateJob, and the ingress dispatcher gives it the same
	// dedup/correlation-ID handling the (out-of-scope) chat-platform
	// adapter would get.
	limiter := ratelimit.New()
	freeSvc := freetier.NewService(db)
	dispatcher := ingress.NewDispatcher(db, instanceName)

	pricing := httpapi.PricingConfig{
		USDToRUB:        decimal.NewFromFloat(Cfg.Pricing.USDToRUB),
		PriceMultiplier: decimal.NewFromFloat(Cfg.Pricing.PriceMultiplier),
	}

	handler := httpapi.NewHandler(jobSvc, coordinator, queue, cat, limiter, freeSvc, dispatcher, pricing, Cfg.Bot.WebhookSecretPath, Cfg.Bot.WebhookSecretToken)
	app := httpapi.NewRouter(handler)

	go func() {
		addr := ":" + Cfg.Server.Port
		logger.Info("http server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	_ = app.Shutdown()
	time.Sleep(2 * time.Second)
	logger.Info("mediagate shut down gracefully")

	return nil
}

// consumeDeliveryHandoffs drains the delivery hand-off stream produced
// by the job engine's callback applier. Only the active instance acts
// on a message; a passive instance acks it without sending so it is
// not redelivered once the stream's consumer group advances, trusting
// the periodic RetryUndelivered sweep (run only when active) to pick
// up anything a failover leaves unsent.
func consumeDeliveryHandoffs(ctx context.Context, queue *streams.StreamQueue, deliverySvc *delivery.Service, coordinator *singleton.Coordinator, consumerName string) {
	err := queue.Consume(ctx, deliverStream, deliverGroup, consumerName, func(messageID string, data []byte) error {
		if !coordinator.Active() {
			return nil
		}
		msg, err := messages.FromJSONDeliverJob(data)
		if err != nil {
			logger.Warn("delivery hand-off message unreadable, dropping", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		if _, err := deliverySvc.Deliver(ctx, "", msg.JobID); err != nil {
			logger.Warn("delivery hand-off failed, will retry via sweep", zap.String("job_id", msg.JobID), zap.Error(err))
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("delivery consumer stopped unexpectedly", zap.Error(err))
	}
}

// runSweepLoop runs the stale-job sweeper, the stuck-payment sweeper,
// the orphan reconciler, and the undelivered-job retry loop on a
// shared timer, skipping all of them while this instance is passive
// (spec.md §4.9: only the active instance drives side effects).
func runSweepLoop(ctx context.Context, jobSvc *job.Service, deliverySvc *delivery.Service, coordinator *singleton.Coordinator) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !coordinator.Active() {
				continue
			}
			if err := jobSvc.SweepStaleJobs(ctx); err != nil {
				logger.Error("stale-job sweep failed", zap.Error(err))
			}
			if err := jobSvc.SweepStuckPayments(ctx); err != nil {
				logger.Error("stuck-payment sweep failed", zap.Error(err))
			}
			if err := jobSvc.ReconcileOrphans(ctx); err != nil {
				logger.Error("orphan reconciliation failed", zap.Error(err))
			}
			if err := deliverySvc.RetryUndelivered(ctx, ""); err != nil {
				logger.Error("undelivered-job retry failed", zap.Error(err))
			}
		}
	}
}

// seedCatalog stands in for the external model-catalog loader
// (spec.md §1 Non-goals). One model per delivery category exercises
// every fallback chain the Delivery Coordinator implements.
func seedCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Model{
		{ModelID: "flux-pro", Category: catalog.CategoryImage, PriceUSD: decimal.NewFromFloat(0.05), Enabled: true},
		{ModelID: "flux-upscale", Category: catalog.CategoryUpscale, PriceUSD: decimal.NewFromFloat(0.02), Enabled: true},
		{ModelID: "kling-video", Category: catalog.CategoryVideo, PriceUSD: decimal.NewFromFloat(0.40), Enabled: true},
		{ModelID: "suno-audio", Category: catalog.CategoryAudio, PriceUSD: decimal.NewFromFloat(0.10), Enabled: true},
		{ModelID: "flux-schnell", Category: catalog.CategoryImage, PriceUSD: decimal.NewFromFloat(0.0), FreeTier: true, Enabled: true},
	})
}
