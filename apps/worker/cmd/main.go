package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/optiview/remedy/apps/worker/config"
	"github.com/optiview/remedy/apps/worker/service/deploy"
	"github.com/optiview/remedy/apps/worker/service/detect"
	"github.com/optiview/remedy/apps/worker/service/fixgen"
	"github.com/optiview/remedy/apps/worker/service/sweep"
	"github.com/optiview/remedy/apps/worker/service/verify"
	"github.com/optiview/remedy/internal/events"
	"github.com/optiview/remedy/internal/lock"
	"github.com/optiview/remedy/internal/notify"
	"github.com/optiview/remedy/internal/store"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.WorkerConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "remedy_worker"
	}

	// Create service with Frame
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	dbManager := svc.DatastoreManager()
	evtsMan := svc.EventsManager()

	// Handle database migration
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)
	if cfg.DoDatabaseMigrate() {
		if err = store.Migrate(ctx, dbPool); err != nil {
			log.WithError(err).Fatal("could not migrate")
		}
		return
	}

	// ==========================================================================
	// Setup Repositories
	// ==========================================================================

	entityRepo := store.NewEntityRepository(ctx, dbPool)
	measurementRepo := store.NewMeasurementRepository(ctx, dbPool)
	auditRepo := store.NewAuditRepository(ctx, dbPool)
	issueRepo := store.NewIssueRepository(ctx, dbPool)
	fixRepo := store.NewFixRepository(ctx, dbPool)
	deploymentRepo := store.NewDeploymentRepository(ctx, dbPool)
	approvalRepo := store.NewApprovalRepository(ctx, dbPool)
	verificationRepo := store.NewVerificationRepository(ctx, dbPool)

	// ==========================================================================
	// Setup Services
	// ==========================================================================

	locks := setupLockManager(&cfg)
	notifier := setupNotifier(&cfg)

	detector := detect.NewDetector(&cfg, measurementRepo, auditRepo)
	generator := fixgen.NewGenerator()

	scheduler := verify.NewScheduler(
		cfg.VerificationDelay(),
		verificationRepo,
		measurementRepo,
		auditRepo,
	)

	evaluator := verify.NewEvaluator(
		verify.CheckPolicy(cfg.ExternalCheckPolicy),
		setupCheckers(&cfg),
		verificationRepo,
		measurementRepo,
		issueRepo,
		auditRepo,
		notifier,
	)

	mutationClient := deploy.NewSiteInjectClient(deploy.SiteInjectConfig{
		BaseURL:        cfg.SiteInjectBaseURL,
		APIKey:         cfg.SiteInjectAPIKey,
		TimeoutSeconds: cfg.SiteInjectTimeoutSeconds,
	})

	dispatcher := deploy.NewDispatcher(
		cfg.ApprovalConfidenceThreshold,
		mutationClient,
		deploymentRepo,
		approvalRepo,
		auditRepo,
		notifier,
		scheduler,
	)

	runner := sweep.NewRunner(
		detector,
		generator,
		dispatcher,
		entityRepo,
		issueRepo,
		fixRepo,
		approvalRepo,
		deploymentRepo,
		verificationRepo,
		locks,
		cfg.SweepLockTTL(),
	)

	// ==========================================================================
	// Register Subscribers
	// ==========================================================================

	approvalDecisionSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueApprovalDecisionName,
		cfg.QueueApprovalDecisionURI,
		sweep.NewApprovalDecisionHandler(fixRepo, approvalRepo, dispatcher),
	)

	// ==========================================================================
	// Register Event Handlers
	// ==========================================================================

	eventHandlers := frame.WithRegisterEvents(
		sweep.NewSweepCycleEvent(runner),
		sweep.NewVerificationPollEvent(evaluator, cfg.VerificationBatchSize),
	)

	// ==========================================================================
	// Setup Health Endpoint
	// ==========================================================================

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"worker"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"worker"}`))
	})

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		approvalDecisionSubscriber,
		eventHandlers,
	}

	svc.Init(ctx, serviceOptions...)

	startTickers(ctx, &cfg, evtsMan)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting remediation worker service...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// eventsEmitter emits events through the frame events manager.
type eventsEmitter interface {
	Emit(ctx context.Context, eventName string, payload any) error
}

// startTickers triggers the sweep and verification loops on their
// configured intervals until the context ends.
func startTickers(ctx context.Context, cfg *appconfig.WorkerConfig, emitter eventsEmitter) {
	go tick(ctx,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		func(now time.Time) error {
			return emitter.Emit(ctx, events.SweepCycleRequested,
				&events.SweepCyclePayload{TriggeredAt: now})
		},
	)
	go tick(ctx,
		time.Duration(cfg.VerificationPollMinutes)*time.Minute,
		func(now time.Time) error {
			return emitter.Emit(ctx, events.VerificationPollRequested,
				&events.VerificationPollPayload{TriggeredAt: now})
		},
	)
}

func tick(ctx context.Context, interval time.Duration, emit func(now time.Time) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := emit(now); err != nil {
				util.Log(ctx).WithError(err).Error("emit tick event")
			}
		}
	}
}

func setupLockManager(cfg *appconfig.WorkerConfig) lock.Manager {
	if cfg.RedisAddr == "" {
		return lock.NewMemoryManager()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return lock.NewRedisManager(client)
}

func setupNotifier(cfg *appconfig.WorkerConfig) notify.Dispatcher {
	if cfg.WebhookURL == "" {
		return notify.NopDispatcher{}
	}
	return notify.NewWebhookDispatcher(
		cfg.WebhookURL,
		time.Duration(cfg.WebhookTimeoutSeconds)*time.Second,
	)
}

func setupCheckers(cfg *appconfig.WorkerConfig) []verify.Checker {
	return []verify.Checker{
		verify.NewRichResultsChecker(verify.CheckConfig{
			BaseURL:        cfg.RichResultsBaseURL,
			APIKey:         cfg.ExternalCheckAPIKey,
			TimeoutSeconds: cfg.ExternalCheckTimeoutSeconds,
		}),
		verify.NewAnswerEngineChecker(verify.CheckConfig{
			BaseURL:        cfg.AnswerEngineBaseURL,
			APIKey:         cfg.ExternalCheckAPIKey,
			TimeoutSeconds: cfg.ExternalCheckTimeoutSeconds,
		}),
	}
}
