package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"

	appconfig "github.com/optiview/remedy/apps/gateway/config"
	"github.com/optiview/remedy/apps/gateway/middleware"
	"github.com/optiview/remedy/apps/gateway/service/handlers"
	"github.com/optiview/remedy/internal/store"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.GatewayConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "remedy_gateway"
	}

	// Create service with Frame
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
		frame.WithRegisterServerOauth2Client(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qMan := svc.QueueManager()
	dbPool := svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName)

	// ==========================================================================
	// Setup Repositories
	// ==========================================================================

	approvalRepo := store.NewApprovalRepository(ctx, dbPool)
	fixRepo := store.NewFixRepository(ctx, dbPool)
	issueRepo := store.NewIssueRepository(ctx, dbPool)

	// ==========================================================================
	// Register Publishers
	// ==========================================================================

	decisionPublisher := frame.WithRegisterPublisher(
		cfg.QueueApprovalDecisionName,
		cfg.QueueApprovalDecisionURI,
	)

	// ==========================================================================
	// Setup HTTP Server
	// ==========================================================================

	authenticator := svc.SecurityManager().GetAuthenticator(ctx)
	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimitRequestsPerMinute,
		cfg.RateLimitBurstSize,
		"/health", "/ready",
	)

	approvalHandler := handlers.NewApprovalHandler(&cfg, approvalRepo, fixRepo, qMan, handlers.ReviewerFromClaims)
	issueHandler := handlers.NewIssueHandler(issueRepo)

	api := http.NewServeMux()
	api.HandleFunc("/v1/approvals", requireMethod(http.MethodGet, approvalHandler.List))
	api.HandleFunc("/v1/approvals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve"):
			approvalHandler.Approve(w, r)
		case strings.HasSuffix(r.URL.Path, "/reject"):
			approvalHandler.Reject(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	api.HandleFunc("/v1/issues", requireMethod(http.MethodGet, issueHandler.List))

	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"gateway"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"gateway"}`))
	})

	mux.Handle("/v1/", rateLimiter.Middleware(authMiddleware.Middleware(api)))

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		decisionPublisher,
	}

	svc.Init(ctx, serviceOptions...)

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting approval gateway service...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
