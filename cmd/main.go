package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	redisbus "github.com/atlascdp/identity-backend/internal/clients/redis"
	"github.com/atlascdp/identity-backend/internal/data"
	"github.com/atlascdp/identity-backend/internal/db"
	"github.com/atlascdp/identity-backend/internal/engine/identity"
	"github.com/atlascdp/identity-backend/internal/engine/locks"
	"github.com/atlascdp/identity-backend/internal/engine/merge"
	"github.com/atlascdp/identity-backend/internal/engine/rfm"
	"github.com/atlascdp/identity-backend/internal/engine/segment"
	"github.com/atlascdp/identity-backend/internal/graph"
	"github.com/atlascdp/identity-backend/internal/handlers"
	"github.com/atlascdp/identity-backend/internal/jobs"
	"github.com/atlascdp/identity-backend/internal/logger"
	"github.com/atlascdp/identity-backend/internal/middleware"
	"github.com/atlascdp/identity-backend/internal/observability"
	"github.com/atlascdp/identity-backend/internal/repos"
	"github.com/atlascdp/identity-backend/internal/server"
	"github.com/atlascdp/identity-backend/internal/services"
	"github.com/atlascdp/identity-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: utils.GetEnv("SERVICE_NAME", "identity-backend", log),
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "", log),
	})
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("API_JWT_SECRET", "defaultsecret", log)
	lockWaitMS := utils.GetEnvAsInt("LOCK_WAIT_MS", 2000, log)
	mergeThreshold := utils.GetEnvAsFloat("MERGE_THRESHOLD", 0.8, log)
	confidenceIncrement := utils.GetEnvAsFloat("CONFIDENCE_INCREMENT", 0.1, log)
	baseConfidence := utils.GetEnvAsFloat("BASE_CONFIDENCE", 0.1, log)
	autoMerge := utils.GetEnvAsBool("AUTO_MERGE_ENABLED", false, log)
	rfmWindowDays := utils.GetEnvAsInt("RFM_WINDOW_DAYS", 365, log)
	segmentBatchSize := utils.GetEnvAsInt("SEGMENT_BATCH_SIZE", 500, log)
	segmentParallelism := utils.GetEnvAsInt("SEGMENT_PARALLELISM", 4, log)
	previewSampleLimit := utils.GetEnvAsInt("SEGMENT_PREVIEW_SAMPLE", 5000, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	profileRepo := repos.NewProfileRepo(thePG, log)
	identifierRepo := repos.NewIdentifierRepo(thePG, log)
	linkRepo := repos.NewIdentityLinkRepo(thePG, log)
	mergeRepo := repos.NewProfileMergeRepo(thePG, log)
	eventRepo := repos.NewEventRepo(thePG, log)
	rfmScoreRepo := repos.NewRFMScoreRepo(thePG, log)
	segmentRepo := repos.NewSegmentRepo(thePG, log)
	memberRepo := repos.NewSegmentMemberRepo(thePG, log)
	jobRepo := repos.NewJobRunRepo(thePG, log)

	// Engine
	log.Info("Setting up engine from main...")
	engineStore := data.NewEngineStore(
		thePG, log,
		profileRepo, identifierRepo, linkRepo, mergeRepo,
		eventRepo, rfmScoreRepo, segmentRepo, memberRepo,
	)
	lockMgr := locks.NewManager()
	lockWait := time.Duration(lockWaitMS) * time.Millisecond

	identityCfg := identity.DefaultConfig()
	identityCfg.BaseConfidence = baseConfidence
	identityCfg.ConfidenceIncrement = confidenceIncrement
	identityCfg.MergeThreshold = mergeThreshold
	identityCfg.LockWait = lockWait
	resolver := identity.NewResolver(engineStore, lockMgr, identityCfg, log)

	mergeCfg := merge.DefaultConfig()
	mergeCfg.LockWait = lockWait
	mergeEngine := merge.NewEngine(engineStore, lockMgr, mergeCfg, log)

	rfmEngine := rfm.NewEngine(engineStore, log)
	materializer := segment.NewMaterializer(engineStore, log, segmentBatchSize, segmentParallelism)
	schema := segment.DefaultSchema()

	// Optional infrastructure
	graphClient, err := graph.NewFromEnv(log)
	if err != nil {
		log.Warn("Identity graph mirror disabled", "error", err)
	}
	if graphClient != nil {
		defer graphClient.Close(context.Background())
	}
	bus, err := redisbus.NewEventBus(log)
	if err != nil {
		log.Warn("Redis event bus disabled", "error", err)
	}
	if bus != nil {
		defer bus.Close()
	}

	// Services
	log.Info("Setting up Services from main...")
	profileService := services.NewProfileService(thePG, log, profileRepo, identifierRepo, linkRepo, identityCfg.MaxRedirectHops)
	mergeService := services.NewMergeService(thePG, log, mergeEngine, mergeRepo, identifierRepo, bus, graphClient)
	eventService := services.NewEventService(
		thePG, log, resolver, mergeEngine, lockMgr, lockWait,
		profileRepo, identifierRepo, eventRepo, bus, graphClient, autoMerge,
	)
	rfmService := services.NewRFMService(thePG, log, rfmEngine, rfmScoreRepo, jobRepo, bus, rfmWindowDays)
	segmentService := services.NewSegmentService(
		thePG, log, materializer, schema,
		segmentRepo, memberRepo, profileRepo, jobRepo, bus, previewSampleLimit,
	)
	jobService := services.NewJobService(thePG, log, jobRepo)

	// Job worker
	worker := jobs.NewWorker(thePG, log, jobRepo)
	worker.RegisterDefaults(rfmService, segmentService)
	worker.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	profileHandler := handlers.NewProfileHandler(profileService, rfmService, mergeService, eventService)
	mergeHandler := handlers.NewMergeHandler(mergeService)
	rfmHandler := handlers.NewRFMHandler(rfmService)
	segmentHandler := handlers.NewSegmentHandler(segmentService)
	eventHandler := handlers.NewEventHandler(eventService)
	jobHandler := handlers.NewJobHandler(jobService)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log, jwtSecretKey)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ServiceName:    utils.GetEnv("SERVICE_NAME", "identity-backend", log),
		AllowOrigins:   splitOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log)),
		AuthMiddleware: authMiddleware,
		ProfileHandler: profileHandler,
		MergeHandler:   mergeHandler,
		RFMHandler:     rfmHandler,
		SegmentHandler: segmentHandler,
		EventHandler:   eventHandler,
		JobHandler:     jobHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
