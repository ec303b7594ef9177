package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	// Autoloads .env file to supply environment variables
	_ "github.com/joho/godotenv/autoload"

	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/batch"
	"github.com/lildude/racesync/internal/cache"
	"github.com/lildude/racesync/internal/classifier"
	"github.com/lildude/racesync/internal/config"
	"github.com/lildude/racesync/internal/database"
	"github.com/lildude/racesync/internal/eventgroup"
	"github.com/lildude/racesync/internal/fetcher"
	"github.com/lildude/racesync/internal/handlers/api"
	"github.com/lildude/racesync/internal/handlers/callback"
	"github.com/lildude/racesync/internal/handlers/webhook"
	"github.com/lildude/racesync/internal/logger"
	"github.com/lildude/racesync/internal/namer"
	"github.com/lildude/racesync/internal/queue"
	"github.com/lildude/racesync/internal/races"
	"github.com/lildude/racesync/internal/ratelimit"
	"github.com/lildude/racesync/internal/strava"
	"github.com/lildude/racesync/internal/synclog"
	"github.com/lildude/racesync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logr := logger.NewLogger(cfg.Logging.Level)
	ctx := context.Background()

	db, err := database.InitDB(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to initialise database: %v", err)
	}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rc.Close()
		store = ratelimit.NewRedisStore(rc, cfg.RateLimit.LongWindow)
	}
	limiter := ratelimit.New(cfg.Strava.ClientID, store, ratelimit.Config{
		ShortWindow:  cfg.RateLimit.ShortWindow,
		LongWindow:   cfg.RateLimit.LongWindow,
		ShortCeiling: cfg.RateLimit.ShortLimit,
		LongCeiling:  cfg.RateLimit.LongLimit,
		Margin:       cfg.RateLimit.SafetyMargin,
	})

	baseURL, err := url.Parse(cfg.Strava.BaseURL)
	if err != nil {
		log.Fatalf("Invalid Strava base URL: %v", err)
	}
	f := fetcher.New(baseURL, limiter, cfg.Strava.FetchTimeout, logr)

	tokens := athletes.New(db, strava.OAuthConfig(cfg.Strava.ClientID, cfg.Strava.ClientSecret, cfg.Strava.RedirectURI), logr)
	raceStore := races.New(db, classifier.New(cfg.Sync.HideParkruns), logr)
	q := queue.New(db)
	batches := batch.New(db)
	logs := synclog.New(db, logr)

	b := cfg.Sync.BatchSizes
	w := worker.New(q, batches, f, limiter, raceStore, tokens, logs, logr, worker.Config{
		BatchSizes:        worker.BatchSizes{Initial: b.Initial, Incremental: b.Incremental, Full: b.Full},
		MaxBatchesPerTick: cfg.Sync.MaxBatchesPerTick,
		MaxFailedBatches:  cfg.Sync.MaxFailedBatches,
		EnrichInitial:     cfg.Sync.EnrichInitial,
		StaleBatchAfter:   cfg.Sync.StaleBatchAfter,
	})

	var n namer.Namer = namer.Disabled{}
	if cfg.Gemini.APIKey != "" {
		g, err := namer.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.Timeout, logr)
		if err != nil {
			log.Fatalf("Failed to create event namer: %v", err)
		}
		defer g.Close()
		n = g
	} else {
		logr.Warn("gemini api key not set, event names will use the fallback")
	}
	grouper := eventgroup.New(db, raceStore, n, eventgroup.Config{
		ScanLimit:             cfg.Grouping.ScanLimit,
		MaxClustersPerRun:     cfg.Grouping.MaxClustersPerRun,
		AutoApproveConfidence: cfg.Grouping.AutoApproveConfidence,
		AutoApproveMinRaces:   cfg.Grouping.AutoApproveMinRaces,
	}, logr)

	h := api.NewHandler(api.Deps{
		Worker:       w,
		Queue:        q,
		Batches:      batches,
		Logs:         logs,
		Races:        raceStore,
		Athletes:     tokens,
		Grouper:      grouper,
		LogRetention: cfg.Logging.Retention,
	}, logr)
	router := api.NewRouter(h, api.Public{
		Challenge: callback.Handler(cfg.Strava.VerifyToken, logr),
		Events:    webhook.Handler(q, tokens, logr),
	}, cfg.Server.AdminToken)

	if cfg.Server.AdminToken == "" {
		logr.Warn("admin token not set, the sync API is disabled")
	}

	port := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Println("Starting server on port", port)
	log.Fatal(srv.ListenAndServe())
}
