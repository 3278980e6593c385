package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/api"
	"olmoplayground/internal/auth"
	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
	"olmoplayground/internal/service/ai"
	"olmoplayground/internal/service/safety"
	"olmoplayground/internal/service/thread"
	"olmoplayground/internal/storage"
	"olmoplayground/internal/tracing"
	"olmoplayground/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("OLMO_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, logg, cfg.Otel)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		logg.Fatal("open database", "error", err)
	}
	defer db.Close()
	// Create tables: completion, message, label
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		logg.Fatal("migrate database", "error", err)
	}
	store := storage.NewMessageStore(db)

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		logg.Fatal("create redis client", "error", err)
	}
	defer rdb.Close()

	files := newFileStore(ctx, logg, cfg.Storage)

	registry := ai.NewRegistry()
	registry.Register(models.HostOpenAICompat, ai.NewOpenAICompatEngine(logg, cfg.Inference.OpenAICompat))
	registry.Register(models.HostToolAgent, ai.NewAgentEngine(logg, cfg.Inference.Agents))
	registry.Register(models.HostQueue, ai.NewQueueEngine(logg, rdb, cfg.Inference.QueuePrefix))
	registry.Register(models.HostMock, ai.NewMockEngine())
	guard := ai.NewGuard(logg, cfg.Inference.FirstChunkTimeout)

	tools := ai.NewToolRegistry(logg, cfg.Tools)
	tools.InitToolsChain(ctx, cfg.Tools)
	defer tools.Close()

	gate, video, closeSafety := newSafety(ctx, logg, cfg, store, files, rdb)
	defer closeSafety()

	assembler := thread.NewAssembler(logg, store, tools, cfg)
	orchestrator := thread.NewOrchestrator(logg, store, registry, guard, tools, files, video, cfg.Storage)
	threads := thread.NewService(logg, cfg, store, assembler, gate, orchestrator, worker.NewTurnTracker(logg, rdb), files)

	thread.NewCleaner(logg, store, files, cfg.Cleanup.StaleTurnAfter).Start(ctx, cfg.Cleanup.Interval)

	workers := worker.NewManager(logg, cfg.Worker)
	defer workers.Stop()

	authService := auth.NewService(logg, cfg.Auth, rdb)
	handlers := api.NewHandler(logg, threads, authService, workers)

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := api.NewRouter(logg, cfg.Otel.ServiceName)
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Server.Address, Handler: router}
	go func() {
		logg.Info("server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logg.Error("server shutdown", "error", err)
	}
}

// newFileStore uses GCS when a bucket is configured and an in-memory store
// otherwise.
func newFileStore(ctx context.Context, logg *logger.Logger, cfg config.StorageConfig) filestore.Store {
	if cfg.PublicBucket == "" {
		logg.Warn("no public bucket configured, uploads are kept in memory")
		return filestore.NewMemory(cfg.PublicBaseURL)
	}
	gcs, err := filestore.NewGCS(ctx, logg, cfg.PublicBaseURL)
	if err != nil {
		logg.Fatal("init gcs", "error", err)
	}
	return gcs
}

// newSafety builds the pre-generation gate and, when enabled, the video
// worker. The returned func releases the GCP clients.
func newSafety(ctx context.Context, logg *logger.Logger, cfg *config.Config, store *storage.MessageStore, files filestore.Store, rdb *redis.Client) (*safety.Gate, thread.VideoSubmitter, func()) {
	var closers []func() error

	text, err := safety.NewTextChecker(logg, cfg.Safety)
	if err != nil {
		logg.Fatal("init text checker", "error", err)
	}

	var image safety.ImageChecker
	if cfg.Safety.VisionEnabled {
		vc, err := safety.NewVisionChecker(ctx, logg)
		if err != nil {
			logg.Fatal("init vision checker", "error", err)
		}
		closers = append(closers, vc.Close)
		image = vc
	}

	var captcha *safety.Captcha
	if cfg.Captcha.Enabled {
		assessor, err := safety.NewRecaptchaAssessor(ctx, cfg.Captcha)
		if err != nil {
			logg.Fatal("init recaptcha", "error", err)
		}
		captcha = safety.NewCaptcha(logg, assessor, cfg.Captcha)
	}

	var video thread.VideoSubmitter
	if cfg.Safety.VideoEnabled {
		checker, err := safety.NewVideoChecker(ctx, logg)
		if err != nil {
			logg.Fatal("init video checker", "error", err)
		}
		closers = append(closers, checker.Close)
		vw := safety.NewVideoWorker(logg, store, files, checker, safety.NewVideoQueue(rdb, cfg.Safety.VideoQueueKey), cfg.Safety)
		go vw.Run(ctx)
		video = vw
	}

	gate := safety.NewGate(logg, text, image, captcha, cfg.Auth.BypassPermission)
	return gate, video, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
