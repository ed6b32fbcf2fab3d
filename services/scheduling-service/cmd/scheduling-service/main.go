package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agendaly/agendaly/libs/config"
	"github.com/agendaly/agendaly/libs/db"
	"github.com/agendaly/agendaly/libs/httpx"
	"github.com/agendaly/agendaly/libs/kafkax"
	otelx "github.com/agendaly/agendaly/libs/otel"
	"github.com/agendaly/agendaly/libs/runtime"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/consumer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/directory"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/handlers"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/inbox"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/jobs"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo)
	entityRepo := storage.NewEntityRepository(pool)
	dupRepo := storage.NewDuplicateRepository(pool)
	inboxRepo := inbox.NewRepository(pool)

	dir, err := directory.NewRemoteProvider(config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory client init failed; using local store", "err", err)
		dir = nil
	}
	if dir == nil {
		dir = directory.NewStoreProvider(entityRepo)
	}

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}

	index := availability.NewIndex()
	sched := scheduler.New(apptRepo, dir, index, logger)
	if rdb != nil {
		sched.WithSlotCache(scheduler.NewRedisSlotCache(rdb, config.Duration("SLOT_CACHE_TTL_MINUTES", 1), logger))
	}
	if err := sched.RebuildIndex(ctx); err != nil {
		logger.Error("availability index rebuild failed", "err", err)
		panic(err)
	}

	reconciler := importer.NewReconciler(dupRepo, logger,
		importer.NewUsersTarget(entityRepo),
		importer.NewCategoriesTarget(entityRepo),
		importer.NewProductsTarget(entityRepo),
	)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	if topic := strings.TrimSpace(config.String("KAFKA_PLAN_TOPIC", "billing.plan.updated.v1")); topic != "" && config.String("KAFKA_BROKERS", "") != "" {
		planConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   topic,
		}, func(ctx context.Context, msg kafkago.Message) error {
			var payload struct {
				TenantID               string `json:"tenant_id"`
				Tier                   string `json:"tier"`
				MaxMonthlyAppointments int    `json:"max_monthly_appointments"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.TenantID == "" || payload.Tier == "" {
				logger.Error("missing required event fields", "topic", msg.Topic)
				return nil
			}
			return apptRepo.UpsertTenantEntitlements(ctx, storage.TenantEntitlements{
				TenantID:               payload.TenantID,
				Tier:                   payload.Tier,
				MaxMonthlyAppointments: payload.MaxMonthlyAppointments,
			})
		})
		go planConsumer.Run(ctx)
	}

	sweeper := jobs.NewSweeper(sched, apptRepo, logger, jobs.SweeperConfig{
		Interval:  config.Duration("SWEEP_INTERVAL_MINUTES", 1),
		BatchSize: config.Int("SWEEP_BATCH_SIZE", 100),
		Grace:     config.Duration("SWEEP_GRACE_MINUTES", 5),
	})
	go sweeper.Run(ctx)

	tenants := handlers.NewTenantResolver(config.String("JWT_SECRET", ""))
	idemRepo := storage.NewIdempotencyRepository(pool)
	scheduleHandler := handlers.NewScheduleHandler(sched, tenants, idemRepo, logger)
	importHandler := handlers.NewImportHandler(reconciler, outboxRepo, tenants, logger)
	scheduleImportHandler := handlers.NewScheduleImportHandler(sched, entityRepo, tenants, logger)

	importLimit := importRateLimit(rdb, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/schedules", scheduleHandler.Schedules)
	mux.HandleFunc("/api/v1/schedules/", scheduleHandler.ScheduleByID)
	mux.Handle("/api/v1/schedules/import/csv", importLimit(http.HandlerFunc(scheduleImportHandler.ImportCSV)))
	mux.HandleFunc("/api/v1/imports/duplicates", importHandler.ListDuplicates)
	for _, entity := range []string{"users", "categories", "products"} {
		mux.Handle("/api/v1/"+entity+"/import/csv", importLimit(importHandler.ImportCSV(entity)))
		mux.HandleFunc("/api/v1/"+entity+"/resolve-duplicate/", importHandler.ResolveDuplicate(entity))
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,X-Tenant-Id")),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// importRateLimit throttles CSV uploads. Redis-backed when available so
// the limit holds across instances, in-memory otherwise.
func importRateLimit(rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	perMinute := config.Int("IMPORT_RATE_LIMIT_PER_MINUTE", 10)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, "import-rl")
		return rl.Middleware(logger, true)
	}
	rl := httpx.NewRateLimiter(perMinute, time.Minute)
	return rl.Middleware()
}
