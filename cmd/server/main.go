package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/config"
	"github.com/hamlet/api/internal/handler"
	"github.com/hamlet/api/internal/middleware"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/service"
	"github.com/hamlet/api/internal/store/postgres"
	"github.com/hamlet/api/internal/worker"
	"github.com/hamlet/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize record store
	recordStore := postgres.New(&cfg.Database)
	if err := recordStore.Open(); err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer recordStore.Close()

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	dispatcher := queue.New(asynqClient, cfg.Export.MaxRetries)
	taskResults := queue.NewInspectorResults(redisOpt)

	// Initialize upstream clients
	catalog := client.NewPanoptesClient(&cfg.Panoptes, cfg.Export.HTTPTimeout)
	caesar := client.NewCaesarClient(&cfg.Caesar, cfg.Export.HTTPTimeout)

	objectStore, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}
	blobs, err := client.NewAzureBlobClient(&cfg.AzureBlob)
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}

	backends := []client.PredictionBackend{
		client.NewCameraTrapsClient(&cfg.ML, cfg.Export.HTTPTimeout),
		client.NewKadeClient(&cfg.ML, cfg.Export.HTTPTimeout),
	}

	// Initialize services
	exportService := service.NewExportService(recordStore, dispatcher, cfg.ML.DefaultBackend, slogger)

	// Initialize handlers
	validate := validator.New()
	exportHandler := handler.NewExportHandler(exportService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := redisClient.Ping(c.Context()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "redis unavailable"})
		}
		if err := recordStore.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	exports := api.Group("/exports")
	exports.Post("/subject-sets/:id", exportHandler.StartSubjectSet)
	exports.Get("/subject-sets/:id", exportHandler.ListSubjectSet)
	exports.Post("/workflows/:id", exportHandler.StartWorkflow)
	exports.Get("/workflows/:id", exportHandler.ListWorkflow)
	exports.Post("/subject-assistant/:id", exportHandler.StartAssistant)
	exports.Get("/subject-assistant/:id", exportHandler.ListAssistant)
	exports.Get("/:id", exportHandler.Get)

	// Start Asynq worker server
	handlers := &worker.Handlers{
		SubjectSet: worker.NewSubjectSetWorker(recordStore.Exports(), recordStore.Media(), dispatcher, catalog, slogger),
		Media:      worker.NewMediaWorker(recordStore.Media(), cfg.Export.HTTPTimeout, slogger),
		Status:     worker.NewStatusWorker(recordStore.Exports(), recordStore.Media(), dispatcher, taskResults, cfg.Export.PollInterval, slogger),
		Artifact:   worker.NewArtifactWorker(recordStore.Exports(), recordStore.Media(), objectStore, cfg.Export.TmpDir, slogger),
		Workflow:   worker.NewWorkflowWorker(recordStore.Exports(), recordStore.Media(), caesar, objectStore, cfg.Export.TmpDir, slogger),
		Assistant:  worker.NewAssistantWorker(recordStore.Exports(), catalog, blobs, backends, cfg.Export.TmpDir, slogger),
	}
	go startWorkerServer(cfg, redisOpt, handlers)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, handlers *worker.Handlers) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Export.Concurrency,
			Queues: map[string]int{
				queue.QueueExports: 6,
				queue.QueueMedia:   4,
			},
			// Transient upstream failures get a fixed backoff rather than
			// the default exponential curve.
			RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
				return cfg.Export.RetryBackoff
			},
		},
	)

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    response.CodeServiceError,
			"message": message,
		},
	})
}
