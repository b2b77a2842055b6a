package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baobabichh/diabetic-diary/config"
	"github.com/baobabichh/diabetic-diary/database"
	"github.com/baobabichh/diabetic-diary/gemini"
	"github.com/baobabichh/diabetic-diary/handlers"
	"github.com/baobabichh/diabetic-diary/llm"
	"github.com/baobabichh/diabetic-diary/metrics"
	"github.com/baobabichh/diabetic-diary/openai"
	"github.com/baobabichh/diabetic-diary/rabbitmq"
	"github.com/baobabichh/diabetic-diary/service"
	"github.com/baobabichh/diabetic-diary/stubllm"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.SetHandler(text.New(os.Stderr))
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	metrics.Register()

	// Select the vision provider
	var (
		client llm.Client
		model  string
	)
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatal("OPENAI_API_KEY environment variable is required")
		}
		client = openai.NewClient(cfg.OpenAIAPIKey, cfg.ProviderTimeout)
		model = cfg.OpenAIModel
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			log.Fatal("GEMINI_API_KEY environment variable is required")
		}
		client = gemini.NewClient(cfg.GeminiAPIKey, cfg.ProviderTimeout)
		model = cfg.GeminiModel
	case "stub":
		client = stubllm.NewClient()
		model = "stub"
	default:
		log.Fatalf("Unknown LLM_PROVIDER %q (expected openai, gemini or stub)", cfg.LLMProvider)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateFoodRecognitionsTable(); err != nil {
		log.Fatalf("Failed to create FoodRecognitions table: %v", err)
	}
	if err := db.MigrateFoodRecognitionsTable(); err != nil {
		log.Fatalf("Failed to migrate FoodRecognitions table: %v", err)
	}

	if err := os.MkdirAll(cfg.PhotosDir, 0o755); err != nil {
		log.Fatalf("Failed to create photos directory: %v", err)
	}

	// Initialize RabbitMQ
	amqpURL := cfg.RabbitMQ.GetAMQPURL()

	publisher, err := rabbitmq.NewPublisher(amqpURL, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ publisher: %v", err)
	}
	defer publisher.Close()

	subscriber, err := rabbitmq.NewSubscriber(amqpURL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, rabbitmq.Options{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ subscriber: %v", err)
	}
	defer subscriber.Close()

	// Initialize service
	recognitionService := service.New(db, client, service.Options{
		Model:      model,
		Timeout:    cfg.ProviderTimeout,
		Strict:     cfg.StrictNutrition,
		MaxRetries: cfg.MaxRetries,
	})

	if err := subscriber.Start(map[string]rabbitmq.CallbackFunc{
		cfg.RabbitMQ.RecognizeRoutingKey: recognitionService.ProcessRecognition,
	}); err != nil {
		log.Fatalf("Failed to start RabbitMQ subscriber: %v", err)
	}

	// Initialize handlers
	h := handlers.NewHandlers(db, publisher, cfg.RabbitMQ.RecognizeRoutingKey, cfg.PhotosDir)

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	// API routes
	api := router.Group("/api/v1")
	{
		api.GET("/health", h.HealthCheck)
		api.POST("/recognize_food", h.RecognizeFood)
		api.GET("/get_status", h.GetStatus)
		api.GET("/get_result", h.GetResult)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s provider=%s model=%s", cfg.Port, client.SourceName(), model)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
