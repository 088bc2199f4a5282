// cmd/fleet-compiler/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleet-compiler/internal/api"
	"fleet-compiler/internal/approval"
	"fleet-compiler/internal/audit"
	"fleet-compiler/internal/common/aws"
	"fleet-compiler/internal/common/config"
	"fleet-compiler/internal/common/database"
	fleethttp "fleet-compiler/internal/common/http"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/common/observability"
	"fleet-compiler/internal/compiler"
	"fleet-compiler/internal/generator"
	"fleet-compiler/internal/llm"
	"fleet-compiler/internal/models"
	"fleet-compiler/internal/nlp"
	"fleet-compiler/internal/templates"
	"fleet-compiler/internal/validation"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// checkTemplate rejects templates with bad placeholder syntax or schema.
func checkTemplate(t *models.Template) error {
	if err := generator.CheckTemplate(t); err != nil {
		return err
	}
	return validation.CheckSchema(t)
}

// newRequestStages builds the generator and validator over one location so
// that dates written without a zone and business-hour rules agree.
func newRequestStages(loc *time.Location, checker validation.ResourceChecker, timeout time.Duration, log logger.Logger) (*generator.Generator, *validation.Validator) {
	gen := generator.New(loc, log)
	val := validation.NewValidator(checker, validation.Options{Timeout: timeout, Location: loc}, log)
	return gen, val
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting fleet compiler...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("timezone", cfg.App.Timezone),
	)

	obs := observability.New(cfg.App.Name, log)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Templates ---
	store := templates.NewStore(templates.DirectorySource(cfg.Templates.Directory), templates.Options{
		MaxDepth: cfg.Templates.MaxExtendsDepth,
		Checker:  checkTemplate,
	}, log)
	if err := store.Load(); err != nil {
		zapLog.Fatal("template load failed", zap.Error(err), zap.String("directory", cfg.Templates.Directory))
	}
	zapLog.Info("Templates loaded", zap.Int("count", len(store.List())), zap.Strings("intents", store.Intents()))

	if cfg.Templates.Watch {
		err := store.Watch(ctx, cfg.Templates.Directory, 0, func(err error) {
			if err != nil {
				zapLog.Warn("template reload failed, keeping previous set", zap.Error(err))
			}
		})
		if err != nil {
			zapLog.Fatal("template watch failed", zap.Error(err))
		}
	}

	// --- NLP response cache ---
	var cache nlp.Cache = nlp.NoopCache()
	if cfg.Compiler.EnableCaching {
		ttl := cfg.Compiler.CacheTTLDuration()
		cache = nlp.NewMemoryCache(cfg.Compiler.CacheSize, ttl)

		if cfg.Database.Redis.Enabled {
			redis := database.NewRedis(cfg.Database.Redis)
			err = retryWithBackoff(func() error {
				return redis.Ping(ctx)
			}, 10, 2*time.Second, zapLog, "Redis connection")
			if err != nil {
				zapLog.Fatal("redis failed after retries", zap.Error(err))
			}
			defer redis.Close()
			cache = nlp.NewTieredCache(cache, nlp.NewRedisCache(redis.Client, ttl, log))
			zapLog.Info("Redis connected successfully")
		}
	}

	// --- Audit store ---
	var recorder audit.Recorder = audit.NewMemoryRecorder()
	if cfg.Database.Postgres.Enabled {
		var pg *database.PostgresClient
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()

		pgRecorder := audit.NewPostgresRecorder(pg.DB, log)
		if err := pgRecorder.EnsureSchema(ctx); err != nil {
			zapLog.Fatal("audit schema setup failed", zap.Error(err))
		}
		recorder = pgRecorder
		zapLog.Info("PostgreSQL connected successfully")
	}

	// --- Collaborators ---
	model := llm.NewClient(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     config.GetDuration(cfg.LLM.Timeout),
		MaxRetries:  cfg.Compiler.RetryAttempts,
	}, log)

	fleet := fleethttp.NewClient(fleethttp.Config{
		BaseURL:       cfg.FleetAPI.BaseURL,
		APIKey:        cfg.FleetAPI.APIKey,
		Timeout:       cfg.Compiler.CallTimeout(),
		RetryAttempts: cfg.Compiler.RetryAttempts,
	}, log)

	var notifier approval.Notifier = approval.NopNotifier{}
	if cfg.Notifications.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		notifier = approval.NewSNSNotifier(aws.NewTopicPublisher(snsClient, cfg.Notifications.SNS.TopicARN), log)
		zapLog.Info("Approval notifications enabled", zap.String("topic", cfg.Notifications.SNS.TopicARN))
	}

	zapLog.Info("All external service clients initialized")

	// --- Pipeline ---
	nlpOpts := nlp.Options{Timeout: cfg.Compiler.CallTimeout(), Cache: cache}
	loc, err := cfg.App.Location()
	if err != nil {
		zapLog.Fatal("invalid timezone", zap.Error(err))
	}
	gen, val := newRequestStages(loc, fleet, cfg.Compiler.CallTimeout(), log)

	gate := approval.NewGate(approval.Deps{
		Generator: gen,
		Validator: val,
		Executor:  fleet,
		Recorder:  recorder,
		Notifier:  notifier,
	}, approval.Config{ExecTimeout: cfg.Compiler.CallTimeout()}, log)

	comp := compiler.New(compiler.Deps{
		Classifier: nlp.NewClassifier(model, store.Intents(), nlpOpts, log),
		Extractor:  nlp.NewExtractor(model, store.Fields, nlpOpts, log),
		Reasoner:   nlp.NewReasoner(model, nlpOpts, log),
		Templates:  store,
		Generator:  gen,
		Validator:  val,
		Executor:   fleet,
		Approvals:  gate,
		Recorder:   recorder,
		Obs:        obs,
	}, compiler.Config{
		ConfidenceThreshold: cfg.Compiler.ConfidenceThreshold,
		AutoApprove:         cfg.Compiler.AutoApproveHighConfidence,
		ExecTimeout:         cfg.Compiler.CallTimeout(),
	}, log)

	// --- HTTP ---
	srv := api.NewServer(api.Deps{
		Compiler:  comp,
		Approvals: gate,
		Templates: store,
		Recorder:  recorder,
	}, api.Options{
		RequestTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ServiceName:    cfg.App.Name,
	}, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout+5) * time.Second,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("graceful shutdown failed", zap.Error(err))
	}
	zapLog.Info("Fleet compiler stopped")
}
