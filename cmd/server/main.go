package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"videoAnalysis/analyzer"
	"videoAnalysis/config"
	"videoAnalysis/dispatch"
	"videoAnalysis/events"
	"videoAnalysis/handlers"
	"videoAnalysis/middleware"
	"videoAnalysis/registry"
	"videoAnalysis/service"
	"videoAnalysis/spool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("Video Analysis Service starting",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	spooler, err := spool.New(cfg.SpoolDir)
	if err != nil {
		logger.Fatal("Failed to create spool dir", zap.Error(err))
	}

	publisher, err := events.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
	if err != nil {
		logger.Fatal("Failed to connect to Kafka", zap.Error(err))
	}
	defer publisher.Close()

	reg := registry.New(logger, cfg.RetentionTTL)
	defer reg.Close()

	detector := analyzer.NewDetector(logger)
	dispatcher := dispatch.New(reg, detector, publisher, logger,
		cfg.WorkerCount, cfg.QueueCapacity, cfg.AnalysisTimeout)
	dispatcher.Start()

	uploadHandler := handlers.NewUploadHandler(reg, spooler, dispatcher, publisher, logger)
	queryHandler := handlers.NewQueryHandler(service.NewStatusService(reg), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", uploadHandler.Upload)
	mux.HandleFunc("/status/", queryHandler.Status)
	mux.HandleFunc("/result/", queryHandler.Result)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	handler = middleware.Recovery(logger)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.TraceID(handler)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	// Uploads are done; give in-flight analyses the rest of the window so
	// every task lands in a terminal state.
	dispatcher.Stop(ctx)

	logger.Info("Shutdown complete")
}
