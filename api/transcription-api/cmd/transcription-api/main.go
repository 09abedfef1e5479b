package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/config"
	internal_asr_google "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/asr/google"
	internal_lecture "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/lecture"
	internal_session "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/session"
	internal_sink "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/sink"
	internal_slides "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/slides"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	transcription_routers "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/router"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/connectors"
)

const shutdownGrace = 10 * time.Second

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		panic(err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		panic(err)
	}

	logger, err := commons.NewApplicationLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	logger.Infow("starting service", "name", cfg.Name, "version", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := internal_asr_google.NewProvider(ctx, logger, cfg.ProviderCredentialsPath, cfg.ProviderProjectID)
	if err != nil {
		logger.Errorf("speech provider init failed: %v", err)
		return
	}
	defer provider.Close()

	store := internal_lecture.Store(internal_lecture.NewNoopStore())
	if cfg.PostgresConfig.Enabled() {
		connector, err := connectors.NewPostgresConnector(logger, cfg.PostgresConfig)
		if err != nil {
			logger.Errorf("postgres init failed: %v", err)
			return
		}
		defer connector.Close()
		store = internal_lecture.NewStore(logger, connector)
	} else {
		logger.Warn("postgres disabled, lecture checks and summaries are off")
	}

	var sink internal_type.Sink
	var loader *internal_slides.Loader
	if cfg.BackendBaseURL != "" {
		callbackTimeout := time.Duration(cfg.BackendCallbackTimeout) * time.Second
		sink = internal_sink.NewBackendSink(logger, cfg.BackendBaseURL, cfg.BackendServiceToken,
			internal_sink.WithTimeout(callbackTimeout))
		loader = internal_slides.NewLoader(logger, cfg.BackendBaseURL, cfg.BackendServiceToken,
			internal_slides.WithLoadTimeout(callbackTimeout))
	} else {
		logger.Warn("backend base url unset, sink and slide matching disabled")
	}

	manager := internal_session.NewManager(internal_session.Dependencies{
		Logger:   logger,
		Provider: provider,
		Sink:     sink,
		Store:    store,
		Loader:   loader,
	}, cfg.SessionMax)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))
	transcription_routers.TranscribeRoutes(cfg, engine, logger, manager)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	go func() {
		logger.Infow("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := manager.Shutdown(graceCtx); err != nil {
		logger.Warnw("sessions did not drain in time", "error", err)
	}
	if err := server.Shutdown(graceCtx); err != nil {
		logger.Warnw("http server shutdown", "error", err)
	}
	logger.Info("bye")
}
