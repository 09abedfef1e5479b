package transcription_routers

import (
	"github.com/gin-gonic/gin"
	transcriptionApi "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/api"
	"github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/config"
	internal_session "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/session"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

// TranscribeRoutes mounts the streaming endpoint and the health probe.
func TranscribeRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, manager *internal_session.Manager) {
	logger.Info("Transcription routes added to engine.")
	api := transcriptionApi.NewTranscriptionApi(cfg, logger, manager)
	engine.GET("/ws/transcribe", api.Transcribe)
	engine.GET("/healthz", api.Healthz)
}
