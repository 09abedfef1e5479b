package transcription_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/config"
	internal_session "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/session"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

// maxMessageBytes bounds one client frame; generous for burst WAV uploads.
const maxMessageBytes = 1 << 20

type TranscriptionApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	manager  *internal_session.Manager
	upgrader websocket.Upgrader
}

func NewTranscriptionApi(cfg *config.AppConfig, logger commons.Logger, manager *internal_session.Manager) *TranscriptionApi {
	return &TranscriptionApi{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Browser clients connect from arbitrary origins; auth is the
			// backend's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Transcribe upgrades the connection and hands it to the session manager; it
// returns when the session is over.
func (t *TranscriptionApi) Transcribe(c *gin.Context) {
	conn, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.Warnw("websocket upgrade failed",
			"remote", c.Request.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	t.manager.HandleConnection(c.Request.Context(), conn)
}

// Healthz reports liveness plus the live session count.
func (t *TranscriptionApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":         t.cfg.Name,
		"version":         t.cfg.Version,
		"active_sessions": t.manager.ActiveSessions(),
		"connections":     t.manager.Connections(),
	})
}
