package internal_lecture

import (
	"context"
	"errors"
	"time"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/connectors"
	"gorm.io/gorm"
)

// Lecture mirrors the backend's lectures table; this service only checks
// existence, it never writes lectures.
type Lecture struct {
	ID    int64  `gorm:"primaryKey;column:id"`
	Title string `gorm:"column:title"`
}

func (Lecture) TableName() string { return "lectures" }

// SessionRow is the persisted session summary.
type SessionRow struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id"`
	SessionID      string    `gorm:"column:session_id;index"`
	LectureID      int64     `gorm:"column:lecture_id;index"`
	PresentationID string    `gorm:"column:presentation_id"`
	Status         string    `gorm:"column:status"`
	DurationMS     int64     `gorm:"column:duration_ms"`
	Renewals       int       `gorm:"column:renewals"`
	ChunksSent     int64     `gorm:"column:chunks_sent"`
	BytesSent      int64     `gorm:"column:bytes_sent"`
	IdleMS         int64     `gorm:"column:idle_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	ClosedAt       time.Time `gorm:"column:closed_at"`
}

func (SessionRow) TableName() string { return "transcription_sessions" }

// Store answers lecture lookups and records session summaries. Summary writes
// are best-effort; callers log and continue on error.
type Store interface {
	Exists(ctx context.Context, lectureID int64) (bool, error)
	SaveSummary(ctx context.Context, summary internal_type.SessionSummary) error
}

type postgresStore struct {
	logger    commons.Logger
	connector connectors.PostgresConnector
}

// NewStore builds a postgres-backed store.
func NewStore(logger commons.Logger, connector connectors.PostgresConnector) Store {
	return &postgresStore{logger: logger, connector: connector}
}

func (s *postgresStore) Exists(ctx context.Context, lectureID int64) (bool, error) {
	var lecture Lecture
	err := s.connector.DB(ctx).
		Select("id").
		First(&lecture, "id = ?", lectureID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresStore) SaveSummary(ctx context.Context, summary internal_type.SessionSummary) error {
	row := SessionRow{
		SessionID:      summary.SessionID,
		LectureID:      summary.LectureID,
		PresentationID: summary.PresentationID,
		Status:         summary.Status,
		DurationMS:     summary.DurationMS,
		Renewals:       summary.Renewals,
		ChunksSent:     summary.ChunksSent,
		BytesSent:      summary.BytesSent,
		IdleMS:         summary.IdleMS,
		CreatedAt:      summary.CreatedAt,
		ClosedAt:       summary.CreatedAt.Add(time.Duration(summary.DurationMS) * time.Millisecond),
	}
	return s.connector.DB(ctx).Create(&row).Error
}

// noopStore serves deployments without a database: every lecture exists and
// summaries are discarded.
type noopStore struct{}

// NewNoopStore returns a store that accepts everything.
func NewNoopStore() Store { return noopStore{} }

func (noopStore) Exists(context.Context, int64) (bool, error) { return true, nil }

func (noopStore) SaveSummary(context.Context, internal_type.SessionSummary) error { return nil }
