package database

import (
	"context"
	"time"

	"github.com/voxecho/voxecho/internal/database/models"
)

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Disposition string
	Search      string // matches caller id name or number
	StartDate   string // inclusive, e.g. "2026-01-31"
	EndDate     string
	Limit       int
	Offset      int
}

// CDRFinal holds the fields written when a call reaches a terminal state.
type CDRFinal struct {
	AnswerTime     *time.Time
	EndTime        time.Time
	Duration       int // seconds
	Disposition    string
	Digits         string
	PlaybackRounds int
}

// CDRStats summarizes the cdrs table for the metrics collector.
type CDRStats struct {
	TotalCalls     int64
	ByDisposition  map[string]int64
	DigitsPlayed   int64 // total digits played back across all calls
	PlaybackRounds int64
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	// Create inserts a record for a call that has just been accepted.
	Create(ctx context.Context, cdr *models.CDR) error
	// Finalize writes the terminal fields for the call. Finalizing an
	// unknown call id is an error.
	Finalize(ctx context.Context, callID string, final CDRFinal) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	// Stats aggregates the table for the metrics collector.
	Stats(ctx context.Context) (*CDRStats, error)
}
