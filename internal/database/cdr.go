package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxecho/voxecho/internal/database/models"
)

// ErrCDRNotFound is returned when finalizing a call id with no record.
var ErrCDRNotFound = errors.New("cdr not found")

const cdrColumns = `id, call_id, caller_id_name, caller_id_num, start_time,
	 answer_time, end_time, duration, disposition, digits, playback_rounds`

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a record for a call that has just been accepted.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	if cdr.Disposition == "" {
		cdr.Disposition = models.DispositionInProgress
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, caller_id_name, caller_id_num, start_time,
		 answer_time, end_time, duration, disposition, digits, playback_rounds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallID, cdr.CallerIDName, cdr.CallerIDNum, cdr.StartTime,
		cdr.AnswerTime, cdr.EndTime, cdr.Duration, cdr.Disposition,
		cdr.Digits, cdr.PlaybackRounds,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// Finalize writes the terminal fields for the call.
func (r *cdrRepo) Finalize(ctx context.Context, callID string, final CDRFinal) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE cdrs SET answer_time = ?, end_time = ?, duration = ?,
		 disposition = ?, digits = ?, playback_rounds = ?
		 WHERE call_id = ?`,
		final.AnswerTime, final.EndTime, final.Duration,
		final.Disposition, final.Digits, final.PlaybackRounds, callID,
	)
	if err != nil {
		return fmt.Errorf("finalizing cdr: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finalized rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalizing cdr %s: %w", callID, ErrCDRNotFound)
	}
	return nil
}

// GetByCallID returns a CDR by SIP Call-ID, or nil if none exists.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ?`, callID)

	var c models.CDR
	err := scanCDR(row.Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}

// List returns CDRs matching the filter, along with the total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += " AND (caller_id_name LIKE ? OR caller_id_num LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM cdrs WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	cdrs, err := collectCDRs(rows)
	if err != nil {
		return nil, 0, err
	}
	return cdrs, total, nil
}

// ListRecent returns the most recent CDRs up to the given limit.
func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent cdrs: %w", err)
	}
	defer rows.Close()

	return collectCDRs(rows)
}

// Stats aggregates the cdrs table for the metrics collector.
func (r *cdrRepo) Stats(ctx context.Context) (*CDRStats, error) {
	stats := &CDRStats{ByDisposition: make(map[string]int64)}

	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*),
		 COALESCE(SUM(LENGTH(digits)), 0), COALESCE(SUM(playback_rounds), 0)
		 FROM cdrs GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("querying cdr stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var disposition string
		var count, digits, rounds int64
		if err := rows.Scan(&disposition, &count, &digits, &rounds); err != nil {
			return nil, fmt.Errorf("scanning cdr stats row: %w", err)
		}
		stats.ByDisposition[disposition] = count
		stats.TotalCalls += count
		stats.DigitsPlayed += digits
		stats.PlaybackRounds += rounds
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr stats rows: %w", err)
	}

	return stats, nil
}

func scanCDR(scan func(...any) error, c *models.CDR) error {
	return scan(&c.ID, &c.CallID, &c.CallerIDName, &c.CallerIDNum,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration,
		&c.Disposition, &c.Digits, &c.PlaybackRounds)
}

func collectCDRs(rows *sql.Rows) ([]models.CDR, error) {
	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := scanCDR(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr rows: %w", err)
	}
	return cdrs, nil
}
