package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxecho/voxecho/internal/database/models"
)

func testRepo(t *testing.T) CDRRepository {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCDRRepository(db)
}

func newTestCDR(callID string, start time.Time) *models.CDR {
	return &models.CDR{
		CallID:       callID,
		CallerIDName: "Alice",
		CallerIDNum:  "1001",
		StartTime:    start,
	}
}

func TestCDRCreateAndFinalize(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	cdr := newTestCDR("call-1", start)
	if err := repo.Create(ctx, cdr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cdr.ID == 0 {
		t.Error("Create did not set ID")
	}

	got, err := repo.GetByCallID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByCallID returned nil for existing call")
	}
	if got.Disposition != models.DispositionInProgress {
		t.Errorf("disposition = %q, want in_progress", got.Disposition)
	}

	answer := start.Add(time.Second)
	end := start.Add(95 * time.Second)
	err = repo.Finalize(ctx, "call-1", CDRFinal{
		AnswerTime:     &answer,
		EndTime:        end,
		Duration:       95,
		Disposition:    models.DispositionHangup,
		Digits:         "42",
		PlaybackRounds: 1,
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err = repo.GetByCallID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByCallID after finalize: %v", err)
	}
	if got.Disposition != models.DispositionHangup {
		t.Errorf("disposition = %q, want hangup", got.Disposition)
	}
	if got.Digits != "42" || got.PlaybackRounds != 1 {
		t.Errorf("digits/rounds = %q/%d, want 42/1", got.Digits, got.PlaybackRounds)
	}
	if got.Duration == nil || *got.Duration != 95 {
		t.Errorf("duration = %v, want 95", got.Duration)
	}
	if got.AnswerTime == nil || got.EndTime == nil {
		t.Error("answer/end time not recorded")
	}
}

func TestCDRFinalizeUnknownCall(t *testing.T) {
	repo := testRepo(t)

	err := repo.Finalize(context.Background(), "no-such-call", CDRFinal{
		EndTime:     time.Now().UTC(),
		Disposition: models.DispositionFailed,
	})
	if !errors.Is(err, ErrCDRNotFound) {
		t.Errorf("err = %v, want ErrCDRNotFound", err)
	}
}

func TestCDRGetByCallIDMissing(t *testing.T) {
	repo := testRepo(t)

	got, err := repo.GetByCallID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing call", got)
	}
}

func TestCDRList(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i, disposition := range []string{
		models.DispositionHangup,
		models.DispositionHangup,
		models.DispositionCancelled,
	} {
		cdr := newTestCDR("call-"+disposition+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, cdr); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := repo.Finalize(ctx, cdr.CallID, CDRFinal{
			EndTime:     cdr.StartTime.Add(time.Minute),
			Duration:    60,
			Disposition: disposition,
		}); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	all, total, err := repo.List(ctx, CDRListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Errorf("total/len = %d/%d, want 3/3", total, len(all))
	}
	// Newest first.
	if !all[0].StartTime.After(all[2].StartTime) {
		t.Error("List not ordered by start_time descending")
	}

	hangups, total, err := repo.List(ctx, CDRListFilter{Disposition: models.DispositionHangup, Limit: 10})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if total != 2 || len(hangups) != 2 {
		t.Errorf("filtered total/len = %d/%d, want 2/2", total, len(hangups))
	}

	page, total, err := repo.List(ctx, CDRListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if total != 3 || len(page) != 1 {
		t.Errorf("paged total/len = %d/%d, want 3/1", total, len(page))
	}
}

func TestCDRListRecent(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		cdr := newTestCDR("call-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, cdr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	recent, err := repo.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if recent[0].CallID != "call-e" {
		t.Errorf("newest call = %q, want call-e", recent[0].CallID)
	}
}

func TestCDRStats(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	finals := []CDRFinal{
		{Disposition: models.DispositionHangup, Digits: "123", PlaybackRounds: 1},
		{Disposition: models.DispositionHangup, Digits: "12345", PlaybackRounds: 2},
		{Disposition: models.DispositionCancelled},
	}
	for i, final := range finals {
		cdr := newTestCDR("call-"+string(rune('a'+i)), base)
		if err := repo.Create(ctx, cdr); err != nil {
			t.Fatalf("Create: %v", err)
		}
		final.EndTime = base.Add(time.Minute)
		if err := repo.Finalize(ctx, cdr.CallID, final); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalCalls != 3 {
		t.Errorf("TotalCalls = %d, want 3", stats.TotalCalls)
	}
	if stats.ByDisposition[models.DispositionHangup] != 2 {
		t.Errorf("hangup count = %d, want 2", stats.ByDisposition[models.DispositionHangup])
	}
	if stats.DigitsPlayed != 8 {
		t.Errorf("DigitsPlayed = %d, want 8", stats.DigitsPlayed)
	}
	if stats.PlaybackRounds != 3 {
		t.Errorf("PlaybackRounds = %d, want 3", stats.PlaybackRounds)
	}
}
