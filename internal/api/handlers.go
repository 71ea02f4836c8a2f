package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/database/models"
)

// cdrResponse is the JSON shape of a single call record.
type cdrResponse struct {
	ID             int64   `json:"id"`
	CallID         string  `json:"call_id"`
	CallerIDName   string  `json:"caller_id_name"`
	CallerIDNum    string  `json:"caller_id_num"`
	StartTime      string  `json:"start_time"`
	AnswerTime     *string `json:"answer_time"`
	EndTime        *string `json:"end_time"`
	Duration       *int    `json:"duration"`
	Disposition    string  `json:"disposition"`
	Digits         string  `json:"digits"`
	PlaybackRounds int     `json:"playback_rounds"`
}

// toCDRResponse converts a models.CDR to the API response.
func toCDRResponse(c *models.CDR) cdrResponse {
	resp := cdrResponse{
		ID:             c.ID,
		CallID:         c.CallID,
		CallerIDName:   c.CallerIDName,
		CallerIDNum:    c.CallerIDNum,
		StartTime:      c.StartTime.Format(time.RFC3339),
		Duration:       c.Duration,
		Disposition:    c.Disposition,
		Digits:         c.Digits,
		PlaybackRounds: c.PlaybackRounds,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	if c.EndTime != nil {
		s := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns a service overview: uptime, live call count and
// media endpoint usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"active_calls":   s.registry.ActiveCallCount(),
		"rtp_endpoints":  s.endpoints.Count(),
	})
}

// handleActiveCalls returns a snapshot of all in-progress calls.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

// validDispositions match the values written to the cdrs table.
var validDispositions = map[string]bool{
	models.DispositionInProgress: true,
	models.DispositionHangup:     true,
	models.DispositionCancelled:  true,
	models.DispositionNoACK:      true,
	models.DispositionFailed:     true,
	models.DispositionShutdown:   true,
}

// handleListCDRs returns call records with pagination and optional
// filters. Query params: limit, offset, search, disposition,
// start_date, end_date.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	disposition := q.Get("disposition")
	if disposition != "" && !validDispositions[disposition] {
		writeError(w, http.StatusBadRequest, "unknown disposition")
		return
	}

	filter := database.CDRListFilter{
		Limit:       pg.Limit,
		Offset:      pg.Offset,
		Search:      q.Get("search"),
		Disposition: disposition,
		StartDate:   q.Get("start_date"),
		EndDate:     q.Get("end_date"),
	}

	cdrs, total, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns a single call record by its SIP Call-ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	cdr, err := s.cdrs.GetByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}

	writeJSON(w, http.StatusOK, toCDRResponse(cdr))
}

// handleCDRStats returns aggregate call statistics.
func (s *Server) handleCDRStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cdrs.Stats(r.Context())
	if err != nil {
		s.logger.Error("cdr stats: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":     stats.TotalCalls,
		"by_disposition":  stats.ByDisposition,
		"digits_played":   stats.DigitsPlayed,
		"playback_rounds": stats.PlaybackRounds,
	})
}

// exportLimit caps CSV exports.
const exportLimit = 10000

// handleExportCDRs exports call records as CSV with the same filters
// as the list endpoint.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	disposition := q.Get("disposition")
	if disposition != "" && !validDispositions[disposition] {
		writeError(w, http.StatusBadRequest, "unknown disposition")
		return
	}

	filter := database.CDRListFilter{
		Limit:       exportLimit,
		Search:      q.Get("search"),
		Disposition: disposition,
		StartDate:   q.Get("start_date"),
		EndDate:     q.Get("end_date"),
	}

	cdrs, _, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{ //nolint:errcheck
		"ID", "Call-ID", "Caller Name", "Caller Number", "Start Time",
		"Answer Time", "End Time", "Duration", "Disposition", "Digits",
		"Playback Rounds",
	})

	for _, c := range cdrs {
		answerTime := ""
		if c.AnswerTime != nil {
			answerTime = c.AnswerTime.Format(time.RFC3339)
		}
		endTime := ""
		if c.EndTime != nil {
			endTime = c.EndTime.Format(time.RFC3339)
		}
		duration := ""
		if c.Duration != nil {
			duration = strconv.Itoa(*c.Duration)
		}

		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(c.ID, 10),
			c.CallID,
			c.CallerIDName,
			c.CallerIDNum,
			c.StartTime.Format(time.RFC3339),
			answerTime,
			endTime,
			duration,
			c.Disposition,
			c.Digits,
			strconv.Itoa(c.PlaybackRounds),
		})
	}
	cw.Flush()
}
