// Package models defines the database row types.
package models

import "time"

// CDR dispositions. A record is created with DispositionInProgress when
// the call is answered and finalized with one of the terminal values.
const (
	DispositionInProgress = "in_progress"
	DispositionHangup     = "hangup"
	DispositionCancelled  = "cancelled"
	DispositionNoACK      = "no_ack"
	DispositionFailed     = "failed"
	DispositionShutdown   = "shutdown"
)

// CDR is a call detail record for one inbound call.
type CDR struct {
	ID           int64
	CallID       string
	CallerIDName string
	CallerIDNum  string
	StartTime    time.Time
	AnswerTime   *time.Time
	EndTime      *time.Time
	Duration     *int // seconds, set when the call ends
	Disposition  string
	Digits         string // digits played back on the last '#'
	PlaybackRounds int    // number of '#' presses that triggered playback
}
