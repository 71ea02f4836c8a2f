package sip

import (
	"testing"

	"github.com/voxecho/voxecho/internal/media"
)

func TestSessionTable_AddGetRemove(t *testing.T) {
	tbl := newSessionTable()

	as := &activeSession{tones: make(chan media.ToneEvent, 1)}
	tbl.Add("call-1", as)

	if got := tbl.Get("call-1"); got != as {
		t.Fatal("Get did not return the added session")
	}
	if n := tbl.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	if got := tbl.Remove("call-1"); got != as {
		t.Fatal("Remove did not return the session")
	}
	if got := tbl.Get("call-1"); got != nil {
		t.Fatal("session still present after Remove")
	}
	if got := tbl.Remove("call-1"); got != nil {
		t.Fatal("second Remove returned a session")
	}
}

func TestSessionTable_All(t *testing.T) {
	tbl := newSessionTable()
	tbl.Add("a", &activeSession{})
	tbl.Add("b", &activeSession{})

	if got := len(tbl.All()); got != 2 {
		t.Fatalf("All returned %d sessions, want 2", got)
	}
}

func TestActiveSession_OfferToneDropsWhenFull(t *testing.T) {
	as := &activeSession{tones: make(chan media.ToneEvent, 2)}

	if !as.offerTone(media.ToneEvent{Code: 1}) {
		t.Fatal("first tone rejected")
	}
	if !as.offerTone(media.ToneEvent{Code: 2}) {
		t.Fatal("second tone rejected")
	}
	if as.offerTone(media.ToneEvent{Code: 3}) {
		t.Fatal("tone accepted past channel capacity")
	}

	got := <-as.tones
	if got.Code != 1 {
		t.Fatalf("first buffered tone code = %d, want 1", got.Code)
	}
}
