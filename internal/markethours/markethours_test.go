package markethours

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("15:15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tod.Hour != 15 || tod.Minute != 15 {
		t.Errorf("expected 15:15, got %v", tod)
	}
	if tod.String() != "15:15" {
		t.Errorf("String() = %q", tod.String())
	}

	for _, bad := range []string{"", "1515", "24:00", "12:60", "ab:cd", "9:5:1"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestExitInstant_UsesISTNotHostZone(t *testing.T) {
	// 2026-10-15 20:00 UTC is already 2026-10-16 01:30 IST.
	ref := time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC)
	at, err := ExitInstant("15:15", ref)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 10, 16, 15, 15, 0, 0, IST)
	if !at.Equal(want) {
		t.Errorf("expected %v, got %v", want, at)
	}
}

func TestTradingDate(t *testing.T) {
	ref := time.Date(2026, 10, 15, 10, 0, 0, 0, IST)
	d := TradingDate(ref)
	if d.Hour() != 0 || d.Minute() != 0 || d.Day() != 15 {
		t.Errorf("expected midnight of the 15th, got %v", d)
	}
}

func TestIsMarketOpen(t *testing.T) {
	open := time.Date(2026, 10, 15, 10, 0, 0, 0, IST) // Thursday
	if !IsMarketOpen(open) {
		t.Error("expected market open on Thursday 10:00 IST")
	}
	if IsMarketOpen(time.Date(2026, 10, 15, 15, 30, 0, 0, IST)) {
		t.Error("market should be closed at 15:30")
	}
	if IsMarketOpen(time.Date(2026, 10, 17, 10, 0, 0, 0, IST)) {
		t.Error("market should be closed on Saturday")
	}
	if IsMarketOpen(time.Date(2026, 10, 2, 10, 0, 0, 0, IST)) {
		t.Error("market should be closed on Gandhi Jayanti")
	}
}

func TestNextOpen_SkipsWeekend(t *testing.T) {
	fri := time.Date(2026, 10, 16, 16, 0, 0, 0, IST)
	next := NextOpen(fri)
	want := time.Date(2026, 10, 19, 9, 15, 0, 0, IST)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestClosedReason(t *testing.T) {
	if r := ClosedReason(time.Date(2026, 10, 15, 10, 0, 0, 0, IST)); r != "" {
		t.Errorf("expected a trading day, got %q", r)
	}
	if r := ClosedReason(time.Date(2026, 10, 2, 10, 0, 0, 0, IST)); r != "NSE holiday: Mahatma Gandhi Jayanti" {
		t.Errorf("unexpected holiday reason %q", r)
	}
	if r := ClosedReason(time.Date(2026, 10, 17, 10, 0, 0, 0, IST)); r != "weekend: Saturday" {
		t.Errorf("unexpected weekend reason %q", r)
	}
	// 2026-10-01 20:00 UTC is already Gandhi Jayanti in IST.
	if !IsHoliday(time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)) {
		t.Error("holiday lookup must use the IST date")
	}
}
