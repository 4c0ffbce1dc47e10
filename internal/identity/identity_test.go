package identity

import (
	"testing"
	"time"
)

func TestCountryFromHandle(t *testing.T) {
	cases := []struct {
		handle string
		want   string
	}{
		{"+14155550100", "US"},
		{"+447911123456", "GB"},
		{"+491701234567", "DE"},
		{"+33612345678", "FR"},
		{"+5511912345678", "BR"},
		{"+919876543210", "IN"},
		{"+2348012345678", "NG"},
		{"+5215512345678", "MX"},
		{"+81312345678", "XX"},
	}
	for _, c := range cases {
		if got := CountryFromHandle(c.handle); got != c.want {
			t.Errorf("CountryFromHandle(%q) = %q, want %q", c.handle, got, c.want)
		}
	}
}

func TestStageForAge(t *testing.T) {
	cases := []struct {
		ageDays int
		want    Stage
	}{
		{0, Newborn},
		{3, Newborn},
		{4, Baby},
		{7, Baby},
		{8, Toddler},
		{14, Toddler},
		{15, Teen},
		{30, Teen},
		{31, Adult},
		{60, Adult},
		{61, Veteran},
		{1000, Veteran},
	}
	for _, c := range cases {
		if got := StageForAge(c.ageDays); got != c.want {
			t.Errorf("StageForAge(%d) = %v, want %v", c.ageDays, got, c.want)
		}
	}
}

func TestIdentityBlock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := New("+14155550100", now)

	if id.IsBlocked(now) {
		t.Fatal("freshly created identity should not be blocked")
	}
	if id.BlockedUntilAt() != nil {
		t.Fatal("unblocked identity should have a nil BlockedUntilAt")
	}

	until := now.Add(48 * time.Hour)
	id.Block(until)

	if !id.IsBlocked(now.Add(time.Hour)) {
		t.Fatal("identity should be blocked within the window")
	}
	if id.IsBlocked(now.Add(49 * time.Hour)) {
		t.Fatal("identity should no longer be blocked past the deadline")
	}
	got := id.BlockedUntilAt()
	if got == nil || !got.Equal(until) {
		t.Fatalf("BlockedUntilAt = %v, want %v", got, until)
	}
}

func TestIdentityCounters(t *testing.T) {
	id := New("+14155550100", time.Now())
	for i := 0; i < 3; i++ {
		id.IncrementSend()
	}
	c := id.Counters()
	if c.SentToday != 3 || c.SentThisMinute != 3 || c.SentThisHour != 3 || c.TotalSent != 3 || c.Successful != 3 {
		t.Fatalf("unexpected counters after 3 sends: %+v", c)
	}

	id.ResetMinute()
	if got := id.Counters().SentThisMinute; got != 0 {
		t.Fatalf("ResetMinute left SentThisMinute = %d, want 0", got)
	}
	if got := id.Counters().SentToday; got != 3 {
		t.Fatalf("ResetMinute should not touch SentToday, got %d", got)
	}
}

func TestAgeDaysAndStage(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := New("+14155550100", created)
	now := created.Add(10 * 24 * time.Hour)
	if got := id.AgeDays(now); got != 10 {
		t.Fatalf("AgeDays = %d, want 10", got)
	}
	if got := id.Stage(now); got != Toddler {
		t.Fatalf("Stage at age 10 = %v, want Toddler", got)
	}
}
