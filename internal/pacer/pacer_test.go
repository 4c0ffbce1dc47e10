package pacer

import (
	"testing"
	"time"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/identity"
)

func veteranStage(time.Time) identity.Stage { return identity.Veteran }
func newbornStage(time.Time) identity.Stage { return identity.Newborn }

func TestAdmitCooldown(t *testing.T) {
	p := New(veteranStage, config.PacingConfig{})
	now := time.Now()

	d := p.Admit(now)
	if !d.Allowed {
		t.Fatalf("first admit should be allowed, got %+v", d)
	}
	p.Record(now)

	d = p.Admit(now.Add(time.Second))
	if d.Allowed || d.Reason != DenyCooldown {
		t.Fatalf("second admit within cooldown should be denied with DenyCooldown, got %+v", d)
	}

	d = p.Admit(now.Add(identity.Cooldown + time.Millisecond))
	if !d.Allowed {
		t.Fatalf("admit after cooldown elapses should be allowed, got %+v", d)
	}
}

func TestAdmitMinuteCeiling(t *testing.T) {
	p := New(veteranStage, config.PacingConfig{})
	now := time.Now()
	for i := 0; i < identity.MinuteCeiling; i++ {
		now = now.Add(identity.Cooldown)
		if d := p.Admit(now); !d.Allowed {
			t.Fatalf("send %d should be allowed, got %+v", i, d)
		}
		p.Record(now)
	}
	// Still inside the minute window opened by the first send; the minute
	// check runs before the cooldown check.
	now = now.Add(time.Second)
	d := p.Admit(now)
	if d.Allowed || d.Reason != DenyMinute {
		t.Fatalf("send past the minute ceiling should be denied with DenyMinute, got %+v", d)
	}
}

func TestAdmitDailyCapNewborn(t *testing.T) {
	p := New(newbornStage, config.PacingConfig{})
	now := time.Now()
	lim := identity.Limits(identity.Newborn)

	sent := 0
	for sent < lim.DailyCap {
		d := p.Admit(now)
		if !d.Allowed {
			if d.Reason == DenyHourly || d.Reason == DenyMinute {
				now = now.Add(time.Hour)
				continue
			}
			t.Fatalf("unexpected denial before reaching daily cap: %+v", d)
		}
		p.Record(now)
		sent++
		now = now.Add(identity.Cooldown)
	}

	d := p.Admit(now)
	if d.Allowed || d.Reason != DenyDaily {
		t.Fatalf("send past the daily cap should be denied with DenyDaily, got %+v", d)
	}
}

func TestAdmitHonorsMaxMessagesPerDayOverride(t *testing.T) {
	cfg := config.PacingConfig{MaxMessagesPerDay: 2}
	p := New(veteranStage, cfg)
	now := time.Now()

	for i := 0; i < 2; i++ {
		d := p.Admit(now)
		if !d.Allowed {
			t.Fatalf("send %d should be allowed under the override cap, got %+v", i, d)
		}
		p.Record(now)
		now = now.Add(identity.Cooldown)
	}

	d := p.Admit(now)
	if d.Allowed || d.Reason != DenyDaily {
		t.Fatalf("send past the MAX_MESSAGES_PER_DAY override should be denied with DenyDaily, got %+v", d)
	}
}

func TestAdmitHonorsMaxMessagesPerHourOverride(t *testing.T) {
	cfg := config.PacingConfig{MaxMessagesPerHour: 1}
	p := New(veteranStage, cfg)
	now := time.Now()

	d := p.Admit(now)
	if !d.Allowed {
		t.Fatalf("first send should be allowed, got %+v", d)
	}
	p.Record(now)

	d = p.Admit(now.Add(identity.Cooldown))
	if d.Allowed || d.Reason != DenyHourly {
		t.Fatalf("second send within the MAX_MESSAGES_PER_HOUR override should be denied with DenyHourly, got %+v", d)
	}
}

func TestNextDelayHonorsMinMaxDelayOverride(t *testing.T) {
	cfg := config.PacingConfig{MinDelayMS: 100, MaxDelayMS: 200}
	p := New(veteranStage, cfg)
	lim := identity.Limits(identity.Veteran)

	for i := 0; i < 20; i++ {
		d := p.nextDelay(lim)
		if d < 80*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("nextDelay() = %v, want roughly within the MIN_DELAY_MS/MAX_DELAY_MS override plus jitter", d)
		}
	}
}

func TestBreakScheduleHonorsOverrides(t *testing.T) {
	cfg := config.PacingConfig{
		ShortBreakEveryN: 2, ShortBreakMinS: 1, ShortBreakMaxS: 1,
		LongBreakEveryN: 4, LongBreakMinS: 2, LongBreakMaxS: 2,
	}
	p := New(veteranStage, cfg)
	lim := identity.Limits(identity.Veteran)

	p.st.totalSent = 1 // next send is ordinal 2: a short break is due
	short := p.nextDelay(lim)
	if short < time.Second {
		t.Fatalf("nextDelay() at the short-break boundary = %v, want at least the 1s override", short)
	}

	p.st.totalSent = 3 // next send is ordinal 4: a long break is due instead
	long := p.nextDelay(lim)
	if long < 2*time.Second {
		t.Fatalf("nextDelay() at the long-break boundary = %v, want at least the 2s override", long)
	}
}

func TestSnapshotResetsWindows(t *testing.T) {
	p := New(veteranStage, config.PacingConfig{})
	now := time.Now()
	p.Admit(now)
	p.Record(now)

	snap := p.Snapshot(now.Add(2 * time.Minute))
	if snap.SentThisMinute != 0 {
		t.Fatalf("SentThisMinute after minute window rolls should be 0, got %d", snap.SentThisMinute)
	}
	if snap.SentToday != 1 {
		t.Fatalf("SentToday should survive a minute-window roll, got %d", snap.SentToday)
	}
}
