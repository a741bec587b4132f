package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 300, s.CheckIntervalSeconds)
		assert.Equal(t, 30, s.ErrorBlackoutMinutes)
		assert.Equal(t, 3, s.ErrorBlackoutThreshold)
		assert.Equal(t, "Australia/Sydney", s.Timezone)
	})

	t.Run("v2 to v3: timezone default", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{Timezone: ""}, 2)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "Australia/Sydney", s.Timezone)
	})

	t.Run("v2 to v3: explicit timezone preserved", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{Timezone: "Australia/Brisbane"}, 2)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "Australia/Brisbane", s.Timezone)
	})

	t.Run("v3 to v4: cents threshold converted", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{CurtailmentThresholdDollarsPerKWH: -6}, 3)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.InDelta(t, -0.06, s.CurtailmentThresholdDollarsPerKWH, 0.0001)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			DeviceSN:             "60BH37202BFA097",
			CheckIntervalSeconds: 300,
			Timezone:             "Australia/Sydney",
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestCooldownRecordEligible(t *testing.T) {
	now := mustParseTime(t, "2026-01-05T10:00:00+11:00")

	t.Run("zero record", func(t *testing.T) {
		assert.True(t, CooldownRecord{}.Eligible(now))
	})

	t.Run("inside window", func(t *testing.T) {
		r := CooldownRecord{
			RuleID:          "r1",
			LastTriggered:   now.Add(-30 * time.Minute),
			CooldownMinutes: 60,
		}
		assert.False(t, r.Eligible(now))
	})

	t.Run("exactly elapsed", func(t *testing.T) {
		r := CooldownRecord{
			RuleID:          "r1",
			LastTriggered:   now.Add(-60 * time.Minute),
			CooldownMinutes: 60,
		}
		assert.True(t, r.Eligible(now))
	})
}

func TestSegmentSameContent(t *testing.T) {
	a := ScheduleSegment{
		Enabled:     true,
		WorkMode:    WorkModeForceCharge,
		StartHour:   10,
		StartMinute: 30,
		EndHour:     12,
		EndMinute:   0,
		PowerWatts:  5000,
	}
	b := a
	assert.True(t, a.SameContent(b))

	b.EndMinute = 30
	assert.False(t, a.SameContent(b))

	b = a
	b.PowerWatts = 4000
	assert.False(t, a.SameContent(b))
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
