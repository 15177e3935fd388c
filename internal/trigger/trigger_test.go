package trigger

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedulezero/schedulezero/internal/domain"
)

func mustParse(t *testing.T, raw string) Trigger {
	t.Helper()
	trig, err := Parse(json.RawMessage(raw), time.UTC)
	require.NoError(t, err)
	return trig
}

// ---- date ----

func TestDate_FiresOnceThenExhausts(t *testing.T) {
	trig := mustParse(t, `{"type":"date","run_date":"2030-01-01T00:00:00Z"}`)

	next, ok := trig.NextAfter(time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), next)

	_, ok = trig.NextAfter(next)
	assert.False(t, ok, "a date trigger must not fire after its instant")
}

func TestDate_RequiresRunDate(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"type":"date"}`), time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

// ---- interval ----

func TestInterval_PeriodMath(t *testing.T) {
	trig := mustParse(t, `{"type":"interval","seconds":1,"start":"2030-01-01T00:00:00Z"}`)
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	next, ok := trig.NextAfter(t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), next, "an exact multiple advances one full period")

	next, ok = trig.NextAfter(t0.Add(2500 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Second), next)
}

func TestInterval_BeforeStartFiresAtStart(t *testing.T) {
	trig := mustParse(t, `{"type":"interval","minutes":5,"start":"2030-01-01T00:00:00Z"}`)
	next, ok := trig.NextAfter(time.Date(2029, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestInterval_EndBound(t *testing.T) {
	trig := mustParse(t, `{"type":"interval","hours":1,"start":"2030-01-01T00:00:00Z","end":"2030-01-01T02:00:00Z"}`)
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	next, ok := trig.NextAfter(t0.Add(90 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), next)

	_, ok = trig.NextAfter(t0.Add(2 * time.Hour))
	assert.False(t, ok, "no fires past the end bound")
}

func TestInterval_SubSecondPeriod(t *testing.T) {
	trig := mustParse(t, `{"type":"interval","milliseconds":100,"start":"2030-01-01T00:00:00Z"}`)
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := trig.NextAfter(t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(100*time.Millisecond), next)
}

func TestInterval_RejectsZeroPeriod(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"type":"interval","start":"2030-01-01T00:00:00Z"}`), time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

// ---- cron ----

func TestCron_NextInUTC(t *testing.T) {
	trig := mustParse(t, `{"type":"cron","minute":"0","hour":"*/2"}`)
	next, ok := trig.NextAfter(time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 2, 4, 0, 0, 0, time.UTC), next)
}

func TestCron_Timezone(t *testing.T) {
	trig := mustParse(t, `{"type":"cron","minute":"0","hour":"3","tz":"America/New_York"}`)
	// 2025-01-02 07:00Z is 02:00 EST; next 3AM New York is 08:00Z.
	next, ok := trig.NextAfter(time.Date(2025, 1, 2, 7, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), next)
}

func TestCron_DomDowUseORSemantics(t *testing.T) {
	// Day 15 OR Monday. From Friday 2025-01-10: Monday the 13th fires,
	// then Wednesday the 15th.
	trig := mustParse(t, `{"type":"cron","minute":"0","hour":"0","day":"15","day_of_week":"1"}`)

	first, ok := trig.NextAfter(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), first)

	second, ok := trig.NextAfter(first)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), second)
}

func TestCron_DSTSpringForwardSkips(t *testing.T) {
	// New York springs forward 2025-03-09: 02:30 never occurs that day.
	trig := mustParse(t, `{"type":"cron","minute":"30","hour":"2","tz":"America/New_York"}`)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	from := time.Date(2025, 3, 9, 0, 0, 0, 0, loc)
	next, ok := trig.NextAfter(from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 30, 0, 0, loc).UTC(), next)
}

func TestCron_DSTFallBackFiresBothUTCInstants(t *testing.T) {
	// New York falls back 2025-11-02: wall clock 01:30 occurs at 05:30Z
	// (EDT) and again at 06:30Z (EST). Both fire, each exactly once.
	trig := mustParse(t, `{"type":"cron","minute":"30","hour":"1","tz":"America/New_York"}`)

	first, ok := trig.NextAfter(time.Date(2025, 11, 2, 4, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC), first)

	second, ok := trig.NextAfter(first)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 2, 6, 30, 0, 0, time.UTC), second)

	third, ok := trig.NextAfter(second)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 3, 6, 30, 0, 0, time.UTC), third)
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"type":"cron","minute":"61"}`), time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

func TestCron_UnknownTimezone(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"type":"cron","minute":"0","tz":"Mars/Olympus"}`), time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

// ---- shared laws ----

func TestNextAfter_StrictlyMonotone(t *testing.T) {
	cases := map[string]string{
		"interval": `{"type":"interval","seconds":30,"start":"2030-01-01T00:00:00Z"}`,
		"cron":     `{"type":"cron","minute":"*/15"}`,
	}
	for name, raw := range cases {
		trig := mustParse(t, raw)
		at := time.Date(2030, 1, 1, 0, 0, 1, 0, time.UTC)
		for i := 0; i < 5; i++ {
			next, ok := trig.NextAfter(at)
			require.True(t, ok, name)
			assert.True(t, next.After(at), "%s: %v must be after %v", name, next, at)
			at = next
		}
	}
}

// ---- Normalize ----

func TestNormalize_AnchorsIntervalStart(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	trig, norm, err := Normalize(json.RawMessage(`{"type":"interval","seconds":1}`), now, time.UTC)
	require.NoError(t, err)
	assert.Contains(t, string(norm), `"start":"2030-01-01T00:00:00Z"`)

	next, ok := trig.NextAfter(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), next)

	// The persisted form reconstructs the identical trigger.
	again, err := Parse(norm, time.UTC)
	require.NoError(t, err)
	nextAgain, ok := again.NextAfter(now)
	require.True(t, ok)
	assert.Equal(t, next, nextAgain)
}

func TestNormalize_StampsCronZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	_, norm, err := Normalize(json.RawMessage(`{"type":"cron","minute":"0"}`), time.Now(), ny)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(norm), `"tz":"America/New_York"`))
}

func TestNormalize_RejectsPastDate(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := Normalize(json.RawMessage(`{"type":"date","run_date":"2020-01-01T00:00:00Z"}`), now, time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

func TestNormalize_RejectsUnknownType(t *testing.T) {
	_, _, err := Normalize(json.RawMessage(`{"type":"weekly"}`), time.Now(), time.UTC)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}
