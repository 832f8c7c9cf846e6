package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveGrantsUpToLimit(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Quota.Reserve(t0, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Granted)
	assert.Equal(t, 6, res.Remaining)

	res, err = s.Quota.Reserve(t0, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Granted)
	assert.Equal(t, 0, res.Remaining)

	res, err = s.Quota.Reserve(t0, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Granted)

	st, err := s.Quota.Status(t0, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Used)
	assert.Equal(t, 0, st.Remaining)
}

func TestRecordQuotaUseReleasesUnused(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Quota.Reserve(t0, 1000, 10)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 4, t0))

	st, err := s.Quota.Status(t0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Used)

	total, err := s.Stats.Get(StatTotalChecks)
	require.NoError(t, err)
	assert.Equal(t, "4", total)

	// nothing used: counters untouched
	res, err = s.Quota.Reserve(t0, 1000, 5)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 0, t0.Add(time.Minute)))
	st, err = s.Quota.Status(t0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Used)
	last, err := s.Stats.Get(StatLastCheck)
	require.NoError(t, err)
	assert.Equal(t, t0.Format(time.RFC3339), last)
}

func TestQuotaResetsOnNewDay(t *testing.T) {
	s := newTestStore(t)

	reset, err := s.Quota.ResetIfNeeded(t0)
	require.NoError(t, err)
	assert.True(t, reset)
	reset, err = s.Quota.ResetIfNeeded(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, reset)

	res, err := s.Quota.Reserve(t0, 5, 5)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 5, t0))

	next := t0.Add(24 * time.Hour)
	res, err = s.Quota.Reserve(next, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Granted)
	assert.Equal(t, next.Format("2006-01-02"), res.Date)

	// yesterday's history is retained
	st, err := s.Quota.Status(t0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Used)
}

func TestReservationSettlesOnItsOwnDate(t *testing.T) {
	s := newTestStore(t)

	late := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	res, err := s.Quota.Reserve(late, 100, 10)
	require.NoError(t, err)

	// batch finishes after midnight
	require.NoError(t, s.Quota.RecordQuotaUse(res, 2, late.Add(2*time.Minute)))

	st, err := s.Quota.Status(late, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Used)
	st, err = s.Quota.Status(late.Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)
}

func TestQuotaClockStepBack(t *testing.T) {
	s := newTestStore(t)

	day := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	res, err := s.Quota.Reserve(day, 100, 100)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 100, day))

	// wall clock steps back across midnight
	before := time.Date(2026, 10, 17, 23, 55, 0, 0, time.UTC)
	reset, err := s.Quota.ResetIfNeeded(before)
	require.NoError(t, err)
	assert.False(t, reset)
	_, err = s.Quota.Reserve(before, 100, 1)
	require.NoError(t, err)

	// back on the 18th nothing is left
	res, err = s.Quota.Reserve(day.Add(time.Hour), 100, 100)
	require.NoError(t, err)
	assert.Zero(t, res.Granted)

	st, err := s.Quota.Status(day, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Used)

	last, err := s.Stats.Get(StatLastReset)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", last)
}

func TestQuotaResetKeepsExistingRow(t *testing.T) {
	s := newTestStore(t)

	day := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	res, err := s.Quota.Reserve(day, 50, 7)
	require.NoError(t, err)
	require.NoError(t, s.Quota.RecordQuotaUse(res, 7, day))

	// last_reset lost or rewound: the day's counter survives
	require.NoError(t, s.Stats.Set(StatLastReset, "2026-10-01"))
	reset, err := s.Quota.ResetIfNeeded(day)
	require.NoError(t, err)
	assert.True(t, reset)

	st, err := s.Quota.Status(day, 50)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Used)
}
