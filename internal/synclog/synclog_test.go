package synclog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/lildude/racesync/internal/database/databasetest"
	"github.com/lildude/racesync/internal/model"
	"github.com/lildude/racesync/internal/strava"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) *Sink {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(databasetest.New(t), log)
}

func TestAppendAndDecode(t *testing.T) {
	ctx := context.Background()
	s := newSink(t)

	entries := []Entry{
		{AthleteID: 1, SessionID: "s1", Level: model.LevelInfo, Message: "Batch 1 started", Metadata: BatchStarted{BatchNumber: 1}},
		{AthleteID: 1, SessionID: "s1", Level: model.LevelWarning, Message: "Skipped malformed activity", Metadata: ActivitySkipped{Index: 3, Reason: "missing id"}},
		{AthleteID: 1, SessionID: "s1", Level: model.LevelSuccess, Message: "Batch 1 completed", Metadata: BatchCompleted{
			BatchNumber: 1, ActivitiesFetched: 50, RacesAdded: 2,
			RateLimit: &strava.RateLimit{ShortUsage: 3, ShortLimit: 100, LongUsage: 30, LongLimit: 1000},
		}},
		{AthleteID: 1, SessionID: "s1", Level: model.LevelInfo, Message: "Sync queued"},
		{AthleteID: 1, SessionID: "other", Level: model.LevelError, Message: "Batch 1 failed", Metadata: BatchFailed{BatchNumber: 1, Error: "boom"}},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.ForSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, &BatchStarted{BatchNumber: 1}, got[0].Metadata)
	assert.Equal(t, "activity_skipped", got[1].Kind)
	assert.Equal(t, &ActivitySkipped{Index: 3, Reason: "missing id"}, got[1].Metadata)

	completed, ok := got[2].Metadata.(*BatchCompleted)
	require.True(t, ok, "expected *BatchCompleted, got %T", got[2].Metadata)
	assert.Equal(t, 2, completed.RacesAdded)
	assert.Equal(t, 30, completed.RateLimit.LongUsage)

	assert.Nil(t, got[3].Metadata)
	assert.Empty(t, got[3].Kind)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode("mystery", []byte(`{}`))
	assert.Error(t, err)

	md, err := Decode("session_cancelled", []byte(`{"batches_cancelled":2}`))
	require.NoError(t, err)
	assert.Equal(t, &SessionCancelled{BatchesCancelled: 2}, md)
}

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newSink(t)

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now.Add(-8 * 24 * time.Hour) }
	require.NoError(t, s.Append(ctx, Entry{AthleteID: 1, SessionID: "old", Level: model.LevelInfo, Message: "old"}))
	s.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, s.Append(ctx, Entry{AthleteID: 1, SessionID: "new", Level: model.LevelInfo, Message: "new"}))

	s.now = func() time.Time { return now }
	n, err := s.PurgeOlderThan(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := s.ForSession(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
