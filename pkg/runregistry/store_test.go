package runregistry

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:       "run-1",
		State:       RunStateSuccess,
		Application: "word",
		BaseDir:     "/corpus",
		Stages:      3,
		FileTypes:   []string{"doc", "docx"},
		CreatedAt:   now,
		StartedAt:   &now,
		Counts:      &Counts{Tested: 3, Succeeded: 2, FailOpenConverted: 1},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, RunStateSuccess, got.State)
	assert.Equal(t, []string{"doc", "docx"}, got.FileTypes)
	require.NotNil(t, got.Counts)
	assert.Equal(t, int64(2), got.Counts.Succeeded)
}

func TestStore_WriteRequiresID(t *testing.T) {
	s := NewStore(t.TempDir())
	require.Error(t, s.Write(&RunRecord{}))
	require.Error(t, s.Write(nil))
}

func TestStore_EmptyRoot(t *testing.T) {
	s := NewStore("  ")
	require.Error(t, s.Write(&RunRecord{RunID: "x"}))
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateSuccess, CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "run-2", State: RunStateFailed, CreatedAt: t2, StartedAt: &t2}))
	require.NoError(t, os.WriteFile(s.RootDir()+"/stray.txt", []byte("x"), 0o644))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
	assert.Equal(t, "run-1", got[1].RunID)
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := NewStore(t.TempDir() + "/absent")
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_GetMarksDeadRunUnknown(t *testing.T) {
	s := NewStore(t.TempDir())

	// PID values this large are never allocated.
	require.NoError(t, s.Write(&RunRecord{RunID: "zombie", State: RunStateRunning, PID: 1 << 30}))

	got, err := s.Get("zombie")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)

	reread, err := s.Get("zombie")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, reread.State)
}

func TestStore_GetKeepsLiveRun(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&RunRecord{RunID: "live", State: RunStateRunning, PID: os.Getpid()}))

	got, err := s.Get("live")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, got.State)
}

func TestRunState_Terminal(t *testing.T) {
	assert.False(t, RunStateRunning.Terminal())
	assert.False(t, RunStateUnknown.Terminal())
	assert.True(t, RunStatePartial.Terminal())
	assert.True(t, RunStateInterrupted.Terminal())
}

func TestTracker_Lifecycle(t *testing.T) {
	s := NewStore(t.TempDir())

	tr, err := Begin(s, RunRecord{Application: "excel", Stages: 2})
	require.NoError(t, err)

	rec := tr.Record()
	assert.NotEmpty(t, rec.RunID)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, RunStateRunning, rec.State)
	require.NotNil(t, rec.StartedAt)

	require.NoError(t, tr.Finish(RunStatePartial, &Counts{Tested: 4, FailConvert: 1, Succeeded: 3}, errors.New("converter outage")))

	got, err := s.Get(rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatePartial, got.State)
	assert.Equal(t, "converter outage", got.Error)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, int64(3), got.Counts.Succeeded)
}

func TestTracker_Heartbeat(t *testing.T) {
	s := NewStore(t.TempDir())
	tr, err := Begin(s, RunRecord{RunID: "hb"})
	require.NoError(t, err)

	var calls atomic.Int64
	stop := tr.StartHeartbeat(context.Background(), 10*time.Millisecond, func() Counts {
		n := calls.Add(1)
		return Counts{Tested: n}
	})

	require.Eventually(t, func() bool {
		got, err := s.Get("hb")
		return err == nil && got.Counts != nil && got.Counts.Tested >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
