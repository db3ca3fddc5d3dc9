package session

import (
	"os"
	"testing"
	"time"

	"github.com/blueman82/ralph/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionSetsActivePointer(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := m.CreateSession(map[string]any{"workers": 4}, 10, "main", "abc123")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	idx, err := m.loadIndex()
	require.NoError(t, err)
	require.Equal(t, id, idx.ActiveSession)
	require.Len(t, idx.Sessions, 1)
	require.Equal(t, models.SessionRunning, idx.Sessions[0].Status)
}

func TestStartAndCompleteTask(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	id, err := m.CreateSession(nil, 1, "main", "abc")
	require.NoError(t, err)

	require.NoError(t, m.StartTask(id, "task-1"))
	s, err := m.readSession(id)
	require.NoError(t, err)
	require.Equal(t, "task-1", s.CurrentTask)

	require.NoError(t, m.CompleteTask(id, "task-1"))
	s, err = m.readSession(id)
	require.NoError(t, err)
	require.Empty(t, s.CurrentTask)
	require.Equal(t, []string{"task-1"}, s.CompletedTasks)
	require.Equal(t, 1, s.CompletedTaskCount)
}

func TestCompleteSessionClearsActivePointer(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	id, err := m.CreateSession(nil, 1, "main", "abc")
	require.NoError(t, err)

	require.NoError(t, m.CompleteSession(id))
	idx, err := m.loadIndex()
	require.NoError(t, err)
	require.Empty(t, idx.ActiveSession)
}

// TestSessionResumptionAfterCrash is spec.md §8 property 8.
func TestSessionResumptionAfterCrash(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	id, err := m.CreateSession(nil, 1, "main", "abc")
	require.NoError(t, err)
	require.NoError(t, m.StartTask(id, "task-T"))

	s, err := m.readSession(id)
	require.NoError(t, err)
	s.PID = findUnusedPID(t)
	require.NoError(t, m.writeSession(s))

	resumed, orphaned, err := m.Resume("")
	require.NoError(t, err)
	require.Equal(t, "task-T", orphaned)
	require.Equal(t, models.SessionRunning, resumed.Status)
}

func TestAbortSessionWithNoActiveSessionErrors(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	err = m.AbortSession("")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCleanupRemovesOldNonRunningSessions(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	id, err := m.CreateSession(nil, 1, "main", "abc")
	require.NoError(t, err)
	require.NoError(t, m.CompleteSession(id))

	s, err := m.readSession(id)
	require.NoError(t, err)
	s.StartedAt = time.Now().AddDate(0, 0, -30)
	require.NoError(t, m.writeSession(s))

	idx, err := m.loadIndex()
	require.NoError(t, err)
	idx.Sessions[0].StartedAt = s.StartedAt
	require.NoError(t, m.writeIndex(idx))

	removed, err := m.Cleanup(7)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = os.Stat(m.sessionPath(id))
	require.True(t, os.IsNotExist(err))
}

func TestListSessionsOrdersNewestFirst(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	id1, err := m.CreateSession(nil, 1, "main", "a")
	require.NoError(t, err)
	id2, err := m.CreateSession(nil, 1, "main", "b")
	require.NoError(t, err)

	idx, err := m.loadIndex()
	require.NoError(t, err)
	for i, e := range idx.Sessions {
		if e.SessionID == id1 {
			idx.Sessions[i].StartedAt = time.Now().Add(-time.Hour)
		}
	}
	require.NoError(t, m.writeIndex(idx))

	list, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, id2, list[0].SessionID)
}

func findUnusedPID(t *testing.T) int {
	t.Helper()
	for pid := 1 << 20; pid < (1<<20)+1000; pid++ {
		if !IsProcessAlive(pid) {
			return pid
		}
	}
	t.Fatal("could not find an unused pid")
	return 0
}
