package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordAndQueryRecentFailures(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.RecordExecution(ctx, Execution{
		SessionID: "s1", TaskID: "t1", Provider: "claude", Model: "opus",
		Success: false, ValidationPassed: false, FailureSummary: "build failed", Duration: 2 * time.Second,
	}))
	require.NoError(t, s.RecordExecution(ctx, Execution{
		SessionID: "s1", TaskID: "t2", Provider: "claude", Model: "opus",
		Success: true, ValidationPassed: true, JudgePassed: true, Duration: time.Second,
	}))

	failures := s.RecentFailures(ctx, 5)
	require.Len(t, failures, 1)
	require.Contains(t, failures[0], "t1")
	require.Contains(t, failures[0], "build failed")
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	require.NoError(t, s.RecordExecution(context.Background(), Execution{}))
	require.Nil(t, s.RecentFailures(context.Background(), 5))
	require.NoError(t, s.Close())
}
