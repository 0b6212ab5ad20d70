package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/winmend/internal/domain"
)

func TestWatchStatus_FollowsPublishAndClear(t *testing.T) {
	sf := newTestStatusFile(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *domain.Snapshot, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchStatus(ctx, sf, func(s *domain.Snapshot) { updates <- s })
	}()

	next := func() *domain.Snapshot {
		t.Helper()
		select {
		case s := <-updates:
			return s
		case <-time.After(3 * time.Second):
			t.Fatal("no status update")
			return nil
		}
	}

	// Initial state: no file yet
	assert.Empty(t, next().Processes)

	require.NoError(t, sf.Publish(ctx, domain.Snapshot{
		ServicePID: 9,
		Processes:  []domain.MonitoredProcess{{PID: 77, Cmdline: "wine x.exe"}},
	}))
	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return len(s.Processes) == 1 && s.Processes[0].PID == 77
		default:
			return false
		}
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, sf.Clear())
	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.ServicePID == 0 && len(s.Processes) == 0
		default:
			return false
		}
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
