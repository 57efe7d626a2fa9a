package daq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klauer/pcdsdaq/logger"
)

func TestTaskManagerLoop(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())

	var count atomic.Int32
	err := mgr.StartLoop("counter", func() bool {
		count.Add(1)
		time.Sleep(time.Millisecond)
		return true
	})
	require.NoError(err)
	require.Equal(1, mgr.TaskCount())

	time.Sleep(20 * time.Millisecond)
	mgr.Stop()
	mgr.Wait()

	require.Greater(count.Load(), int32(0))
	require.Equal(0, mgr.TaskCount())
}

func TestTaskManagerLoopStopsOnFalse(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())

	done := make(chan struct{})
	err := mgr.StartLoop("oneShot", func() bool {
		close(done)
		return false
	})
	require.NoError(err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop body never ran")
	}

	mgr.Stop()
	mgr.Wait()
}

func TestTaskManagerGo(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())

	done := make(chan struct{})
	require.NoError(mgr.Go("worker", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker never ran")
	}

	mgr.Stop()
	mgr.Wait()
}

func TestTaskManagerPanicRecovery(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())

	require.NoError(mgr.Go("panicky", func() { panic("boom") }))

	// a panicking task must not take the manager down
	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())
}

func TestTaskManagerRestartAfterWait(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())

	require.NoError(mgr.Go("first", func() {}))
	mgr.Stop()
	mgr.Wait()

	// Wait recreates the context, so new tasks start fine
	done := make(chan struct{})
	require.NoError(mgr.Go("second", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run after restart")
	}

	mgr.Stop()
	mgr.Wait()
}

func TestTaskManagerRejectsWhenStopped(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.NewNop())
	mgr.Stop()

	require.Error(mgr.Go("late", func() {}))
}
