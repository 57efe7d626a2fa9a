package lcls1_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klauer/pcdsdaq/daq"
	"github.com/klauer/pcdsdaq/lcls1"
	"github.com/klauer/pcdsdaq/logger"
	"github.com/klauer/pcdsdaq/sim"
)

func newTestDaq(t *testing.T) (*lcls1.Daq, *sim.Control) {
	t.Helper()

	ctrl := sim.NewControl()
	client, err := lcls1.New("localhost", sim.NewDialer(ctrl, 2),
		lcls1.WithLogger(logger.NewNop()),
		lcls1.WithBeginThrottle(10*time.Millisecond),
		lcls1.WithRunNumberFunc(func(hutch string, live bool) (int, error) { return 41, nil }),
		lcls1.WithHutch("tst"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctrl.Finish()
		require.NoError(t, client.Close())
		daq.Register(nil)
	})

	return client, ctrl
}

func TestDaqConnect(t *testing.T) {
	require := require.New(t)

	t.Run("ProbesPlatformSlots", func(t *testing.T) {
		client, _ := newTestDaq(t)

		require.False(client.Connected())
		require.NoError(client.Connect())
		require.True(client.Connected())
		require.Equal(lcls1.Connected, client.State())
		require.Equal(uint32(3), client.Metrics().ConnRetryGauge.Load())

		// reconnect is a no-op
		require.NoError(client.Connect())
	})

	t.Run("NotAllocated", func(t *testing.T) {
		ctrl := sim.NewControl()
		client, err := lcls1.New("localhost", sim.NewDialer(ctrl, 99),
			lcls1.WithLogger(logger.NewNop()))
		require.NoError(err)
		defer func() {
			require.NoError(client.Close())
			daq.Register(nil)
		}()

		require.ErrorIs(client.Connect(), daq.ErrNotAllocated)
	})

	t.Run("ConnectionFailed", func(t *testing.T) {
		client, err := lcls1.New("localhost", sim.NewFailingDialer(errors.New("refused")),
			lcls1.WithLogger(logger.NewNop()))
		require.NoError(err)
		defer func() {
			require.NoError(client.Close())
			daq.Register(nil)
		}()

		err = client.Connect()
		require.ErrorIs(err, daq.ErrConnectionFailed)
		require.NotErrorIs(err, daq.ErrNotAllocated)
	})
}

func TestDaqConfigure(t *testing.T) {
	require := require.New(t)

	t.Run("AutoConnects", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		require.NoError(client.Configure(daq.WithEvents(100), daq.WithRecord(true)))
		require.True(client.Connected())
		require.True(client.Configured())
		require.Equal(lcls1.Configured, client.State())
		require.Contains(ctrl.Calls(), "configure")
	})

	t.Run("RejectedDuringRun", func(t *testing.T) {
		client, _ := newTestDaq(t)

		require.NoError(client.Configure(daq.WithEvents(10)))
		status, err := client.Kickoff()
		require.NoError(err)
		require.NoError(status.Wait(5 * time.Second))
		require.Equal(lcls1.Running, client.State())

		require.ErrorIs(client.Configure(daq.WithEvents(20)), daq.ErrInvalidTransition)
	})

	t.Run("DirtyConfigDuringRunBlocksKickoff", func(t *testing.T) {
		client, _ := newTestDaq(t)

		require.NoError(client.Configure(daq.WithEvents(10)))
		status, err := client.Kickoff()
		require.NoError(err)
		require.NoError(status.Wait(5 * time.Second))

		require.NoError(client.Preconfig(daq.WithRecord(true)))
		_, err = client.Kickoff()
		require.ErrorIs(err, daq.ErrInvalidTransition)
	})
}

func TestDaqBegin(t *testing.T) {
	require := require.New(t)

	t.Run("RunLifecycle", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		events := 120
		require.NoError(client.Begin(daq.BeginOptions{Events: &events}))
		require.Equal(lcls1.Running, client.State())
		require.True(client.Running())
		require.True(client.Active())
		require.Equal(uint64(1), client.Metrics().BeginCount.Load())

		go func() {
			time.Sleep(20 * time.Millisecond)
			ctrl.Finish()
		}()

		require.NoError(client.Wait(5*time.Second, true))
		require.Equal(lcls1.Configured, client.State())
		require.False(client.Active())
		require.Contains(ctrl.Calls(), "endrun")
	})

	t.Run("ShortDurationFailsBeforePeerContact", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		duration := 500 * time.Millisecond
		err := client.Begin(daq.BeginOptions{Duration: &duration})
		require.ErrorIs(err, daq.ErrDurationTooShort)
		require.Empty(ctrl.Calls())
	})

	t.Run("ThrottleAfterStop", func(t *testing.T) {
		client, _ := newTestDaq(t)

		events := 100
		require.NoError(client.Begin(daq.BeginOptions{Events: &events}))
		require.NoError(client.Stop())

		start := time.Now()
		require.NoError(client.Begin(daq.BeginOptions{Events: &events}))
		require.GreaterOrEqual(time.Since(start), 9*time.Millisecond,
			"begin must sit out the throttle window after a stop")
	})

	t.Run("BeginErrorPropagates", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		require.NoError(client.Configure(daq.WithEvents(10)))
		ctrl.BeginErr = errors.New("dropped connection")

		events := 10
		err := client.Begin(daq.BeginOptions{Events: &events})
		require.Error(err)
		require.Equal(uint64(1), client.Metrics().BeginErrCount.Load())
	})

	t.Run("ControlReadFailure", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		require.NoError(client.Connect())
		controls := []daq.ControlVar{{
			Name: "motor_x",
			Read: func() (float64, error) { return 0, errors.New("ioc down") },
		}}
		events := 10
		err := client.Begin(daq.BeginOptions{Events: &events, Controls: controls})
		require.Error(err)
		require.NotContains(ctrl.Calls(), "begin")
	})
}

func TestDaqInfiniteRun(t *testing.T) {
	require := require.New(t)

	client, _ := newTestDaq(t)

	require.NoError(client.BeginInfinite())
	require.Equal(lcls1.Running, client.State())

	require.ErrorIs(client.Wait(time.Second, false), daq.ErrInfiniteRun)

	require.NoError(client.Stop())
	require.Equal(lcls1.Open, client.State())
}

func TestDaqTrigger(t *testing.T) {
	require := require.New(t)

	t.Run("Unconfigured", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		_, err := client.Trigger()
		require.ErrorIs(err, daq.ErrNotConfigured)
		require.Empty(ctrl.Calls())
	})

	t.Run("CompletesOnAcquisitionEnd", func(t *testing.T) {
		client, ctrl := newTestDaq(t)

		require.NoError(client.Preconfig(daq.WithEvents(3)))
		status, err := client.Trigger()
		require.NoError(err)
		require.False(status.Done())

		ctrl.Finish()
		require.NoError(status.Wait(5 * time.Second))
	})
}

func TestDaqPauseResume(t *testing.T) {
	require := require.New(t)

	client, _ := newTestDaq(t)

	events := 100
	require.NoError(client.Begin(daq.BeginOptions{Events: &events}))
	require.Equal(lcls1.Running, client.State())

	require.NoError(client.Pause())
	require.Equal(lcls1.Open, client.State())

	require.NoError(client.Resume())
	require.Equal(lcls1.Running, client.State())
}

func TestDaqDisconnectResetsConfig(t *testing.T) {
	require := require.New(t)

	client, ctrl := newTestDaq(t)

	require.NoError(client.Configure(daq.WithEvents(100), daq.WithRecord(true)))
	client.Disconnect()

	require.False(client.Connected())
	require.False(client.Configured())
	require.Equal(lcls1.Disconnected, client.State())
	require.Contains(ctrl.Calls(), "disconnect")

	// a fresh kickoff reconnects and reconfigures from defaults
	status, err := client.Kickoff()
	require.NoError(err)
	require.NoError(status.Wait(5 * time.Second))
	require.Equal(lcls1.Running, client.State())
}

func TestDaqStateQueryFailure(t *testing.T) {
	require := require.New(t)

	client, ctrl := newTestDaq(t)

	require.NoError(client.Connect())
	ctrl.StateErr = errors.New("peer hung")

	// a peer that stops answering must not look ready
	state := client.State()
	require.NotEqual(lcls1.Connected, state)
	require.NotEqual(lcls1.Running, state)

	err := client.Configure(daq.WithEvents(10))
	require.Error(err)
	require.NotErrorIs(err, daq.ErrInvalidTransition)

	ctrl.StateErr = nil
	require.NoError(client.Configure(daq.WithEvents(10)))
}

func newCountingDaq(t *testing.T, lookups *int, lookupErr error) (*lcls1.Daq, *sim.Control) {
	t.Helper()

	ctrl := sim.NewControl()
	client, err := lcls1.New("localhost", sim.NewDialer(ctrl, 2),
		lcls1.WithLogger(logger.NewNop()),
		lcls1.WithBeginThrottle(time.Millisecond),
		lcls1.WithRunNumberFunc(func(hutch string, live bool) (int, error) {
			*lookups++
			return 41, lookupErr
		}),
		lcls1.WithHutch("tst"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctrl.Finish()
		require.NoError(t, client.Close())
		daq.Register(nil)
	})

	return client, ctrl
}

func TestDaqRunNumberLookup(t *testing.T) {
	require := require.New(t)

	kickoffAndStop := func(client *lcls1.Daq) {
		status, err := client.Kickoff()
		require.NoError(err)
		require.NoError(status.Wait(5 * time.Second))
		require.NoError(client.Stop())
	}

	t.Run("OnlyForRecordedRuns", func(t *testing.T) {
		lookups := 0
		client, _ := newCountingDaq(t, &lookups, nil)

		require.NoError(client.Configure(daq.WithEvents(10)))
		kickoffAndStop(client)
		require.Zero(lookups, "unrecorded runs must not look up the run number")
	})

	t.Run("RepeatsOnSuccess", func(t *testing.T) {
		lookups := 0
		client, _ := newCountingDaq(t, &lookups, nil)

		require.NoError(client.Configure(daq.WithEvents(10), daq.WithRecord(true)))
		kickoffAndStop(client)
		kickoffAndStop(client)
		require.Equal(2, lookups)
	})

	t.Run("FailureCachedOnce", func(t *testing.T) {
		lookups := 0
		client, _ := newCountingDaq(t, &lookups, errors.New("script timed out"))

		require.NoError(client.Configure(daq.WithEvents(10), daq.WithRecord(true)))
		kickoffAndStop(client)
		kickoffAndStop(client)
		require.Equal(1, lookups, "a failed lookup must not be retried")
	})
}

func TestDaqStaging(t *testing.T) {
	require := require.New(t)

	client, _ := newTestDaq(t)

	require.NoError(client.BeginInfinite())
	require.True(client.Running())

	require.NoError(client.Stage())
	require.False(client.Active(), "staging must end the background run")

	require.NoError(client.Unstage())
	require.True(client.Running(), "unstaging must restore the background run")

	require.NoError(client.EndRun())
}
