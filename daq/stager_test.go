package daq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klauer/pcdsdaq/logger"
)

func TestStagerRoundTrip(t *testing.T) {
	require := require.New(t)

	t.Run("IdleClient", func(t *testing.T) {
		client := &fakeClient{}
		bus := NewRunBus()
		stager := NewStager(client, bus, logger.NewNop())

		require.NoError(stager.Stage())
		require.True(stager.Staged())
		require.Equal(1, client.endRunCalls)

		require.NoError(stager.Unstage())
		require.False(stager.Staged())
		require.Equal(0, client.beginInfiniteCalls, "idle client must not start acquiring")
	})

	t.Run("RestoresBackgroundAcquisition", func(t *testing.T) {
		client := &fakeClient{running: true, active: true}
		bus := NewRunBus()
		stager := NewStager(client, bus, logger.NewNop())

		require.NoError(stager.Stage())
		require.Equal(1, client.endRunCalls)

		client.running = false
		client.active = false

		require.NoError(stager.Unstage())
		require.Equal(1, client.beginInfiniteCalls)

		// a second cycle with the DAQ now idle does not restart it
		client.running = false
		client.active = false
		require.NoError(stager.Stage())
		require.NoError(stager.Unstage())
		require.Equal(1, client.beginInfiniteCalls)
	})

	t.Run("EndsOpenRunOnUnstage", func(t *testing.T) {
		client := &fakeClient{}
		stager := NewStager(client, NewRunBus(), logger.NewNop())

		require.NoError(stager.Stage())
		client.active = true

		require.NoError(stager.Unstage())
		require.Equal(2, client.endRunCalls)
	})

	t.Run("DoubleStageFails", func(t *testing.T) {
		stager := NewStager(&fakeClient{}, NewRunBus(), logger.NewNop())
		require.NoError(stager.Stage())
		require.Error(stager.Stage())
	})

	t.Run("UnstageWithoutStageIsNoop", func(t *testing.T) {
		client := &fakeClient{}
		stager := NewStager(client, NewRunBus(), logger.NewNop())
		require.NoError(stager.Unstage())
		require.Zero(client.endRunCalls)
	})

	t.Run("StageFailureUnwinds", func(t *testing.T) {
		client := &fakeClient{endRunErr: errors.New("peer gone")}
		stager := NewStager(client, NewRunBus(), logger.NewNop())

		require.Error(stager.Stage())
		require.False(stager.Staged())
	})
}

func TestStagerEndsRunOnStopDocument(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{}
	bus := NewRunBus()
	stager := NewStager(client, bus, logger.NewNop())

	require.NoError(stager.Stage())
	require.Equal(1, client.endRunCalls)

	bus.Publish(Document{Type: StartDocument, RunID: "r1"})
	require.Equal(1, client.endRunCalls, "start documents are ignored")

	bus.Publish(Document{Type: StopDocument, RunID: "r1"})
	require.Equal(2, client.endRunCalls)

	require.NoError(stager.Unstage())

	// unsubscribed after unstage
	bus.Publish(Document{Type: StopDocument, RunID: "r2"})
	require.Equal(2, client.endRunCalls)
}

func TestRunBusUnsubscribe(t *testing.T) {
	require := require.New(t)

	bus := NewRunBus()
	count := 0
	token := bus.Subscribe(func(Document) { count++ })

	bus.Publish(Document{Type: StopDocument})
	require.Equal(1, count)

	bus.Unsubscribe(token)
	bus.Publish(Document{Type: StopDocument})
	require.Equal(1, count)

	// unknown tokens are ignored
	bus.Unsubscribe("bogus")
}

// fakeClient implements Client with just enough behavior for staging tests.
type fakeClient struct {
	running            bool
	active             bool
	endRunCalls        int
	beginInfiniteCalls int
	endRunErr          error
}

func (c *fakeClient) Connect() error   { return nil }
func (c *fakeClient) Disconnect()      {}
func (c *fakeClient) Connected() bool  { return true }
func (c *fakeClient) Configured() bool { return true }
func (c *fakeClient) State() State     { return State{} }
func (c *fakeClient) Running() bool    { return c.running }
func (c *fakeClient) Active() bool     { return c.active }
func (c *fakeClient) Close() error     { return nil }
func (c *fakeClient) Stop() error      { return nil }
func (c *fakeClient) Pause() error     { return nil }
func (c *fakeClient) Resume() error    { return nil }
func (c *fakeClient) Stage() error     { return nil }
func (c *fakeClient) Unstage() error   { return nil }

func (c *fakeClient) EndRun() error {
	c.endRunCalls++
	return c.endRunErr
}

func (c *fakeClient) BeginInfinite() error {
	c.beginInfiniteCalls++
	c.running = true
	c.active = true

	return nil
}

func (c *fakeClient) Preconfig(opts ...Option) error { return nil }
func (c *fakeClient) Configure(opts ...Option) error { return nil }
func (c *fakeClient) Begin(opts BeginOptions) error  { return nil }
func (c *fakeClient) Kickoff() (*Status, error)      { return FinishedStatus(), nil }
func (c *fakeClient) Wait(time.Duration, bool) error { return nil }
func (c *fakeClient) Trigger() (*Status, error)      { return FinishedStatus(), nil }
func (c *fakeClient) Complete() (*Status, error)     { return FinishedStatus(), nil }
func (c *fakeClient) RunNumber() (int, error)        { return 0, nil }
