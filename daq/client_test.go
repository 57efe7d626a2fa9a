package daq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klauer/pcdsdaq/logger"
)

// beginClient hands out a caller-provided kickoff token so tests can control
// when, or whether, the begin phase completes.
type beginClient struct {
	fakeClient
	kickoff *Status
}

func (c *beginClient) Kickoff() (*Status, error) { return c.kickoff, nil }

func TestRunBeginAbandonedKickoff(t *testing.T) {
	require := require.New(t)

	t.Run("TimeoutCompletesToken", func(t *testing.T) {
		client := &beginClient{kickoff: NewStatus(0)}

		err := RunBegin(client, nil, logger.NewNop(), BeginOptions{},
			10*time.Millisecond, 0)
		require.ErrorIs(err, ErrBeginTimeout)
		require.True(client.kickoff.Done(),
			"a timed-out begin must not leave the kickoff token pending")
		require.ErrorIs(client.kickoff.Err(), ErrBeginTimeout)
	})

	t.Run("CancelCompletesToken", func(t *testing.T) {
		client := &beginClient{kickoff: NewStatus(0)}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := RunBegin(client, nil, logger.NewNop(), BeginOptions{Ctx: ctx},
			time.Second, 0)
		require.ErrorIs(err, context.Canceled)
		require.True(client.kickoff.Done())
	})
}
