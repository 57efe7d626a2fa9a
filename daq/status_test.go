package daq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusCompletion(t *testing.T) {
	require := require.New(t)

	t.Run("SetFinished", func(t *testing.T) {
		s := NewStatus(0)
		require.False(s.Done())

		s.SetFinished()
		require.True(s.Done())
		require.NoError(s.Err())
	})

	t.Run("SetError", func(t *testing.T) {
		s := NewStatus(0)
		cause := errors.New("boom")

		s.SetError(cause)
		require.True(s.Done())
		require.ErrorIs(s.Err(), cause)
	})

	t.Run("FirstCompletionWins", func(t *testing.T) {
		s := NewStatus(0)
		s.SetFinished()
		s.SetError(errors.New("too late"))

		require.NoError(s.Err())

		s = NewStatus(0)
		cause := errors.New("boom")
		s.SetError(cause)
		s.SetFinished()
		s.SetError(errors.New("also too late"))

		require.ErrorIs(s.Err(), cause)
	})

	t.Run("NilErrorIsSuccess", func(t *testing.T) {
		s := NewStatus(0)
		s.SetError(nil)

		require.True(s.Done())
		require.NoError(s.Err())
	})
}

func TestStatusCallbacks(t *testing.T) {
	require := require.New(t)

	t.Run("FiresOnceOnCompletion", func(t *testing.T) {
		s := NewStatus(0)
		count := 0
		var got error
		s.OnComplete(func(err error) {
			count++
			got = err
		})

		cause := errors.New("boom")
		s.SetError(cause)
		s.SetError(errors.New("ignored"))

		require.Equal(1, count)
		require.ErrorIs(got, cause)
	})

	t.Run("LateRegistrationFiresImmediately", func(t *testing.T) {
		s := NewStatus(0)
		s.SetFinished()

		fired := false
		s.OnComplete(func(err error) {
			fired = true
			require.NoError(err)
		})
		require.True(fired)
	})

	t.Run("RegistrationOrder", func(t *testing.T) {
		s := NewStatus(0)
		var order []int
		s.OnComplete(func(error) { order = append(order, 1) })
		s.OnComplete(func(error) { order = append(order, 2) })

		s.SetFinished()
		require.Equal([]int{1, 2}, order)
	})
}

func TestStatusDeadline(t *testing.T) {
	require := require.New(t)

	t.Run("ExpiresWithStatusTimeout", func(t *testing.T) {
		s := NewStatus(10 * time.Millisecond)
		err := s.Wait(time.Second)
		require.ErrorIs(err, ErrStatusTimeout)
		require.True(s.Done())
	})

	t.Run("CompletionStopsDeadline", func(t *testing.T) {
		s := NewStatus(10 * time.Millisecond)
		s.SetFinished()
		time.Sleep(30 * time.Millisecond)
		require.NoError(s.Err())
	})
}

func TestStatusWait(t *testing.T) {
	require := require.New(t)

	t.Run("WaitTimeoutLeavesTokenPending", func(t *testing.T) {
		s := NewStatus(0)
		err := s.Wait(10 * time.Millisecond)
		require.ErrorIs(err, ErrWaitTimeout)
		require.False(s.Done())

		// a later completion is still observed
		s.SetFinished()
		require.NoError(s.Wait(time.Second))
	})

	t.Run("WaitReturnsCarriedError", func(t *testing.T) {
		s := NewStatus(0)
		cause := errors.New("boom")
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.SetError(cause)
		}()

		require.ErrorIs(s.Wait(time.Second), cause)
	})

	t.Run("WaitContextCancel", func(t *testing.T) {
		s := NewStatus(0)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := s.WaitContext(ctx, time.Second)
		require.ErrorIs(err, context.Canceled)
		require.False(s.Done())
	})
}

func TestFinishedStatus(t *testing.T) {
	require := require.New(t)

	s := FinishedStatus()
	require.True(s.Done())
	require.NoError(s.Err())
	require.NoError(s.Wait(time.Millisecond))
}
