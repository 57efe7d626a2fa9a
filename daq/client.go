package daq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauer/pcdsdaq/internal/pool"
	"github.com/klauer/pcdsdaq/logger"
)

// Client is the backend-independent DAQ control contract. The lcls1 and lcls2
// packages provide the two concrete implementations; scanning code and the
// run-boundary Stager talk to this interface only.
//
// A Client is not safe for concurrent control calls from multiple goroutines;
// one orchestrator owns it. The completion tokens it hands out are safe to
// share.
type Client interface {
	// Connect establishes the control connection. It is a no-op when already
	// connected.
	Connect() error
	// Disconnect tears down the control connection and resets cached run
	// configuration. It is a no-op when already disconnected.
	Disconnect()
	// Connected reports whether the control connection is up.
	Connected() bool
	// Configured reports whether the staged configuration was applied.
	Configured() bool
	// State returns the current control state.
	State() State

	// Preconfig stages run parameters into the cache without touching the
	// peer. Values holding the inherit sentinel keep their previous setting.
	Preconfig(opts ...Option) error
	// Configure stages run parameters and applies them to the peer.
	Configure(opts ...Option) error

	// Begin starts a run and optionally waits for it per opts.
	Begin(opts BeginOptions) error
	// BeginInfinite starts an open-ended run without disturbing the cached
	// events and duration configuration.
	BeginInfinite() error
	// Kickoff starts a run in the background and returns a token completing
	// when acquisition has begun.
	Kickoff() (*Status, error)
	// Wait blocks until the current run finishes or timeout elapses. Waiting
	// on an open-ended run fails with ErrInfiniteRun. If endRun is true the
	// run is ended after the acquisition completes.
	Wait(timeout time.Duration, endRun bool) error
	// Stop halts the current acquisition, keeping the run open. It is a no-op
	// when nothing is acquiring.
	Stop() error
	// EndRun stops acquisition and closes the run. It is a no-op when no run
	// is open.
	EndRun() error

	// Trigger starts one configured acquisition and returns a token completing
	// when the acquisition finishes. It fails with ErrNotConfigured when
	// neither events nor duration is configured.
	Trigger() (*Status, error)
	// Complete stops an open-ended acquisition and returns a token completing
	// when it has wound down.
	Complete() (*Status, error)

	// Stage puts the client into a clean state at scan start and arranges for
	// run-boundary cleanup. Calling it twice without Unstage is an error.
	Stage() error
	// Unstage undoes Stage, restoring any background acquisition that was
	// interrupted.
	Unstage() error

	// Pause suspends the current acquisition.
	Pause() error
	// Resume continues a paused acquisition.
	Resume() error

	// RunNumber returns the current run number from the experiment database.
	RunNumber() (int, error)
	// Running reports whether the DAQ is acquiring.
	Running() bool
	// Active reports whether a run is open (acquiring or paused within a run).
	Active() bool

	// Close disconnects and releases all background resources. The client is
	// unusable afterwards.
	Close() error
}

// BeginOptions controls one Begin call. Run parameter fields left nil inherit
// the cached configuration for this run only; non-nil fields override it
// without being written back to the cache (except Record, which is staged for
// the run and restored afterwards by the backend).
type BeginOptions struct {
	// Ctx aborts the begin call when done. The run converges to a stopped or
	// ended state before the context error is returned.
	Ctx context.Context
	// Wait blocks until the acquisition finishes.
	Wait bool
	// EndRun closes the run once the acquisition finishes.
	EndRun bool

	Events   *int
	Duration *time.Duration
	Record   *bool
	UseL3T   *bool
	Controls []ControlVar
}

// RunBegin drives the common begin flow on behalf of a backend: kick off the
// run, wait for acquisition to start within beginTimeout, honor the
// post-begin grace period, then wait for and/or end the run per opts.
//
// On context cancellation the run converges first: it is ended when opts
// requested an end, stopped otherwise, and only then is the context error
// returned.
func RunBegin(c Client, mgr *TaskManager, l logger.Logger, opts BeginOptions, beginTimeout, beginSleep time.Duration) error {
	if l == nil {
		l = logger.GetLogger()
	}
	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	status, err := c.Kickoff()
	if err != nil {
		return err
	}

	err = status.WaitContext(ctx, beginTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		// complete the abandoned token; a pending one keeps backend
		// subscriptions alive with no one left to resolve it
		err = fmt.Errorf("%w after %s", ErrBeginTimeout, beginTimeout)
		status.SetError(err)

		return err
	case ctx.Err() != nil:
		status.SetError(err)
		return converge(c, l, opts.EndRun, err)
	default:
		return err
	}

	if beginSleep > 0 {
		timer := pool.GetTimer(beginSleep)
		select {
		case <-timer.C:
			pool.PutTimer(timer)
		case <-ctx.Done():
			pool.PutTimer(timer)
			return converge(c, l, opts.EndRun, ctx.Err())
		}
	}

	if opts.Wait {
		waitErr := make(chan error, 1)
		go func() { waitErr <- c.Wait(0, opts.EndRun) }()

		select {
		case err := <-waitErr:
			return err
		case <-ctx.Done():
			return converge(c, l, opts.EndRun, ctx.Err())
		}
	}

	if opts.EndRun {
		return mgr.Go("beginEnder", func() {
			if err := c.Wait(0, true); err != nil {
				l.Error("failed to end run after acquisition", "error", err)
			}
		})
	}

	return nil
}

// StageOverrides stages the per-run parameter overrides of one Begin call
// into cfg and returns a function restoring the previous cache values. The
// use-l3t override is staged under useL3TParam when the backend names one;
// backends without a level-3 trigger pass an empty name and the override is
// rejected.
func StageOverrides(cfg *Config, opts BeginOptions, useL3TParam string) (func(), error) {
	saved := make(map[string]Value)
	var stage []Option

	if opts.Events != nil {
		// staging events clears duration, save both
		saved[ParamEvents] = cfg.Value(ParamEvents)
		saved[ParamDuration] = cfg.Value(ParamDuration)
		stage = append(stage, WithEvents(*opts.Events))
	}
	if opts.Duration != nil {
		saved[ParamEvents] = cfg.Value(ParamEvents)
		saved[ParamDuration] = cfg.Value(ParamDuration)
		stage = append(stage, WithDuration(*opts.Duration))
	}
	if opts.Record != nil {
		saved[ParamRecord] = cfg.Value(ParamRecord)
		stage = append(stage, WithRecord(*opts.Record))
	}
	if opts.Controls != nil {
		saved[ParamControls] = cfg.Value(ParamControls)
		stage = append(stage, WithControls(opts.Controls))
	}
	if opts.UseL3T != nil {
		if useL3TParam == "" {
			return nil, fmt.Errorf("%w: use_l3t", ErrUnknownParam)
		}
		saved[useL3TParam] = cfg.Value(useL3TParam)
		stage = append(stage, WithParam(useL3TParam, Some(*opts.UseL3T)))
	}

	restore := func() {
		for name, value := range saved {
			if value.IsKeep() {
				continue
			}
			if err := cfg.StageQuiet(WithParam(name, value)); err != nil {
				logger.Error("failed to restore run parameter", "param", name, "error", err)
			}
		}
	}

	if err := cfg.StageQuiet(stage...); err != nil {
		restore()
		return nil, err
	}

	return restore, nil
}

// converge brings an interrupted run to rest before surfacing cause.
func converge(c Client, l logger.Logger, endRun bool, cause error) error {
	var err error
	if endRun {
		err = c.EndRun()
	} else {
		err = c.Stop()
	}
	if err != nil {
		l.Error("failed to settle interrupted run", "error", err)
	}

	return cause
}
