// Package lcls2 implements the daq.Client contract for the second-generation
// DAQ. Its control peer is asynchronous: state and transition calls are
// requests only, and the actual machine state arrives through a status event
// stream that a background monitor fans out into signals.
package lcls2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauer/pcdsdaq/daq"
	"github.com/klauer/pcdsdaq/extscripts"
	"github.com/klauer/pcdsdaq/logger"
)

// States is the control state vocabulary of the second-generation DAQ,
// ordered from reset upward.
var States = daq.NewVocabulary(
	"reset", "unallocated", "allocated", "connected",
	"configured", "starting", "paused", "running",
)

// Named control states.
var (
	Reset       = States.MustResolve("reset")
	Unallocated = States.MustResolve("unallocated")
	Allocated   = States.MustResolve("allocated")
	Connected   = States.MustResolve("connected")
	Configured  = States.MustResolve("configured")
	Starting    = States.MustResolve("starting")
	Paused      = States.MustResolve("paused")
	Running     = States.MustResolve("running")
)

// Transitions is the transition vocabulary of the second-generation DAQ.
var Transitions = daq.NewVocabulary(
	"rollcall", "alloc", "dealloc", "connect", "disconnect",
	"configure", "unconfigure", "beginrun", "endrun",
	"beginstep", "endstep", "enable", "disable", "slowupdate", "reset",
)

// acquiring holds the transitions during which data is being taken; a run is
// done once the last transition falls outside this set.
var acquiring = Transitions.MustOneOf("beginrun", "beginstep", "enable")

// Progress is the acquisition progress within the current step.
type Progress struct {
	Elapsed int
	Total   int
}

// Daq is the second-generation DAQ client. It implements daq.Client.
//
// All peer-reported values are published through signals fed by the status
// monitor goroutine; control methods combine signal waits with peer requests.
type Daq struct {
	cfg     *daq.Config
	logger  logger.Logger
	taskMgr *daq.TaskManager
	metrics *Metrics
	stager  *daq.Stager
	monitor daq.RunMonitor

	ctrl          Control
	hutch         string
	runNumberFunc func(hutch string, live bool) (int, error)

	stateSig         *Signal[daq.State]
	transitionSig    *Signal[daq.State]
	recordingSig     *Signal[bool]
	bypassSig        *Signal[bool]
	configAliasSig   *Signal[string]
	experimentSig    *Signal[string]
	runNumberSig     *Signal[int]
	lastRunNumberSig *Signal[int]
	progressSig      *Signal[Progress]
	stepDoneSig      *Signal[int]
	fileReportSig    *Signal[string]
}

// New creates a second-generation DAQ client around the given control peer
// and starts its status monitor. The new client registers itself as the
// process-wide active DAQ.
func New(ctrl Control, opts ...DaqOption) (*Daq, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("control peer is nil")
	}

	d := &Daq{
		logger:  logger.GetLogger(),
		metrics: &Metrics{},
		monitor: daq.NewRunBus(),
		ctrl:    ctrl,

		stateSig:         NewSignal[daq.State](),
		transitionSig:    NewSignal[daq.State](),
		recordingSig:     NewSignal[bool](),
		bypassSig:        NewSignal[bool](),
		configAliasSig:   NewSignal[string](),
		experimentSig:    NewSignal[string](),
		runNumberSig:     NewSignal[int](),
		lastRunNumberSig: NewSignal[int](),
		progressSig:      NewSignal[Progress](),
		stepDoneSig:      NewSignal[int](),
		fileReportSig:    NewSignal[string](),
	}
	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	d.cfg = daq.NewConfig(d.logger,
		daq.ParamDef{Name: ParamGroupMask, Default: daq.None(), Config: true, Dirty: true},
		daq.ParamDef{Name: ParamConfigAlias, Default: daq.Some("BEAM"), Config: true, Dirty: true},
		daq.ParamDef{Name: ParamDetName, Default: daq.Some("scan"), Config: true},
		daq.ParamDef{Name: ParamScanType, Default: daq.Some("scan"), Config: true},
	)
	d.taskMgr = daq.NewTaskManager(context.Background(), d.logger)
	d.stager = daq.NewStager(d, d.monitor, d.logger)
	if d.runNumberFunc == nil {
		d.runNumberFunc = func(hutch string, live bool) (int, error) {
			return extscripts.RunNumber(context.Background(), hutch, live)
		}
	}

	if err := d.taskMgr.StartLoop("statusMonitor", d.monitorOnce); err != nil {
		return nil, err
	}

	daq.Register(d)

	return d, nil
}

// Metrics returns the client's atomic counters.
func (d *Daq) Metrics() *Metrics { return d.metrics }

// Signals reported by the status monitor.

// StateSignal carries the peer's control state.
func (d *Daq) StateSignal() *Signal[daq.State] { return d.stateSig }

// TransitionSignal carries the peer's last executed transition.
func (d *Daq) TransitionSignal() *Signal[daq.State] { return d.transitionSig }

// RecordingSignal carries whether the peer is recording data.
func (d *Daq) RecordingSignal() *Signal[bool] { return d.recordingSig }

// BypassSignal carries the active detector bypass flag.
func (d *Daq) BypassSignal() *Signal[bool] { return d.bypassSig }

// ConfigAliasSignal carries the loaded configuration alias.
func (d *Daq) ConfigAliasSignal() *Signal[string] { return d.configAliasSig }

// ExperimentSignal carries the active experiment name.
func (d *Daq) ExperimentSignal() *Signal[string] { return d.experimentSig }

// RunNumberSignal carries the current run number.
func (d *Daq) RunNumberSignal() *Signal[int] { return d.runNumberSig }

// LastRunNumberSignal carries the previous run number.
func (d *Daq) LastRunNumberSignal() *Signal[int] { return d.lastRunNumberSig }

// ProgressSignal carries acquisition progress within the current step.
func (d *Daq) ProgressSignal() *Signal[Progress] { return d.progressSig }

// StepDoneSignal carries the number of completed steps.
func (d *Daq) StepDoneSignal() *Signal[int] { return d.stepDoneSig }

// FileReportSignal carries paths of data files written by the peer.
func (d *Daq) FileReportSignal() *Signal[string] { return d.fileReportSig }

// State returns the last peer-reported control state, or reset before the
// first status event.
func (d *Daq) State() daq.State {
	if state, ok := d.stateSig.Get(); ok {
		return state
	}

	return Reset
}

// Connected reports whether the peer state is at least connected.
func (d *Daq) Connected() bool {
	return d.State().Ordinal() >= Connected.Ordinal()
}

// Configured reports whether the peer state is at least configured.
func (d *Daq) Configured() bool {
	return d.State().Ordinal() >= Configured.Ordinal()
}

// Connect walks the peer to the connected state. It is a no-op when the peer
// is already connected or beyond.
func (d *Daq) Connect() error {
	if d.Connected() {
		return nil
	}

	if err := d.transitionTo(Connected, nil, d.cfg.BeginTimeout()); err != nil {
		return fmt.Errorf("%w: %v", daq.ErrConnectionFailed, err)
	}

	return nil
}

// Disconnect walks the peer back to the allocated state and resets the
// cached configuration.
func (d *Daq) Disconnect() {
	if d.Connected() {
		if err := d.transitionTo(Allocated, nil, d.cfg.BeginTimeout()); err != nil {
			d.logger.Warn("failed to disconnect", "error", err)
		}
	}
	d.cfg.Reset()
}

// Preconfig stages run parameters into the cache without touching the peer.
func (d *Daq) Preconfig(opts ...daq.Option) error {
	return d.cfg.Stage(opts...)
}

// Configure stages run parameters and applies them through a peer configure
// transition. The peer must be in the connected or configured state; an
// already configured peer is unconfigured first so the new configuration
// loads cleanly.
func (d *Daq) Configure(opts ...daq.Option) error {
	if err := d.cfg.StageQuiet(opts...); err != nil {
		return err
	}

	state := d.State()
	if state != Connected && state != Configured {
		return fmt.Errorf("%w: cannot configure from state %s", daq.ErrInvalidTransition, state)
	}

	if state == Configured {
		if err := d.transitionTo(Connected, nil, d.cfg.BeginTimeout()); err != nil {
			return fmt.Errorf("failed to unconfigure: %w", err)
		}
	}

	phase1, err := d.phase1Info(Connected)
	if err != nil {
		return err
	}
	if err := d.transitionTo(Configured, phase1, d.cfg.BeginTimeout()); err != nil {
		return fmt.Errorf("failed to configure: %w", err)
	}

	d.cfg.Apply()
	d.cfg.Info("Daq configured:")

	return nil
}

// Begin starts a run. Per-run parameter overrides apply to this run only.
func (d *Daq) Begin(opts daq.BeginOptions) error {
	restore, err := daq.StageOverrides(d.cfg, opts, "")
	if err != nil {
		return err
	}
	defer restore()

	return daq.RunBegin(d, d.taskMgr, d.logger, opts, d.cfg.BeginTimeout(), d.cfg.BeginSleep())
}

// BeginInfinite starts an open-ended run that must be stopped explicitly.
// The cached events and duration configuration is left untouched.
func (d *Daq) BeginInfinite() error {
	saved := map[string]daq.Value{
		daq.ParamEvents:   d.cfg.Value(daq.ParamEvents),
		daq.ParamDuration: d.cfg.Value(daq.ParamDuration),
	}
	if err := d.cfg.StageQuiet(daq.WithOpenEnded()); err != nil {
		return err
	}
	defer func() {
		for name, value := range saved {
			if err := d.cfg.StageQuiet(daq.WithParam(name, value)); err != nil {
				d.logger.Error("failed to restore run parameter", "param", name, "error", err)
			}
		}
	}()

	return d.Begin(daq.BeginOptions{})
}

// Kickoff asks the peer to walk to the running state in the background. The
// returned token completes when the peer reports running. It fails fast with
// ErrNotReady below the connected state and ErrAlreadyRunning when a run is
// already going.
func (d *Daq) Kickoff() (*daq.Status, error) {
	state := d.State()
	if state.Ordinal() < Connected.Ordinal() {
		return nil, fmt.Errorf("%w: state is %s", daq.ErrNotReady, state)
	}
	if state == Running {
		return nil, daq.ErrAlreadyRunning
	}

	if d.cfg.Dirty() || state.Ordinal() < Configured.Ordinal() {
		if err := d.Configure(); err != nil {
			return nil, err
		}
	}

	phase1, err := d.phase1Info(d.State())
	if err != nil {
		return nil, err
	}

	d.logRunNumber()

	status := d.StatusFor(StatusRequest{States: daq.Set{Running: {}}})
	if err := d.taskMgr.Go("beginSequencer", func() {
		if err := d.setState(Running, phase1); err != nil {
			status.SetError(fmt.Errorf("failed to begin acquisition: %w", err))
		}
	}); err != nil {
		status.SetError(err)
		return nil, err
	}

	return status, nil
}

// Wait blocks until the current run finishes or timeout elapses. Waiting on
// an open-ended configuration fails with ErrInfiniteRun. If endRun is true
// the run is closed after the acquisition completes.
func (d *Daq) Wait(timeout time.Duration, endRun bool) error {
	if d.infiniteConfig() {
		return daq.ErrInfiniteRun
	}

	status := d.DoneStatus(0)
	if err := status.Wait(timeout); err != nil {
		// release the signal subscriptions of the abandoned wait
		status.SetError(err)
		return err
	}

	if endRun {
		return d.EndRun()
	}

	return nil
}

// Stop ends the current step, keeping the run open. It is a no-op unless the
// peer is paused or running.
func (d *Daq) Stop() error {
	if state := d.State(); state != Paused && state != Running {
		return nil
	}

	return d.setTransition("endstep")
}

// EndRun stops acquisition and closes the run. It is a no-op unless a run is
// open.
func (d *Daq) EndRun() error {
	if !d.Active() {
		return nil
	}

	return d.setTransition("endrun")
}

// Trigger starts one configured acquisition. The returned token completes
// when the acquisition finishes.
func (d *Daq) Trigger() (*daq.Status, error) {
	_, hasEvents := d.cfg.Int(daq.ParamEvents)
	_, hasDuration := d.cfg.Duration(daq.ParamDuration)
	if !hasEvents && !hasDuration {
		return nil, daq.ErrNotConfigured
	}

	begin, err := d.Kickoff()
	if err != nil {
		return nil, err
	}
	if err := begin.Wait(d.cfg.BeginTimeout()); err != nil {
		// complete the abandoned token so its signal subscriptions unwind
		begin.SetError(err)
		return nil, err
	}

	return d.DoneStatus(0), nil
}

// Complete returns a token completing when the current acquisition winds
// down. An open-ended acquisition is stopped so the token can complete.
func (d *Daq) Complete() (*daq.Status, error) {
	status := d.DoneStatus(0)
	if d.infiniteConfig() {
		if err := d.Stop(); err != nil {
			status.SetError(err)
			return nil, err
		}
	}

	return status, nil
}

// Stage prepares the client for a scan. See daq.Stager.
func (d *Daq) Stage() error { return d.stager.Stage() }

// Unstage undoes Stage. See daq.Stager.
func (d *Daq) Unstage() error { return d.stager.Unstage() }

// Pause suspends the acquisition via the disable transition.
func (d *Daq) Pause() error {
	if d.State() != Running {
		return nil
	}

	return d.setTransition("disable")
}

// Resume continues a paused acquisition via the enable transition.
func (d *Daq) Resume() error {
	if d.State() != Paused {
		return nil
	}

	return d.setTransition("enable")
}

// RunNumber returns the peer-reported run number, falling back to the
// experiment database when the peer has not reported one yet.
func (d *Daq) RunNumber() (int, error) {
	if number, ok := d.runNumberSig.Get(); ok {
		return number, nil
	}

	hutch := d.hutch
	if hutch == "" {
		name, err := extscripts.HutchName(context.Background())
		if err != nil {
			return 0, err
		}
		hutch = name
	}

	return d.runNumberFunc(hutch, d.Running())
}

// Running reports whether the peer is acquiring.
func (d *Daq) Running() bool {
	return d.State() == Running
}

// Active reports whether a run is open.
func (d *Daq) Active() bool {
	return d.State().Ordinal() >= Starting.Ordinal()
}

// Close stops the status monitor and releases all background resources. The
// control peer is closed as well when it supports closing.
func (d *Daq) Close() error {
	d.taskMgr.Stop()
	if closer, ok := d.ctrl.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("failed to close control peer", "error", err)
		}
	}
	d.taskMgr.Wait()

	return nil
}

// StatusRequest describes one declarative wait condition: done when the last
// reported state is in States and the last reported transition is in
// Transitions. A nil set matches anything. When CheckNow is set the current
// signal values count; otherwise only future reports do.
type StatusRequest struct {
	States      daq.Set
	Transitions daq.Set
	Timeout     time.Duration
	CheckNow    bool
}

// StatusFor returns a token that completes once the wait condition of req
// holds. Both signals are checked against the condition under a shared lock,
// so the token completes exactly once even when state and transition events
// interleave. The signal subscriptions are dropped when the token completes.
func (d *Daq) StatusFor(req StatusRequest) *daq.Status {
	status := daq.NewStatus(req.Timeout)

	var mu sync.Mutex
	var lastState, lastTransition daq.State
	var haveState, haveTransition bool

	satisfied := func() bool {
		stateOK := req.States == nil || (haveState && req.States.Contains(lastState))
		transitionOK := req.Transitions == nil || (haveTransition && req.Transitions.Contains(lastTransition))

		return stateOK && transitionOK
	}
	onState := func(_, cur daq.State) {
		mu.Lock()
		lastState, haveState = cur, true
		done := satisfied()
		mu.Unlock()
		if done {
			status.SetFinished()
		}
	}
	onTransition := func(_, cur daq.State) {
		mu.Lock()
		lastTransition, haveTransition = cur, true
		done := satisfied()
		mu.Unlock()
		if done {
			status.SetFinished()
		}
	}

	stateID := d.stateSig.Subscribe(onState, false)
	transitionID := d.transitionSig.Subscribe(onTransition, false)
	status.OnComplete(func(error) {
		d.stateSig.Unsubscribe(stateID)
		d.transitionSig.Unsubscribe(transitionID)
	})

	if req.CheckNow {
		if state, ok := d.stateSig.Get(); ok {
			onState(state, state)
		}
		if transition, ok := d.transitionSig.Get(); ok {
			onTransition(transition, transition)
		}
	}

	return status
}

// DoneStatus returns a token that completes once the last transition is not
// an acquiring one, i.e. the current run has wound down. It completes
// immediately when nothing is acquiring.
func (d *Daq) DoneStatus(timeout time.Duration) *daq.Status {
	done := make(daq.Set, Transitions.Len())
	for _, transition := range Transitions.Values() {
		if !acquiring.Contains(transition) {
			done[transition] = struct{}{}
		}
	}

	return d.StatusFor(StatusRequest{Transitions: done, Timeout: timeout, CheckNow: true})
}

// monitorOnce processes one status stream event. It stops the monitor loop
// only when the stream is closed.
func (d *Daq) monitorOnce() bool {
	event, err := d.ctrl.MonitorStatus()
	if err != nil {
		if errors.Is(err, ErrMonitorClosed) {
			d.logger.Debug("status monitor stream closed")
			return false
		}
		d.logger.Warn("status monitor error", "error", err)

		return true
	}

	d.metrics.incEventCount()
	d.dispatch(event)

	return true
}

// dispatch fans one status stream event out into the signals. Malformed
// events are counted and dropped; the monitor never dies on bad input.
func (d *Daq) dispatch(event MonitorEvent) {
	switch event.Label {
	case LabelError:
		d.logger.Error(event.Message)
	case LabelWarning:
		d.logger.Warn(event.Message)
	case LabelFileReport:
		d.fileReportSig.Put(event.Message)
	case LabelProgress:
		d.progressSig.Put(Progress{Elapsed: event.Elapsed, Total: event.Total})
	case LabelStep:
		d.stepDoneSig.Put(event.StepDone)
	case LabelStatus:
		transition, err := Transitions.Resolve(event.Transition)
		if err != nil {
			d.metrics.incMalformedEventCount()
			d.logger.Warn("dropping status event with unknown transition", "transition", event.Transition)

			return
		}
		state, err := States.Resolve(event.State)
		if err != nil {
			d.metrics.incMalformedEventCount()
			d.logger.Warn("dropping status event with unknown state", "state", event.State)

			return
		}

		d.configAliasSig.Put(event.ConfigAlias)
		d.recordingSig.Put(event.Recording)
		d.bypassSig.Put(event.BypassActiveDet)
		d.experimentSig.Put(event.ExperimentName)
		d.runNumberSig.Put(event.RunNumber)
		d.lastRunNumberSig.Put(event.LastRunNumber)
		d.transitionSig.Put(transition)
		d.stateSig.Put(state)
	default:
		d.metrics.incMalformedEventCount()
		d.logger.Warn("dropping status event with unknown label", "label", event.Label)
	}
}

// transitionTo requests the target state and blocks until the peer reports
// it, up to timeout.
func (d *Daq) transitionTo(target daq.State, phase1 map[string]any, timeout time.Duration) error {
	status := d.StatusFor(StatusRequest{
		States:   daq.Set{target: {}},
		Timeout:  timeout,
		CheckNow: true,
	})

	if err := d.setState(target, phase1); err != nil {
		status.SetError(err)
		return err
	}

	if err := status.Wait(0); err != nil {
		if errors.Is(err, daq.ErrStatusTimeout) {
			return fmt.Errorf("timed out waiting for state %s", target)
		}

		return err
	}

	return nil
}

// phase1Info builds the per-transition metadata for a state walk starting at
// from. A walk through configure carries the configuration block, a walk
// through beginstep carries the step block with the control variable
// readings. Control variable read failures propagate to the caller.
func (d *Daq) phase1Info(from daq.State) (map[string]any, error) {
	info := make(map[string]any)

	if from.Ordinal() <= Connected.Ordinal() {
		configure := make(map[string]any)
		if record, ok := d.cfg.Bool(daq.ParamRecord); ok {
			configure["record"] = record
		}
		if alias, ok := d.cfg.Value(ParamConfigAlias).Get(); ok {
			configure["config_alias"] = alias
		}
		if mask, ok := d.cfg.Int(ParamGroupMask); ok {
			configure["group_mask"] = mask
		}
		info["configure"] = configure
	}

	if from.Ordinal() <= Starting.Ordinal() {
		values := make(map[string]float64)
		for _, ctrl := range d.cfg.Controls() {
			value, err := ctrl.Read()
			if err != nil {
				return nil, fmt.Errorf("failed to read control variable %q: %w", ctrl.Name, err)
			}
			values[ctrl.Name] = value
		}

		step := map[string]any{"step_values": values}
		if detname, ok := d.cfg.Value(ParamDetName).Get(); ok {
			step["detname"] = detname
		}
		if scantype, ok := d.cfg.Value(ParamScanType).Get(); ok {
			step["scantype"] = scantype
		}
		info["beginstep"] = step
	}

	return info, nil
}

// infiniteConfig reports whether the effective configuration describes an
// open-ended run.
func (d *Daq) infiniteConfig() bool {
	_, hasEvents := d.cfg.Int(daq.ParamEvents)
	_, hasDuration := d.cfg.Duration(daq.ParamDuration)

	return !hasEvents && !hasDuration
}

func (d *Daq) setState(target daq.State, phase1 map[string]any) error {
	d.metrics.incStateReqCount()
	return d.ctrl.SetState(target.Name(), phase1)
}

func (d *Daq) setTransition(name string) error {
	d.metrics.incTransitionReqCount()
	if err := d.ctrl.SetTransition(name); err != nil {
		return fmt.Errorf("%s transition failed: %w", name, err)
	}

	return nil
}

// logRunNumber logs the upcoming run number at begin time when it is known.
func (d *Daq) logRunNumber() {
	number, err := d.RunNumber()
	if err != nil {
		d.logger.Debug("run number lookup unavailable", "error", err)
		return
	}

	d.logger.Info("Beginning run", "run", number+1)
}
