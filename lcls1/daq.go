// Package lcls1 implements the daq.Client contract for the first-generation
// DAQ, whose control peer exposes a synchronous, blocking call interface.
// Long waits are pushed onto background sequencer goroutines so the client
// API stays responsive.
package lcls1

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauer/pcdsdaq/daq"
	"github.com/klauer/pcdsdaq/extscripts"
	"github.com/klauer/pcdsdaq/internal/pool"
	"github.com/klauer/pcdsdaq/logger"
)

// States is the control state vocabulary of the first-generation DAQ.
var States = daq.NewVocabulary("Disconnected", "Connected", "Configured", "Open", "Running")

// Named control states.
var (
	Disconnected = States.MustResolve("Disconnected")
	Connected    = States.MustResolve("Connected")
	Configured   = States.MustResolve("Configured")
	Open         = States.MustResolve("Open")
	Running      = States.MustResolve("Running")
)

const (
	defaultPlatforms = 6
	readyPollPeriod  = 100 * time.Millisecond
)

// beginSnapshot records the arguments of the last successful begin so that
// resume and wait know what the peer is doing.
type beginSnapshot struct {
	events   *int
	duration *time.Duration
	useL3T   bool
	controls []daq.ControlVar
	valid    bool
}

// infinite reports whether the acquisition has no natural end.
func (s beginSnapshot) infinite() bool {
	if s.events != nil {
		return *s.events == 0 || *s.events == -1
	}

	return s.duration == nil
}

// Daq is the first-generation DAQ client. It implements daq.Client.
//
// Control calls are meant to come from a single orchestrating goroutine; the
// background sequencers it spawns synchronize with it through the internal
// mutex and the completion tokens.
type Daq struct {
	cfg     *daq.Config
	logger  logger.Logger
	taskMgr *daq.TaskManager
	metrics *Metrics
	stager  *daq.Stager
	monitor daq.RunMonitor

	dialer        Dialer
	host          string
	platforms     int
	hutch         string
	beginThrottle time.Duration
	runNumberFunc func(hutch string, live bool) (int, error)

	mu           sync.Mutex
	ctrl         Control
	configured   bool
	lastStop     time.Time
	snapshot     beginSnapshot
	runNumFailed bool
}

// New creates a first-generation DAQ client talking to the control peer on
// the given host. The dialer creates the per-platform peer handle; connect
// probes platform slots with it until one accepts.
//
// The new client registers itself as the process-wide active DAQ.
func New(host string, dialer Dialer, opts ...DaqOption) (*Daq, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is nil")
	}

	d := &Daq{
		logger:        logger.GetLogger(),
		metrics:       &Metrics{},
		dialer:        dialer,
		host:          host,
		platforms:     defaultPlatforms,
		beginThrottle: daq.DefaultBeginThrottle,
		monitor:       daq.NewRunBus(),
	}
	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	d.cfg = daq.NewConfig(d.logger, daq.ParamDef{
		Name:    ParamUseL3T,
		Default: daq.Some(false),
		Config:  true,
		Dirty:   true,
	})
	d.taskMgr = daq.NewTaskManager(context.Background(), d.logger)
	d.stager = daq.NewStager(d, d.monitor, d.logger)
	if d.runNumberFunc == nil {
		d.runNumberFunc = func(hutch string, live bool) (int, error) {
			return extscripts.RunNumber(context.Background(), hutch, live)
		}
	}

	daq.Register(d)

	return d, nil
}

// Metrics returns the client's atomic counters.
func (d *Daq) Metrics() *Metrics { return d.metrics }

// Connect establishes the control connection, probing platform slots in
// order until one accepts. A slot whose query is rejected means no DAQ is
// allocated there; if every slot rejects the query, the failure is reported
// as ErrNotAllocated rather than ErrConnectionFailed.
func (d *Daq) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctrl != nil {
		return nil
	}

	d.metrics.resetConnRetryGauge()
	sawQueryReject := false
	var lastErr error

	for platform := 0; platform < d.platforms; platform++ {
		d.metrics.incConnRetryGauge()

		ctrl, err := d.dialer(d.host, platform)
		if err != nil {
			lastErr = err
			continue
		}
		if err := ctrl.Connect(); err != nil {
			if errors.Is(err, ErrQueryFailed) {
				sawQueryReject = true
			}
			lastErr = err

			continue
		}

		d.ctrl = ctrl
		d.logger.Info("Connected to DAQ", "host", d.host, "platform", platform)

		return nil
	}

	if sawQueryReject {
		return fmt.Errorf("%w: %v", daq.ErrNotAllocated, lastErr)
	}

	return fmt.Errorf("%w on host %s: %v", daq.ErrConnectionFailed, d.host, lastErr)
}

// Disconnect ends any open run, tears down the control connection and resets
// the cached configuration to defaults.
func (d *Daq) Disconnect() {
	if err := d.EndRun(); err != nil {
		d.logger.Warn("failed to end run before disconnect", "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctrl == nil {
		return
	}

	d.ctrl.Disconnect()
	d.ctrl = nil
	d.configured = false
	d.snapshot = beginSnapshot{}
	d.runNumFailed = false
	d.cfg.Reset()
	d.logger.Info("Disconnected from DAQ", "host", d.host)
}

// Connected reports whether the control connection is up.
func (d *Daq) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ctrl != nil
}

// Configured reports whether the staged configuration was applied.
func (d *Daq) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.configured
}

// State returns the peer's control state, or Disconnected when no connection
// is up. A peer that stops answering the state query is reported as the zero
// State, which matches no vocabulary member; operations guarded by a state
// check treat it as neither ready nor acquiring.
func (d *Daq) State() daq.State {
	state, err := d.queryState()
	if err != nil {
		d.logger.Warn("cannot determine daq state", "error", err)
		return daq.State{}
	}

	return state
}

// queryState asks the peer for its control state.
func (d *Daq) queryState() (daq.State, error) {
	ctrl := d.control()
	if ctrl == nil {
		return Disconnected, nil
	}

	ord, err := ctrl.State()
	if err != nil {
		return daq.State{}, fmt.Errorf("state query failed: %w", err)
	}

	state, err := States.Resolve(ord)
	if err != nil {
		return daq.State{}, fmt.Errorf("peer reported unknown state %d", ord)
	}

	return state, nil
}

// Preconfig stages run parameters into the cache without touching the peer.
func (d *Daq) Preconfig(opts ...daq.Option) error {
	return d.cfg.Stage(opts...)
}

// Configure stages run parameters and applies the full cached configuration
// to the peer. It requires the Connected or Configured state; reconfiguring
// during an open run fails with ErrInvalidTransition.
func (d *Daq) Configure(opts ...daq.Option) error {
	if err := d.cfg.StageQuiet(opts...); err != nil {
		return err
	}
	if err := d.ensureConnected(); err != nil {
		return err
	}

	state, err := d.queryState()
	if err != nil {
		return fmt.Errorf("cannot verify daq state before configure: %w", err)
	}
	if state != Connected && state != Configured {
		return fmt.Errorf("%w: cannot configure from state %s", daq.ErrInvalidTransition, state)
	}

	args, err := d.configureArgs()
	if err != nil {
		return err
	}

	if err := d.control().Configure(args); err != nil {
		d.setConfigured(false)
		return fmt.Errorf("failed to configure: %w", err)
	}

	d.setConfigured(true)
	d.cfg.Apply()
	d.cfg.Info("Daq configured:")

	return nil
}

// Begin starts a run. Per-run parameter overrides apply to this run only; a
// record override additionally forces a reconfigure for the run and is
// restored afterwards.
func (d *Daq) Begin(opts daq.BeginOptions) error {
	restore, err := daq.StageOverrides(d.cfg, opts, ParamUseL3T)
	if err != nil {
		return err
	}
	defer restore()

	return daq.RunBegin(d, d.taskMgr, d.logger, opts,
		d.cfg.BeginTimeout()+d.beginThrottle, d.cfg.BeginSleep())
}

// BeginInfinite starts an open-ended run that must be stopped explicitly.
// The cached events and duration configuration is left untouched.
func (d *Daq) BeginInfinite() error {
	zero := 0
	return d.Begin(daq.BeginOptions{Events: &zero})
}

// Kickoff starts a run in the background. The returned token completes once
// the peer has accepted the begin call, or fails with ErrBeginTimeout when
// the DAQ never becomes ready.
func (d *Daq) Kickoff() (*daq.Status, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}

	if d.cfg.Dirty() || !d.Configured() {
		if err := d.Configure(); err != nil {
			if errors.Is(err, daq.ErrInvalidTransition) {
				return nil, fmt.Errorf("%w: end the run before changing the configuration", daq.ErrInvalidTransition)
			}

			return nil, err
		}
	}

	args, snap, err := d.resolveBegin()
	if err != nil {
		return nil, err
	}

	d.logRunNumber()

	status := daq.NewStatus(0)
	if err := d.taskMgr.Go("beginSequencer", func() {
		d.beginSequence(status, args, snap)
	}); err != nil {
		return nil, err
	}

	return status, nil
}

// Wait blocks until the current acquisition finishes or timeout elapses.
// Waiting on an open-ended acquisition fails with ErrInfiniteRun. If endRun
// is true the run is closed after the acquisition completes.
func (d *Daq) Wait(timeout time.Duration, endRun bool) error {
	if d.State() == Running {
		status, err := d.endStatus()
		if err != nil {
			return err
		}
		if err := status.Wait(timeout); err != nil {
			return err
		}
	}

	if endRun {
		return d.EndRun()
	}

	return nil
}

// Stop halts the current acquisition, keeping the run open.
func (d *Daq) Stop() error {
	ctrl := d.control()
	if ctrl == nil {
		return nil
	}
	if state := d.State(); state != Open && state != Running {
		return nil
	}

	if err := ctrl.Stop(); err != nil {
		return fmt.Errorf("failed to stop acquisition: %w", err)
	}

	d.metrics.incStopCount()
	d.stampStop()
	d.clearSnapshot()

	return nil
}

// EndRun stops the acquisition and closes the run.
func (d *Daq) EndRun() error {
	ctrl := d.control()
	if ctrl == nil {
		return nil
	}

	if err := d.Stop(); err != nil {
		return err
	}
	if err := ctrl.EndRun(); err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}

	d.metrics.incEndRunCount()

	return nil
}

// Trigger starts one configured acquisition. The returned token completes
// when the acquisition finishes. It fails with ErrNotConfigured when neither
// events nor duration is configured.
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
	if err := begin.Wait(d.cfg.BeginTimeout() + d.beginThrottle); err != nil {
		// the abandoned token is completed so nothing waits on it later
		begin.SetError(err)
		return nil, err
	}

	return d.endStatus()
}

// Complete returns a token completing when the current acquisition winds
// down. An open-ended acquisition is stopped first and reported as done.
func (d *Daq) Complete() (*daq.Status, error) {
	if d.snapshotRef().infinite() {
		if err := d.Stop(); err != nil {
			return nil, err
		}

		return daq.FinishedStatus(), nil
	}

	return d.endStatus()
}

// Stage prepares the client for a scan. See daq.Stager.
func (d *Daq) Stage() error { return d.stager.Stage() }

// Unstage undoes Stage. See daq.Stager.
func (d *Daq) Unstage() error { return d.stager.Unstage() }

// Pause suspends the acquisition, keeping the run open and the begin
// snapshot intact so Resume can continue it.
func (d *Daq) Pause() error {
	ctrl := d.control()
	if ctrl == nil || d.State() != Running {
		return nil
	}

	if err := ctrl.Stop(); err != nil {
		return fmt.Errorf("failed to pause acquisition: %w", err)
	}

	d.metrics.incStopCount()
	d.stampStop()

	return nil
}

// Resume continues a paused acquisition with the same arguments it was
// started with.
func (d *Daq) Resume() error {
	if d.State() != Open {
		return nil
	}

	snap := d.snapshotRef()
	if !snap.valid {
		return fmt.Errorf("nothing to resume, no acquisition was started")
	}

	args, err := d.beginArgs(snap.events, snap.duration, snap.useL3T, snap.controls)
	if err != nil {
		return err
	}

	status := daq.NewStatus(0)
	if err := d.taskMgr.Go("resumeSequencer", func() {
		d.beginSequence(status, args, snap)
	}); err != nil {
		return err
	}

	return status.Wait(d.cfg.BeginTimeout() + d.beginThrottle)
}

// RunNumber returns the current run number from the experiment database.
func (d *Daq) RunNumber() (int, error) {
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

// Running reports whether the DAQ is acquiring.
func (d *Daq) Running() bool {
	return d.State() == Running
}

// Active reports whether a run is open.
func (d *Daq) Active() bool {
	state := d.State()
	return state == Open || state == Running
}

// Close disconnects and stops all background sequencers. The client is
// unusable afterwards.
func (d *Daq) Close() error {
	d.Disconnect()
	d.taskMgr.Stop()
	d.taskMgr.Wait()

	return nil
}

// beginSequence is the background begin sequencer. It halts a leftover
// acquisition, polls for readiness within the begin timeout, sits out the
// begin throttle window, then issues the begin call and resolves the token.
func (d *Daq) beginSequence(status *daq.Status, args BeginArgs, snap beginSnapshot) {
	ctx := d.taskMgr.Context()

	if state := d.State(); state == Open || state == Running {
		if err := d.Stop(); err != nil {
			d.metrics.incBeginErrCount()
			status.SetError(err)

			return
		}
	}

	deadline := time.Now().Add(d.cfg.BeginTimeout() + d.beginThrottle)
	for {
		if state := d.State(); state == Configured || state == Open {
			break
		}
		if time.Now().After(deadline) {
			d.metrics.incBeginTimeoutCount()
			status.SetError(fmt.Errorf("%w: daq state is %s", daq.ErrBeginTimeout, d.State()))

			return
		}
		if !sleepCtx(ctx, readyPollPeriod) {
			status.SetError(ctx.Err())
			return
		}
	}

	// The DAQ misbehaves when begin follows stop too closely.
	for {
		wait := time.Until(d.lastStopTime().Add(d.beginThrottle))
		if wait <= 0 {
			break
		}
		if !sleepCtx(ctx, wait) {
			status.SetError(ctx.Err())
			return
		}
	}

	ctrl := d.control()
	if ctrl == nil {
		status.SetError(daq.ErrNotConnected)
		return
	}
	if err := ctrl.Begin(args); err != nil {
		d.metrics.incBeginErrCount()
		status.SetError(fmt.Errorf("failed to begin acquisition: %w", err))

		return
	}

	d.storeSnapshot(snap)
	d.metrics.incBeginCount()
	status.SetFinished()
}

// endStatus returns a token that completes when the current acquisition
// finishes, driven by a background sequencer blocking on the peer's end
// call. It fails fast with ErrInfiniteRun for open-ended acquisitions.
func (d *Daq) endStatus() (*daq.Status, error) {
	if d.snapshotRef().infinite() {
		return nil, daq.ErrInfiniteRun
	}

	ctrl := d.control()
	if ctrl == nil {
		return nil, daq.ErrNotConnected
	}

	status := daq.NewStatus(0)
	err := d.taskMgr.Go("endSequencer", func() {
		err := ctrl.End()
		d.stampStop()
		d.clearSnapshot()
		if err != nil && !errors.Is(err, ErrNotRunning) {
			status.SetError(fmt.Errorf("failed waiting for acquisition end: %w", err))
			return
		}
		status.SetFinished()
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}

// resolveBegin reads the effective begin arguments from the configuration
// cache and captures the matching snapshot.
func (d *Daq) resolveBegin() (BeginArgs, beginSnapshot, error) {
	var events *int
	if n, ok := d.cfg.Int(daq.ParamEvents); ok {
		events = &n
	}
	var duration *time.Duration
	if dur, ok := d.cfg.Duration(daq.ParamDuration); ok {
		duration = &dur
	}
	useL3T, _ := d.cfg.Bool(ParamUseL3T)
	controls := d.cfg.Controls()

	args, err := d.beginArgs(events, duration, useL3T, controls)
	if err != nil {
		return BeginArgs{}, beginSnapshot{}, err
	}

	snap := beginSnapshot{
		events:   events,
		duration: duration,
		useL3T:   useL3T,
		controls: controls,
		valid:    true,
	}

	return args, snap, nil
}

// beginArgs maps the effective run parameters onto one peer begin call.
// Neither events nor duration means an open-ended run, expressed as zero
// events.
func (d *Daq) beginArgs(events *int, duration *time.Duration, useL3T bool, controls []daq.ControlVar) (BeginArgs, error) {
	values, err := readControls(controls)
	if err != nil {
		return BeginArgs{}, err
	}

	args := BeginArgs{Controls: values}
	switch {
	case events != nil:
		if useL3T {
			args.L3TEvents = events
		} else {
			args.Events = events
		}
	case duration != nil:
		args.Duration = duration
	default:
		zero := 0
		args.Events = &zero
	}

	return args, nil
}

// configureArgs maps the cached configuration onto one peer configure call.
func (d *Daq) configureArgs() (ConfigureArgs, error) {
	var events *int
	if n, ok := d.cfg.Int(daq.ParamEvents); ok {
		events = &n
	}
	var duration *time.Duration
	if dur, ok := d.cfg.Duration(daq.ParamDuration); ok {
		duration = &dur
	}
	useL3T, _ := d.cfg.Bool(ParamUseL3T)

	begin, err := d.beginArgs(events, duration, useL3T, d.cfg.Controls())
	if err != nil {
		return ConfigureArgs{}, err
	}

	args := ConfigureArgs{
		Events:    begin.Events,
		L3TEvents: begin.L3TEvents,
		Duration:  begin.Duration,
		Controls:  begin.Controls,
	}
	if record, ok := d.cfg.Bool(daq.ParamRecord); ok {
		args.Record = &record
	}

	return args, nil
}

// ensureConnected connects on demand, mapping failures to ErrNotConnected.
func (d *Daq) ensureConnected() error {
	if d.Connected() {
		return nil
	}
	if err := d.Connect(); err != nil {
		return fmt.Errorf("%w: %v", daq.ErrNotConnected, err)
	}

	return nil
}

// logRunNumber logs the upcoming run number at begin time. The lookup runs
// only for recorded runs; a failed lookup is cached and not retried for the
// life of the connection, to avoid repeated script timeouts.
func (d *Daq) logRunNumber() {
	record, ok := d.cfg.Bool(daq.ParamRecord)
	if !ok || !record {
		return
	}

	d.mu.Lock()
	failed := d.runNumFailed
	d.mu.Unlock()
	if failed {
		return
	}

	number, err := d.RunNumber()
	if err != nil {
		d.mu.Lock()
		d.runNumFailed = true
		d.mu.Unlock()
		d.logger.Warn("run number lookup unavailable", "error", err)

		return
	}

	d.logger.Info("Beginning run", "run", number+1)
}

func (d *Daq) control() Control {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ctrl
}

func (d *Daq) setConfigured(configured bool) {
	d.mu.Lock()
	d.configured = configured
	d.mu.Unlock()
}

func (d *Daq) stampStop() {
	d.mu.Lock()
	d.lastStop = time.Now()
	d.mu.Unlock()
}

func (d *Daq) lastStopTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastStop
}

func (d *Daq) storeSnapshot(snap beginSnapshot) {
	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
}

func (d *Daq) clearSnapshot() {
	d.mu.Lock()
	d.snapshot = beginSnapshot{}
	d.mu.Unlock()
}

func (d *Daq) snapshotRef() beginSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.snapshot
}

// readControls reads every control variable, failing on the first read error
// instead of silently dropping the variable.
func readControls(controls []daq.ControlVar) ([]ControlValue, error) {
	if len(controls) == 0 {
		return nil, nil
	}

	values := make([]ControlValue, 0, len(controls))
	for _, ctrl := range controls {
		value, err := ctrl.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read control variable %q: %w", ctrl.Name, err)
		}
		values = append(values, ControlValue{Name: ctrl.Name, Value: value})
	}

	return values, nil
}

// sleepCtx sleeps for d or until ctx is done; it reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
