package sim

import (
	"fmt"
	"sync"

	"github.com/klauer/pcdsdaq/lcls2"
)

// stateStep is one hop of the second-generation peer state machine.
type stateStep struct {
	from       string
	to         string
	transition string
}

// upSteps walks the state machine from reset to running.
var upSteps = []stateStep{
	{"reset", "unallocated", "rollcall"},
	{"unallocated", "allocated", "alloc"},
	{"allocated", "connected", "connect"},
	{"connected", "configured", "configure"},
	{"configured", "starting", "beginrun"},
	{"starting", "paused", "beginstep"},
	{"paused", "running", "enable"},
}

// downSteps walks the state machine from running back to reset.
var downSteps = []stateStep{
	{"running", "paused", "disable"},
	{"paused", "starting", "endstep"},
	{"starting", "configured", "endrun"},
	{"configured", "connected", "unconfigure"},
	{"connected", "allocated", "disconnect"},
	{"allocated", "unallocated", "dealloc"},
	{"unallocated", "reset", "reset"},
}

// AsyncControl is an in-memory second-generation control peer. State and
// transition requests are resolved by walking the simulated state machine
// and emitting one status stream event per hop, the way the real peer
// behaves. It implements lcls2.Control and io.Closer.
type AsyncControl struct {
	mu             sync.Mutex
	state          string
	lastTransition string
	runNumber      int
	recording      bool
	alias          string

	events    chan lcls2.MonitorEvent
	closed    chan struct{}
	closeOnce sync.Once

	// SetStateErr is returned by SetState when set.
	SetStateErr error
	// SetTransitionErr is returned by SetTransition when set.
	SetTransitionErr error
}

// NewAsyncControl creates a peer in the connected state, as if allocation
// and rollcall already happened. Like the real peer, it reports its current
// state as soon as the status stream is read.
func NewAsyncControl() *AsyncControl {
	c := &AsyncControl{
		state:          "connected",
		lastTransition: "connect",
		alias:          "BEAM",
		events:         make(chan lcls2.MonitorEvent, 64),
		closed:         make(chan struct{}),
	}
	c.events <- c.statusEvent("connect", "connected")

	return c
}

// SetState walks the peer to the named state, emitting one status event per
// transition.
func (c *AsyncControl) SetState(state string, phase1 map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SetStateErr != nil {
		return c.SetStateErr
	}

	from, err := lcls2.States.Resolve(c.state)
	if err != nil {
		return err
	}
	to, err := lcls2.States.Resolve(state)
	if err != nil {
		return err
	}

	if from == to {
		// refresh report, no transition executed
		c.events <- c.statusEvent(c.lastTransition, c.state)
		return nil
	}

	steps := upSteps
	if to.Ordinal() < from.Ordinal() {
		steps = downSteps
	}
	for _, step := range steps {
		if c.state == state {
			break
		}
		if step.from != c.state {
			continue
		}
		c.applyLocked(step)
	}

	return nil
}

// SetTransition executes one named transition from the current state.
func (c *AsyncControl) SetTransition(transition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SetTransitionErr != nil {
		return c.SetTransitionErr
	}

	// endrun and endstep work from anywhere within the run
	if transition == "endrun" {
		switch c.state {
		case "starting", "paused", "running":
			c.applyLocked(stateStep{c.state, "configured", transition})
			return nil
		}

		return fmt.Errorf("cannot endrun from state %s", c.state)
	}

	if transition == "endstep" {
		switch c.state {
		case "paused", "running":
			c.applyLocked(stateStep{c.state, "starting", transition})
			return nil
		}

		return fmt.Errorf("cannot endstep from state %s", c.state)
	}

	for _, step := range append(append([]stateStep{}, upSteps...), downSteps...) {
		if step.transition == transition && step.from == c.state {
			c.applyLocked(step)
			return nil
		}
	}

	return fmt.Errorf("cannot %s from state %s", transition, c.state)
}

// MonitorStatus blocks until the next status stream event, or returns
// lcls2.ErrMonitorClosed once the peer is closed.
func (c *AsyncControl) MonitorStatus() (lcls2.MonitorEvent, error) {
	select {
	case event := <-c.events:
		return event, nil
	case <-c.closed:
		// drain events already queued before the close
		select {
		case event := <-c.events:
			return event, nil
		default:
			return lcls2.MonitorEvent{}, lcls2.ErrMonitorClosed
		}
	}
}

// Close ends the status stream.
func (c *AsyncControl) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Emit injects an arbitrary event into the status stream.
func (c *AsyncControl) Emit(event lcls2.MonitorEvent) {
	c.events <- event
}

// State returns the current simulated state name.
func (c *AsyncControl) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// SetRecording sets the recording flag reported in status events.
func (c *AsyncControl) SetRecording(recording bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recording = recording
}

// applyLocked moves to the step's target state and emits the matching
// status event.
func (c *AsyncControl) applyLocked(step stateStep) {
	if step.transition == "beginrun" {
		c.runNumber++
	}
	c.state = step.to
	c.lastTransition = step.transition

	c.events <- c.statusEvent(step.transition, step.to)
}

func (c *AsyncControl) statusEvent(transition, state string) lcls2.MonitorEvent {
	return lcls2.MonitorEvent{
		Label:          lcls2.LabelStatus,
		Transition:     transition,
		State:          state,
		ConfigAlias:    c.alias,
		Recording:      c.recording,
		ExperimentName: "simx00123",
		RunNumber:      c.runNumber,
		LastRunNumber:  c.runNumber - 1,
	}
}
