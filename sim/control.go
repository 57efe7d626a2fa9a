// Package sim provides in-memory control peers for both DAQ generations.
// They mimic the peer state machines closely enough to exercise the clients
// without a real DAQ, and allow error injection for failure-path tests.
package sim

import (
	"fmt"
	"sync"

	"github.com/klauer/pcdsdaq/lcls1"
)

// Control peer state ordinals, matching the lcls1.States vocabulary.
const (
	stDisconnected = iota
	stConnected
	stConfigured
	stOpen
	stRunning
)

// Control is an in-memory first-generation control peer. It implements
// lcls1.Control with a five-state machine and records every call for test
// assertions.
type Control struct {
	mu       sync.Mutex
	state    int
	acqDone  chan struct{}
	infinite bool
	calls    []string

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// BeginErr is returned by Begin when set.
	BeginErr error
	// StateErr is returned by State when set.
	StateErr error
}

// NewControl creates a disconnected control peer.
func NewControl() *Control {
	return &Control{state: stDisconnected}
}

// Calls returns the peer call log.
func (c *Control) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make([]string, len(c.calls))
	copy(calls, c.calls)

	return calls
}

// Connect implements lcls1.Control.
func (c *Control) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "connect")
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.state = stConnected

	return nil
}

// Disconnect implements lcls1.Control.
func (c *Control) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "disconnect")
	c.state = stDisconnected
}

// Configure implements lcls1.Control. It requires the Connected or
// Configured state.
func (c *Control) Configure(args lcls1.ConfigureArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "configure")
	if c.state != stConnected && c.state != stConfigured {
		return fmt.Errorf("cannot configure in state %d", c.state)
	}
	c.state = stConfigured

	return nil
}

// Begin implements lcls1.Control. It requires the Configured or Open state
// and moves the peer to Running.
func (c *Control) Begin(args lcls1.BeginArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "begin")
	if c.BeginErr != nil {
		return c.BeginErr
	}
	if c.state != stConfigured && c.state != stOpen {
		return fmt.Errorf("cannot begin in state %d", c.state)
	}

	c.state = stRunning
	c.acqDone = make(chan struct{})
	c.infinite = args.Events != nil && (*args.Events == 0 || *args.Events == -1)

	return nil
}

// Stop implements lcls1.Control. It halts the acquisition, leaving the run
// open.
func (c *Control) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "stop")
	if c.state == stRunning {
		c.finishLocked()
	}

	return nil
}

// End implements lcls1.Control. It blocks until the acquisition finishes,
// which in this simulation means until Finish or Stop is called.
func (c *Control) End() error {
	c.mu.Lock()
	c.calls = append(c.calls, "end")
	done := c.acqDone
	running := c.state == stRunning
	c.mu.Unlock()

	if !running || done == nil {
		return lcls1.ErrNotRunning
	}

	<-done

	return nil
}

// EndRun implements lcls1.Control. It closes the run.
func (c *Control) EndRun() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "endrun")
	if c.state == stRunning {
		c.finishLocked()
	}
	if c.state == stOpen {
		c.state = stConfigured
	}

	return nil
}

// State implements lcls1.Control.
func (c *Control) State() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StateErr != nil {
		return 0, c.StateErr
	}

	return c.state, nil
}

// Finish completes the current acquisition, unblocking End and leaving the
// run open, as if the requested events had been collected.
func (c *Control) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stRunning {
		c.finishLocked()
	}
}

func (c *Control) finishLocked() {
	c.state = stOpen
	if c.acqDone != nil {
		close(c.acqDone)
		c.acqDone = nil
	}
}

// notAllocated is a control peer whose platform slot holds no DAQ.
type notAllocated struct{}

func (notAllocated) Connect() error                      { return lcls1.ErrQueryFailed }
func (notAllocated) Disconnect()                         {}
func (notAllocated) Configure(lcls1.ConfigureArgs) error { return lcls1.ErrQueryFailed }
func (notAllocated) Begin(lcls1.BeginArgs) error         { return lcls1.ErrQueryFailed }
func (notAllocated) Stop() error                         { return lcls1.ErrQueryFailed }
func (notAllocated) End() error                          { return lcls1.ErrQueryFailed }
func (notAllocated) EndRun() error                       { return lcls1.ErrQueryFailed }
func (notAllocated) State() (int, error)                 { return 0, lcls1.ErrQueryFailed }

// NewDialer returns a dialer whose platform slots all reject the query
// except the given one, which serves ctrl.
func NewDialer(ctrl *Control, platform int) lcls1.Dialer {
	return func(host string, plat int) (lcls1.Control, error) {
		if plat != platform {
			return notAllocated{}, nil
		}

		return ctrl, nil
	}
}

// NewFailingDialer returns a dialer whose every slot fails with err.
func NewFailingDialer(err error) lcls1.Dialer {
	return func(host string, plat int) (lcls1.Control, error) {
		return nil, err
	}
}
