package lcls1

import (
	"errors"
	"time"
)

var (
	// ErrQueryFailed indicates that the control peer rejected the platform
	// query, meaning no DAQ is allocated on that platform slot.
	ErrQueryFailed = errors.New("platform query failed")

	// ErrNotRunning indicates an end call with no acquisition in progress.
	// The end sequencer treats it as a benign outcome.
	ErrNotRunning = errors.New("no acquisition in progress")
)

// ControlValue is one control variable reading forwarded to the peer.
type ControlValue struct {
	Name  string
	Value float64
}

// ConfigureArgs carries one configure call to the control peer. At most one
// of Events, L3TEvents and Duration is set.
type ConfigureArgs struct {
	Record    *bool
	Events    *int
	L3TEvents *int
	Duration  *time.Duration
	Controls  []ControlValue
}

// BeginArgs carries one begin call to the control peer. At most one of
// Events, L3TEvents and Duration is set; an Events value of zero requests an
// open-ended run.
type BeginArgs struct {
	Events    *int
	L3TEvents *int
	Duration  *time.Duration
	Controls  []ControlValue
}

// Control is the synchronous control peer of the first-generation DAQ. Every
// call blocks until the peer replies; End in particular blocks until the
// current acquisition finishes.
//
// Implementations return ErrQueryFailed from Connect when the platform slot
// has no allocated DAQ, and ErrNotRunning from End when nothing is acquiring.
type Control interface {
	Connect() error
	Disconnect()
	Configure(args ConfigureArgs) error
	Begin(args BeginArgs) error
	Stop() error
	End() error
	EndRun() error
	// State returns the peer state as an ordinal of the States vocabulary.
	State() (int, error)
}

// Dialer creates a control peer for one platform slot. The connection itself
// is established by the subsequent Connect call.
type Dialer func(host string, platform int) (Control, error)
