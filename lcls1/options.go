package lcls1

import (
	"fmt"
	"time"

	"github.com/klauer/pcdsdaq/daq"
	"github.com/klauer/pcdsdaq/extscripts"
	"github.com/klauer/pcdsdaq/logger"
)

// ParamUseL3T is the level-3 trigger filter run parameter. When set, event
// counts refer to events passing the filter instead of raw events.
const ParamUseL3T = "use_l3t"

// WithUseL3T stages whether event counts are interpreted against the level-3
// trigger filter.
func WithUseL3T(useL3T bool) daq.Option {
	return daq.WithParam(ParamUseL3T, daq.Some(useL3T))
}

// DaqOption represents a functional option for configuring a Daq client.
type DaqOption interface {
	apply(*Daq) error
}

type daqOptFunc struct {
	name      string
	applyFunc func(*Daq) error
}

func (f *daqOptFunc) apply(d *Daq) error { return f.applyFunc(d) }

func newDaqOptFunc(name string, f func(*Daq) error) *daqOptFunc {
	return &daqOptFunc{name: name, applyFunc: f}
}

// WithHutch sets the hutch used for run number lookups instead of deriving it
// from the host environment. The name must be a known hutch.
func WithHutch(hutch string) DaqOption {
	return newDaqOptFunc("WithHutch", func(d *Daq) error {
		if !extscripts.ValidHutch(hutch) {
			return fmt.Errorf("%w: %q", extscripts.ErrInvalidHutch, hutch)
		}
		d.hutch = hutch

		return nil
	})
}

// WithLogger sets the logger for the client.
func WithLogger(l logger.Logger) DaqOption {
	return newDaqOptFunc("WithLogger", func(d *Daq) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		d.logger = l

		return nil
	})
}

// WithBeginThrottle sets the minimum elapsed time between a stop and the next
// begin. The DAQ misbehaves when begin follows stop too closely.
func WithBeginThrottle(d time.Duration) DaqOption {
	return newDaqOptFunc("WithBeginThrottle", func(dq *Daq) error {
		if d < 0 {
			return fmt.Errorf("begin throttle must not be negative, got %s", d)
		}
		dq.beginThrottle = d

		return nil
	})
}

// WithPlatforms sets how many platform slots connect probes, starting from
// zero.
func WithPlatforms(n int) DaqOption {
	return newDaqOptFunc("WithPlatforms", func(d *Daq) error {
		if n <= 0 {
			return fmt.Errorf("platform count must be positive, got %d", n)
		}
		d.platforms = n

		return nil
	})
}

// WithMonitor sets the run document source used for scan staging.
func WithMonitor(monitor daq.RunMonitor) DaqOption {
	return newDaqOptFunc("WithMonitor", func(d *Daq) error {
		if monitor == nil {
			return fmt.Errorf("run monitor is nil")
		}
		d.monitor = monitor

		return nil
	})
}

// WithRunNumberFunc replaces the experiment-database run number lookup.
func WithRunNumberFunc(fn func(hutch string, live bool) (int, error)) DaqOption {
	return newDaqOptFunc("WithRunNumberFunc", func(d *Daq) error {
		if fn == nil {
			return fmt.Errorf("run number func is nil")
		}
		d.runNumberFunc = fn

		return nil
	})
}
