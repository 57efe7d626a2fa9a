package lcls2

import (
	"fmt"

	"github.com/klauer/pcdsdaq/daq"
	"github.com/klauer/pcdsdaq/extscripts"
	"github.com/klauer/pcdsdaq/logger"
)

// Run parameters specific to the second-generation DAQ.
const (
	// ParamGroupMask selects which readout groups participate in the run.
	ParamGroupMask = "group_mask"
	// ParamConfigAlias names the peer-side configuration to load, e.g. BEAM
	// or NOBEAM.
	ParamConfigAlias = "config_alias"
	// ParamDetName is the scan detector name in the data stream.
	ParamDetName = "detname"
	// ParamScanType labels the scan in the run metadata.
	ParamScanType = "scantype"
)

// WithGroupMask stages the readout group mask.
func WithGroupMask(mask int) daq.Option {
	return daq.WithParam(ParamGroupMask, daq.Some(mask))
}

// WithConfigAlias stages the named peer-side configuration.
func WithConfigAlias(alias string) daq.Option {
	return daq.WithParam(ParamConfigAlias, daq.Some(alias))
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

// WithHutch sets the hutch used for run number fallback lookups.
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

// WithRunNumberFunc replaces the experiment-database run number fallback used
// when the peer has not reported a run number yet.
func WithRunNumberFunc(fn func(hutch string, live bool) (int, error)) DaqOption {
	return newDaqOptFunc("WithRunNumberFunc", func(d *Daq) error {
		if fn == nil {
			return fmt.Errorf("run number func is nil")
		}
		d.runNumberFunc = fn

		return nil
	})
}
