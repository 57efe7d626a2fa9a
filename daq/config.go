package daq

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauer/pcdsdaq/logger"
)

// Default run parameter values shared by all backends.
const (
	// DefaultBeginTimeout is how long to wait for the DAQ to be ready for a
	// begin call.
	DefaultBeginTimeout = 15 * time.Second

	// DefaultBeginThrottle is the minimum elapsed time enforced between a
	// stop and the next begin.
	DefaultBeginThrottle = 1 * time.Second
)

// Well-known run parameter names.
const (
	ParamEvents       = "events"
	ParamDuration     = "duration"
	ParamRecord       = "record"
	ParamControls     = "controls"
	ParamBeginTimeout = "begin_timeout"
	ParamBeginSleep   = "begin_sleep"
)

type valueKind uint8

const (
	keepKind valueKind = iota
	noneKind
	someKind
)

// Value is a tagged run parameter value: Keep marks "inherit the previous
// value" and is skipped on staging, None is an explicit absent value meaning
// "run forever / use the facility default", and Some carries an explicit
// value. Keep and None are deliberately distinct.
type Value struct {
	kind valueKind
	val  any
}

// Keep returns the inherit sentinel; staging it leaves the previous value.
func Keep() Value { return Value{kind: keepKind} }

// None returns the explicit absent value.
func None() Value { return Value{kind: noneKind} }

// Some wraps an explicit parameter value.
func Some(v any) Value { return Value{kind: someKind, val: v} }

// IsKeep reports whether the value is the inherit sentinel.
func (v Value) IsKeep() bool { return v.kind == keepKind }

// IsNone reports whether the value is explicitly absent.
func (v Value) IsNone() bool { return v.kind == noneKind }

// Get returns the carried value and whether one is present.
func (v Value) Get() (any, bool) {
	if v.kind != someKind {
		return nil, false
	}

	return v.val, true
}

// ControlVar is a named control variable whose reading is forwarded into the
// DAQ data stream on every configure and begin call. Read failures propagate
// to the caller instead of being silently dropped.
type ControlVar struct {
	Name string
	Read func() (float64, error)
}

// ParamDef declares one run parameter of a backend's configuration cache.
type ParamDef struct {
	// Name is the canonical parameter name.
	Name string
	// Default is the value in effect before the parameter is first staged.
	Default Value
	// Config marks the parameter as configurable; fields with Config false
	// are readout-only and reject staging with ErrNotConfigParam.
	Config bool
	// Dirty marks the parameter as requiring a peer-side configure transition
	// whenever it is staged.
	Dirty bool
}

// Config is the cache of last-applied run parameters. Writes go through
// Stage, reads through Effective and the typed getters; Apply clears the
// dirty flag after a successful peer-side configure call.
//
// Access is guarded by one coarse lock; configuration reads and writes are
// not performance-sensitive.
type Config struct {
	mu       sync.RWMutex
	logger   logger.Logger
	params   map[string]Value
	defaults map[string]Value
	config   map[string]bool
	dirtySet map[string]bool
	names    []string
	dirty    bool
}

// NewConfig creates a configuration cache holding the shared run parameters
// (events, duration, record, controls, begin_timeout, begin_sleep) plus any
// backend extras. The record parameter triggers the dirty flag by default;
// extras declare their own dirty behavior.
func NewConfig(l logger.Logger, extras ...ParamDef) *Config {
	if l == nil {
		l = logger.GetLogger()
	}

	defs := []ParamDef{
		{Name: ParamEvents, Default: None(), Config: true},
		{Name: ParamDuration, Default: None(), Config: true},
		{Name: ParamRecord, Default: None(), Config: true, Dirty: true},
		{Name: ParamControls, Default: None(), Config: true},
		{Name: ParamBeginTimeout, Default: Some(DefaultBeginTimeout), Config: true},
		{Name: ParamBeginSleep, Default: Some(time.Duration(0)), Config: true},
		// Readout fields, registered so staging them fails with a typed error
		// instead of being mistaken for an unknown name.
		{Name: "state", Config: false},
		{Name: "configured", Config: false},
	}
	defs = append(defs, extras...)

	c := &Config{
		logger:   l,
		params:   make(map[string]Value, len(defs)),
		defaults: make(map[string]Value, len(defs)),
		config:   make(map[string]bool, len(defs)),
		dirtySet: make(map[string]bool, len(defs)),
	}
	for _, def := range defs {
		c.config[def.Name] = def.Config
		if !def.Config {
			continue
		}
		c.defaults[def.Name] = def.Default
		c.params[def.Name] = def.Default
		c.names = append(c.names, def.Name)
		if def.Dirty {
			c.dirtySet[def.Name] = true
		}
	}
	sort.Strings(c.names)

	return c
}

// Option stages one run parameter value.
type Option interface {
	apply(*Config) error
}

type cfgOptFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *cfgOptFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newCfgOptFunc(name string, f func(*Config) error) *cfgOptFunc {
	return &cfgOptFunc{name: name, applyFunc: f}
}

// WithEvents stages the number of events to acquire per run. Staging events
// clears a previously staged duration; at most one of the two is active.
func WithEvents(events int) Option {
	return newCfgOptFunc("WithEvents", func(cfg *Config) error {
		return cfg.put(ParamEvents, Some(events))
	})
}

// WithDuration stages the acquisition time per run. Staging a duration clears
// a previously staged events count. Durations below one second are rejected
// with ErrDurationTooShort before any peer call is made.
func WithDuration(d time.Duration) Option {
	return newCfgOptFunc("WithDuration", func(cfg *Config) error {
		if d < time.Second {
			return fmt.Errorf("%w: got %s", ErrDurationTooShort, d)
		}

		return cfg.put(ParamDuration, Some(d))
	})
}

// WithOpenEnded stages an unbounded run: no event count and no duration.
// Such a run must be explicitly stopped rather than awaited.
func WithOpenEnded() Option {
	return newCfgOptFunc("WithOpenEnded", func(cfg *Config) error {
		if err := cfg.put(ParamEvents, None()); err != nil {
			return err
		}

		return cfg.put(ParamDuration, None())
	})
}

// WithRecord stages whether the DAQ records data for the next run.
func WithRecord(record bool) Option {
	return newCfgOptFunc("WithRecord", func(cfg *Config) error {
		return cfg.put(ParamRecord, Some(record))
	})
}

// WithControls stages the control variables forwarded into the data stream.
func WithControls(controls []ControlVar) Option {
	return newCfgOptFunc("WithControls", func(cfg *Config) error {
		if controls == nil {
			return cfg.put(ParamControls, None())
		}

		return cfg.put(ParamControls, Some(controls))
	})
}

// WithBeginTimeout stages how long begin waits for the DAQ to become ready.
func WithBeginTimeout(d time.Duration) Option {
	return newCfgOptFunc("WithBeginTimeout", func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("begin timeout must be positive, got %s", d)
		}

		return cfg.put(ParamBeginTimeout, Some(d))
	})
}

// WithBeginSleep stages an extra grace period after a begin reports done.
// Some DAQ configurations report the begin transition early and need an
// empirically derived delay.
func WithBeginSleep(d time.Duration) Option {
	return newCfgOptFunc("WithBeginSleep", func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("begin sleep must not be negative, got %s", d)
		}

		return cfg.put(ParamBeginSleep, Some(d))
	})
}

// WithParam stages a parameter by name. Unknown names fail with
// ErrUnknownParam, readout-only fields with ErrNotConfigParam.
func WithParam(name string, value Value) Option {
	return newCfgOptFunc("WithParam", func(cfg *Config) error {
		return cfg.put(name, value)
	})
}

// Stage writes the given parameter values into the cache, skipping any value
// holding the inherit sentinel, and logs the resulting queued configuration.
// Staging a dirty-triggering parameter marks the cache dirty.
func (c *Config) Stage(opts ...Option) error {
	if err := c.StageQuiet(opts...); err != nil {
		return err
	}

	c.Info("Queued config:")

	return nil
}

// StageQuiet is Stage without the queued-configuration log line.
func (c *Config) StageQuiet(opts ...Option) error {
	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return err
		}
	}

	return nil
}

// put writes a single parameter value, enforcing the events/duration
// exclusivity and the dirty bookkeeping.
func (c *Config) put(name string, value Value) error {
	if value.IsKeep() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	isConfig, known := c.config[name]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	if !isConfig {
		return fmt.Errorf("%w: %q", ErrNotConfigParam, name)
	}

	c.params[name] = value

	// Only one of events and duration may be active at a time.
	if _, ok := value.Get(); ok {
		switch name {
		case ParamEvents:
			c.params[ParamDuration] = None()
		case ParamDuration:
			c.params[ParamEvents] = None()
		}
	}

	if c.dirtySet[name] {
		c.dirty = true
	}

	return nil
}

// Effective returns the parameter map with defaults substituted for anything
// never explicitly staged. Absent values appear as nil entries.
func (c *Config) Effective() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eff := make(map[string]any, len(c.params))
	for name, val := range c.params {
		if v, ok := val.Get(); ok {
			eff[name] = v
		} else {
			eff[name] = nil
		}
	}

	return eff
}

// Value returns the staged value for the given parameter name.
func (c *Config) Value(name string) Value {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.params[name]
}

// Dirty reports whether a parameter that requires a peer-side configure call
// was staged since the last applied configuration.
func (c *Config) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.dirty
}

// Apply marks the staged configuration as applied to the peer, clearing the
// dirty flag. Backends call it after a successful configure transition.
func (c *Config) Apply() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty = false
}

// Reset restores every parameter to its default value, e.g. on disconnect.
func (c *Config) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, def := range c.defaults {
		c.params[name] = def
	}
	c.dirty = false
}

// Info logs the current configuration at info level under the given header.
func (c *Config) Info(header string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parts := make([]string, 0, len(c.names))
	for _, name := range c.names {
		if v, ok := c.params[name].Get(); ok {
			parts = append(parts, fmt.Sprintf("%s=%v", name, v))
		}
	}
	if header != "" {
		header += " "
	}
	c.logger.Info(header + strings.Join(parts, ", "))
}

// Int returns an integer parameter value and whether one is present.
func (c *Config) Int(name string) (int, bool) {
	if v, ok := c.Value(name).Get(); ok {
		if n, ok := v.(int); ok {
			return n, true
		}
	}

	return 0, false
}

// Bool returns a boolean parameter value and whether one is present.
func (c *Config) Bool(name string) (bool, bool) {
	if v, ok := c.Value(name).Get(); ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}

	return false, false
}

// Duration returns a duration parameter value and whether one is present.
func (c *Config) Duration(name string) (time.Duration, bool) {
	if v, ok := c.Value(name).Get(); ok {
		if d, ok := v.(time.Duration); ok {
			return d, true
		}
	}

	return 0, false
}

// Controls returns the staged control variables, or nil when absent.
func (c *Config) Controls() []ControlVar {
	if v, ok := c.Value(ParamControls).Get(); ok {
		if ctrls, ok := v.([]ControlVar); ok {
			return ctrls
		}
	}

	return nil
}

// BeginTimeout returns the effective begin timeout.
func (c *Config) BeginTimeout() time.Duration {
	if d, ok := c.Duration(ParamBeginTimeout); ok {
		return d
	}

	return DefaultBeginTimeout
}

// BeginSleep returns the effective post-begin grace period.
func (c *Config) BeginSleep() time.Duration {
	d, _ := c.Duration(ParamBeginSleep)
	return d
}
