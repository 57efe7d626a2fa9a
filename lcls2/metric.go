package lcls2

import (
	"sync/atomic"
)

// Metrics contains atomic counters for a DAQ client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// EventCount indicates the number of status stream events processed.
	EventCount atomic.Uint64
	// MalformedEventCount indicates the number of status stream events that
	// could not be interpreted and were dropped.
	MalformedEventCount atomic.Uint64

	// StateReqCount indicates the number of state change requests sent.
	StateReqCount atomic.Uint64
	// TransitionReqCount indicates the number of transition requests sent.
	TransitionReqCount atomic.Uint64
}

func (m *Metrics) incEventCount() {
	m.EventCount.Add(1)
}

func (m *Metrics) incMalformedEventCount() {
	m.MalformedEventCount.Add(1)
}

func (m *Metrics) incStateReqCount() {
	m.StateReqCount.Add(1)
}

func (m *Metrics) incTransitionReqCount() {
	m.TransitionReqCount.Add(1)
}
