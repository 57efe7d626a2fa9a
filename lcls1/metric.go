package lcls1

import (
	"sync/atomic"
)

// Metrics contains atomic counters for a DAQ client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// BeginCount indicates the number of successful begin calls.
	BeginCount atomic.Uint64
	// BeginErrCount indicates the number of failed begin calls.
	BeginErrCount atomic.Uint64
	// BeginTimeoutCount indicates the number of begin attempts that never saw
	// the DAQ become ready.
	BeginTimeoutCount atomic.Uint64

	// StopCount indicates the number of stop calls sent to the peer.
	StopCount atomic.Uint64
	// EndRunCount indicates the number of runs ended.
	EndRunCount atomic.Uint64

	// ConnRetryGauge indicates the number of platform slots probed during the
	// last connect.
	ConnRetryGauge atomic.Uint32
}

func (m *Metrics) incBeginCount() {
	m.BeginCount.Add(1)
}

func (m *Metrics) incBeginErrCount() {
	m.BeginErrCount.Add(1)
}

func (m *Metrics) incBeginTimeoutCount() {
	m.BeginTimeoutCount.Add(1)
}

func (m *Metrics) incStopCount() {
	m.StopCount.Add(1)
}

func (m *Metrics) incEndRunCount() {
	m.EndRunCount.Add(1)
}

func (m *Metrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *Metrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
