package lcls2

import "errors"

// ErrMonitorClosed indicates that the status monitor stream ended and no
// further events will be delivered.
var ErrMonitorClosed = errors.New("status monitor closed")

// EventLabel classifies one status monitor event.
type EventLabel string

// Status monitor event labels.
const (
	// LabelStatus is the regular state report.
	LabelStatus EventLabel = "status"
	// LabelError carries an error message from the peer.
	LabelError EventLabel = "error"
	// LabelWarning carries a warning message from the peer.
	LabelWarning EventLabel = "warning"
	// LabelFileReport announces a written data file path.
	LabelFileReport EventLabel = "fileReport"
	// LabelProgress reports acquisition progress within a step.
	LabelProgress EventLabel = "progress"
	// LabelStep reports the number of completed steps.
	LabelStep EventLabel = "step"
)

// MonitorEvent is one event from the peer's status stream. Label selects
// which fields are meaningful: Message for error, warning and fileReport
// events, Elapsed and Total for progress events, StepDone for step events,
// and the remaining fields for status events.
type MonitorEvent struct {
	Label EventLabel

	Message string

	Transition      string
	State           string
	ConfigAlias     string
	Recording       bool
	BypassActiveDet bool
	ExperimentName  string
	RunNumber       int
	LastRunNumber   int

	Elapsed int
	Total   int

	StepDone int
}

// Control is the asynchronous control peer of the second-generation DAQ.
// SetState and SetTransition are requests only; their effects arrive later
// through the status stream returned by MonitorStatus.
//
// Implementations return ErrMonitorClosed from MonitorStatus once the stream
// ends.
type Control interface {
	// SetState asks the peer to walk to the named state. phase1 carries
	// per-transition metadata keyed by transition name.
	SetState(state string, phase1 map[string]any) error
	// SetTransition asks the peer to execute one named transition.
	SetTransition(transition string) error
	// MonitorStatus blocks until the next status stream event.
	MonitorStatus() (MonitorEvent, error)
}
