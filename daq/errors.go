package daq

import "errors"

var (
	// ErrNotConnected indicates that the DAQ is not connected and an automatic
	// connection attempt did not succeed.
	ErrNotConnected = errors.New("daq is not connected")

	// ErrConnectionFailed indicates that no connection to the DAQ could be
	// established at all.
	ErrConnectionFailed = errors.New("could not connect to daq")

	// ErrNotAllocated indicates that the DAQ rejected the platform query,
	// i.e. the DAQ is not allocated.
	ErrNotAllocated = errors.New("daq is not allocated")
)

var (
	// ErrInvalidTransition is returned when an illegal transition is requested
	// from the current state, e.g. a reconfigure during an open run.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotReady indicates that the DAQ state is below connected and a run
	// cannot be kicked off.
	ErrNotReady = errors.New("daq is not ready to run")

	// ErrAlreadyRunning indicates that a run kickoff was requested while the
	// DAQ is already acquiring.
	ErrAlreadyRunning = errors.New("daq is already running")
)

var (
	// ErrWaitTimeout indicates that a Status wait elapsed before the token
	// completed. The underlying request is not retracted, only the wait is
	// abandoned.
	ErrWaitTimeout = errors.New("timeout waiting for status")

	// ErrStatusTimeout indicates that a Status deadline expired before the
	// token was completed by its producer.
	ErrStatusTimeout = errors.New("status deadline exceeded")

	// ErrBeginTimeout indicates that the DAQ never reached a ready state
	// within the begin timeout window.
	ErrBeginTimeout = errors.New("timeout waiting for daq to begin")
)

var (
	// ErrUnknownParam indicates an unknown configuration parameter name.
	ErrUnknownParam = errors.New("unknown config parameter")

	// ErrNotConfigParam indicates a known field that is not configurable.
	ErrNotConfigParam = errors.New("not a configurable parameter")

	// ErrDurationTooShort indicates a duration argument below one second.
	// Short runs should be expressed with the events parameter instead.
	ErrDurationTooShort = errors.New("duration below one second is unreliable, use events for short runs")

	// ErrUnknownValue indicates an identifier that resolves to no member of a
	// state or transition vocabulary.
	ErrUnknownValue = errors.New("unknown state or transition identifier")

	// ErrInfiniteRun indicates a wait on a run configured to run forever.
	ErrInfiniteRun = errors.New("cannot wait, daq configured to run forever")

	// ErrNotConfigured indicates a triggered acquisition without events or
	// duration configured.
	ErrNotConfigured = errors.New("daq was not configured for events or duration")
)
