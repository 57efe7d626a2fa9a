// Package daq defines the backend-independent pieces of the DAQ control client:
// the completion token (Status), the state/transition vocabulary, the run
// configuration cache, the abstract control contract (Client), run-boundary
// staging, the background task manager, and the process-wide client registry.
//
// The lcls1 and lcls2 packages implement the Client contract for the two
// backend control protocols.
package daq
