package daq

import (
	"fmt"
	"sync"

	"github.com/klauer/pcdsdaq/logger"
)

// Stager ties a Client to the run boundaries of a surrounding scan. Staging
// ends any pre-existing run and arranges for the run to be ended again when
// the scan publishes its stop document; unstaging restores a background
// acquisition that was interrupted by the scan.
type Stager struct {
	mu            sync.Mutex
	client        Client
	monitor       RunMonitor
	logger        logger.Logger
	token         string
	staged        bool
	preRunRunning bool
}

// NewStager creates a Stager for the given client and run document source.
func NewStager(c Client, monitor RunMonitor, l logger.Logger) *Stager {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Stager{client: c, monitor: monitor, logger: l}
}

// Stage prepares the client for a scan: it remembers whether the DAQ was
// acquiring, subscribes to run documents so the DAQ run ends together with
// the scan, and ends any currently open run. Staging an already staged
// client is an error.
func (s *Stager) Stage() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged {
		return fmt.Errorf("already staged")
	}

	s.preRunRunning = s.client.Running()
	s.token = s.monitor.Subscribe(s.onDocument)
	s.staged = true

	if err := s.client.EndRun(); err != nil {
		s.monitor.Unsubscribe(s.token)
		s.staged = false

		return fmt.Errorf("failed to end run during staging: %w", err)
	}

	return nil
}

// Unstage undoes Stage: it drops the run document subscription, ends any run
// left open by the scan, and restarts an open-ended acquisition when the DAQ
// was acquiring before the scan began. Unstaging an unstaged client is a
// no-op.
func (s *Stager) Unstage() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.staged {
		return nil
	}

	s.monitor.Unsubscribe(s.token)
	s.staged = false

	if s.client.Active() {
		if err := s.client.EndRun(); err != nil {
			return fmt.Errorf("failed to end run during unstaging: %w", err)
		}
	}

	if s.preRunRunning {
		s.logger.Info("Restoring background acquisition interrupted by scan")
		if err := s.client.BeginInfinite(); err != nil {
			return fmt.Errorf("failed to restore background acquisition: %w", err)
		}
	}
	s.preRunRunning = false

	return nil
}

// Staged reports whether the client is currently staged.
func (s *Stager) Staged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.staged
}

// onDocument ends the DAQ run when the scan closes.
func (s *Stager) onDocument(doc Document) {
	if doc.Type != StopDocument {
		return
	}

	if err := s.client.EndRun(); err != nil {
		s.logger.Error("failed to end run on scan stop", "error", err)
	}
}
