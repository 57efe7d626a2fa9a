package daq

import "sync"

var (
	registryMu   sync.RWMutex
	activeClient Client
)

// Register makes c the process-wide active DAQ client. There is at most one
// real DAQ per control session, so the last registered client wins.
// Registering nil clears the registry.
func Register(c Client) {
	registryMu.Lock()
	activeClient = c
	registryMu.Unlock()
}

// Active returns the registered DAQ client, or nil when none was registered.
func Active() Client {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return activeClient
}
