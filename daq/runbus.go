package daq

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// DocumentType labels a run document.
type DocumentType string

// Run document types emitted by a scan orchestrator.
const (
	StartDocument DocumentType = "start"
	EventDocument DocumentType = "event"
	StopDocument  DocumentType = "stop"
)

// Document is one run document announcement. Only the type matters to the
// run-boundary machinery; payloads stay with the orchestrator.
type Document struct {
	Type  DocumentType
	RunID string
}

// RunMonitor announces run documents to subscribers. The Stager uses it to
// end the DAQ run when the surrounding scan emits its stop document.
type RunMonitor interface {
	// Subscribe registers fn for all future documents and returns a token for
	// Unsubscribe.
	Subscribe(fn func(Document)) string
	// Unsubscribe removes the subscription for the given token. Unknown
	// tokens are ignored.
	Unsubscribe(token string)
}

// RunBus is an in-process RunMonitor fan-out. Publish delivers the document
// to every subscriber synchronously, in unspecified order.
type RunBus struct {
	subs *xsync.MapOf[string, func(Document)]
}

// NewRunBus creates an empty run document bus.
func NewRunBus() *RunBus {
	return &RunBus{subs: xsync.NewMapOf[string, func(Document)]()}
}

// Subscribe registers fn and returns its subscription token.
func (b *RunBus) Subscribe(fn func(Document)) string {
	token := uuid.NewString()
	b.subs.Store(token, fn)

	return token
}

// Unsubscribe removes the subscription for token.
func (b *RunBus) Unsubscribe(token string) {
	b.subs.Delete(token)
}

// Publish delivers doc to every current subscriber on the calling goroutine.
func (b *RunBus) Publish(doc Document) {
	b.subs.Range(func(_ string, fn func(Document)) bool {
		fn(doc)
		return true
	})
}
