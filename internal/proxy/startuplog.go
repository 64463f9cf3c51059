package proxy

import (
	"sync"
	"time"
)

// StartupEvent is one recorded phase of a start attempt.
type StartupEvent struct {
	Step   string
	Detail string
	At     time.Time
}

// StartupLog is the immutable record of a start attempt. Built once by a
// StartupLogBuilder and then attached to the proxy.
type StartupLog struct {
	Events     []StartupEvent
	Diagnostic string
}

// StartupLogBuilder collects startup phases while a backend is starting a
// proxy. Safe for use from the goroutine pool the backend runs on.
type StartupLogBuilder struct {
	mu         sync.Mutex
	events     []StartupEvent
	diagnostic string
}

// NewStartupLogBuilder returns an empty builder.
func NewStartupLogBuilder() *StartupLogBuilder {
	return &StartupLogBuilder{}
}

// Step records a named startup phase with an optional detail.
func (b *StartupLogBuilder) Step(step, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, StartupEvent{Step: step, Detail: detail, At: time.Now()})
}

// Diagnostic records the structured failure diagnostic. The last call
// wins; a successful start leaves it empty.
func (b *StartupLogBuilder) Diagnostic(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.diagnostic = msg
}

// Build returns the collected log.
func (b *StartupLogBuilder) Build() StartupLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return StartupLog{
		Events:     append([]StartupEvent(nil), b.events...),
		Diagnostic: b.diagnostic,
	}
}
