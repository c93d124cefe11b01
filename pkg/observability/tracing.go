package observability

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// localSpan marks the start and end of a traced operation. It keeps the
// attributes/events/status a span accumulates so a future exporter can be
// plugged in without touching call sites. On End it logs the span's
// duration and error only when an error was recorded; otherwise it logs
// nothing.
type localSpan struct {
	name      string
	start     time.Time
	mu        sync.Mutex
	attrs     map[string]interface{}
	err       error
	statusMsg string
}

func (s *localSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		log.Printf("span %s failed after %s: %v", s.name, time.Since(s.start), s.err)
	}
}

func (s *localSpan) SetAttribute(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]interface{})
	}
	s.attrs[key] = value
}

func (s *localSpan) AddEvent(name string, attributes map[string]interface{}) {
	// Events are not retained without an exporter; this is a deliberate no-op.
}

func (s *localSpan) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *localSpan) SetStatus(code int, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusMsg = fmt.Sprintf("%d:%s", code, description)
}

// StartSpan starts a new span scoped to ctx. There is no exporter wired
// in this module; the span exists to mark operation boundaries so callers
// read the same as they would against a full tracing SDK.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &localSpan{name: name, start: time.Now()}
}
