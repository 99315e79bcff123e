// Package emit persists retained pages.
package emit

import (
	"context"
	"sync"

	"krauler/pkg/page"
)

// Sink receives every retained page. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, p *page.Page) error
	Close() error
}

// Discard is a Sink that drops every page
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, *page.Page) error { return nil }
func (discard) Close() error                           { return nil }

// MemorySink keeps the IDs of emitted pages in emission order
type MemorySink struct {
	mu  sync.Mutex
	ids []string
}

func (m *MemorySink) Emit(_ context.Context, p *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, p.ID())
	return nil
}

func (m *MemorySink) Close() error { return nil }

// IDs returns a copy of the emitted page IDs
func (m *MemorySink) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}
