// File: internal/orchestrator/mocks_test.go
package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/config"
	"github.com/xkilldash9x/helmsman/internal/store"
	"go.uber.org/zap"
)

// queueReasoner plays back canned model responses in call order and records
// every request. Running past the end of the queue fails the test: a graph
// walk that makes more model calls than the scenario scripted is a routing
// bug.
type queueReasoner struct {
	t  *testing.T
	mu sync.Mutex

	queue    []func() (string, error)
	requests []schemas.GenerationRequest
}

func newQueueReasoner(t *testing.T, responses ...func() (string, error)) *queueReasoner {
	t.Helper()
	return &queueReasoner{t: t, queue: responses}
}

func (q *queueReasoner) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	if len(q.queue) == 0 {
		q.t.Fatalf("unexpected model call (%d already consumed): %s", len(q.requests)-1, req.SystemPrompt)
	}
	next := q.queue[0]
	q.queue = q.queue[1:]
	return next()
}

func (q *queueReasoner) Close() error { return nil }

// assertDrained fails when scripted responses went unused: the scenario
// expected more model calls than the graph made.
func (q *queueReasoner) assertDrained() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) != 0 {
		q.t.Errorf("%d scripted responses were never consumed", len(q.queue))
	}
}

func respond(body string) func() (string, error) {
	return func() (string, error) { return body, nil }
}

func newTestOrchestrator(t *testing.T, mem *store.Memory, responses ...func() (string, error)) (*Orchestrator, *queueReasoner) {
	t.Helper()
	reasoner := newQueueReasoner(t, responses...)
	return New(zap.NewNop(), config.NewDefaultConfig(), mem, reasoner), reasoner
}

// page builds a snapshot with a handful of addressable elements.
func page(url, hash, text string) schemas.PageSnapshot {
	return schemas.PageSnapshot{
		URL:         url,
		ContentHash: hash,
		Text:        text,
		Interactive: []schemas.InteractiveElement{
			{ID: 0, Tag: "a", Label: "Home"},
			{ID: 1, Tag: "button", Label: "Add to cart"},
			{ID: 2, Tag: "button", Label: "Submit"},
			{ID: 3, Tag: "button", Label: "Subscribe"},
			{ID: 4, Tag: "input", Type: "text", Label: "Search"},
			{ID: 5, Tag: "button", Label: "Checkout"},
			{ID: 9, Tag: "a", Label: "Alternate link"},
		},
	}
}
