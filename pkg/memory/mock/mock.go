// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
package mock

import (
	"context"
	"sync"

	"github.com/openwear/earstream/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store]. The zero value
// succeeds on every call and returns no search results.
type Store struct {
	mu    sync.Mutex
	calls []Call

	// Facts accumulates everything passed to Upsert, keyed by user id.
	Facts map[string][]memory.Fact

	// UpsertErr is returned by Upsert when non-nil.
	UpsertErr error

	// SearchResult is returned by Search. When nil, Search returns an
	// empty non-nil slice.
	SearchResult []memory.FactResult

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

// Upsert implements [memory.Store].
func (m *Store) Upsert(_ context.Context, userID string, facts []memory.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Upsert", Args: []any{userID, facts}})
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if m.Facts == nil {
		m.Facts = make(map[string][]memory.Fact)
	}
	m.Facts[userID] = append(m.Facts[userID], facts...)
	return nil
}

// Search implements [memory.Store].
func (m *Store) Search(_ context.Context, userID string, embedding []float32, topK int) ([]memory.FactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{userID, embedding, topK}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []memory.FactResult{}, nil
	}
	out := make([]memory.FactResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, nil
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
