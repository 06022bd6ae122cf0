// Package syncgate serializes work per execution id.
package syncgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/me/gomh/pkg/model"
)

// DefaultTimeout bounds a single gate acquisition.
const DefaultTimeout = 5 * time.Second

// Gate provides mutual exclusion keyed by execution id. Work for different
// ids runs concurrently. Entries are reference counted and dropped once no
// caller holds or waits on them.
type Gate struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New creates a gate. A timeout <= 0 means DefaultTimeout; acquisition is
// always bounded.
func New(name string, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		name:    name,
		timeout: timeout,
		entries: make(map[int64]*entry),
	}
}

func (g *Gate) ref(id int64) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		g.entries[id] = e
	}
	e.refs++
	return e
}

func (g *Gate) unref(id int64, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, id)
	}
}

// WithSync runs fn while holding the gate for id. If the gate cannot be
// acquired before ctx ends or the gate timeout elapses, fn is not run and
// the returned error wraps model.ErrGateTimeout.
func (g *Gate) WithSync(ctx context.Context, id int64, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	e := g.ref(id)
	defer g.unref(id, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s gate for execution %d: %w", model.ErrGateTimeout, g.name, id, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn()
}

// Len returns the number of ids currently held or awaited.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Gates pairs the graph gate and the state gate of the dispatcher. Call
// sites that need both always take the graph gate first.
type Gates struct {
	Graph *Gate
	State *Gate
}

// NewGates creates both gates with the same acquisition timeout.
func NewGates(timeout time.Duration) *Gates {
	return &Gates{
		Graph: New("graph", timeout),
		State: New("state", timeout),
	}
}

// WithGraphAndState runs fn holding the graph gate and then the state gate
// for id.
func (g *Gates) WithGraphAndState(ctx context.Context, id int64, fn func() error) error {
	return g.Graph.WithSync(ctx, id, func() error {
		return g.State.WithSync(ctx, id, fn)
	})
}

// WithState runs fn holding only the state gate for id. It must not be
// used by code that later needs the graph gate.
func (g *Gates) WithState(ctx context.Context, id int64, fn func() error) error {
	return g.State.WithSync(ctx, id, fn)
}
