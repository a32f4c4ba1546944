package watch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clicktrail/internal/dom"
)

// ValueSource is anything whose current selection can be read and which can go away.
type ValueSource interface {
	Value() string
	Attached() bool
}

type ChangeFunc func(id, value string)

type subscription struct {
	source ValueSource
	seen   string
}

// Registry polls subscribed sources and reports selections that differ from the last value
// logged for the same control id. Sources that detach are dropped on the next poll.
type Registry struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	logged   map[string]string
	onChange ChangeFunc
	logger   *slog.Logger
	closed   bool
}

func NewRegistry(onChange ChangeFunc, logger *slog.Logger) *Registry {
	return &Registry{
		subs:     make(map[string]*subscription),
		logged:   make(map[string]string),
		onChange: onChange,
		logger:   logger,
	}
}

// Subscribe starts watching src under id, replacing any earlier source for the same id.
// The value present at subscription time is the baseline and is not reported.
func (r *Registry) Subscribe(id string, src ValueSource) {
	if id == "" || src == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.subs[id] = &subscription{source: src, seen: src.Value()}
	if r.logger != nil {
		r.logger.Debug("watching control", "id", id)
	}
}

func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Observe records value as logged for id and reports whether it is a new non-empty value.
func (r *Registry) Observe(id, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observeLocked(id, value)
}

func (r *Registry) observeLocked(id, value string) bool {
	if value == "" || r.logged[id] == value {
		return false
	}
	r.logged[id] = value
	return true
}

type change struct {
	id    string
	value string
}

// Poll reads every source once and fires onChange for each new selection. It returns the
// number of changes reported.
func (r *Registry) Poll() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var changes []change
	for _, id := range ids {
		sub := r.subs[id]
		if !sub.source.Attached() {
			delete(r.subs, id)
			if r.logger != nil {
				r.logger.Debug("control detached", "id", id)
			}
			continue
		}
		v := sub.source.Value()
		if v == sub.seen {
			continue
		}
		sub.seen = v
		if r.observeLocked(id, v) {
			changes = append(changes, change{id: id, value: v})
		}
	}
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		for _, c := range changes {
			onChange(c.id, c.value)
		}
	}
	return len(changes)
}

// Run polls on interval until ctx is done or the registry is closed.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.isClosed() {
				return
			}
			r.Poll()
		}
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close drops every subscription; later Subscribe calls are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.subs = make(map[string]*subscription)
}

type nodeSource struct {
	node *dom.Node
}

// ElementSource reads the displayed selection of a dropdown container.
func ElementSource(n *dom.Node) ValueSource {
	return nodeSource{node: n}
}

func (s nodeSource) Value() string {
	if s.node == nil {
		return ""
	}
	return dom.SelectedValue(s.node)
}

func (s nodeSource) Attached() bool {
	return s.node.Attached()
}
