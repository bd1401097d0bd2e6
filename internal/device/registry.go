package device

import (
	"sort"
	"sync"

	"github.com/danmuck/ethstream/internal/stream"
)

// Action executes a named stream command.
type Action func() error

// Registry stores streams by name.
type Registry struct {
	repo map[string]stream.Stream
	mu   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]stream.Stream)}
}

// Register adds a stream by name, replacing any previous entry.
func (r *Registry) Register(s stream.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[s.Name()] = s
}

// All returns a snapshot of the registered streams ordered by name.
func (r *Registry) All() []stream.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stream.Stream, 0, len(r.repo))
	for _, s := range r.repo {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Get(name string) (stream.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.repo[name]
	return s, ok
}

// Actions returns the operator commands available on s.
func Actions(s stream.Stream) map[string]Action {
	return map[string]Action{
		"abort":       s.Abort,
		"clear_abort": s.ClearAbort,
	}
}
