// Package presence tracks which display names are online.
package presence

import (
	"sort"
	"sync"
)

// Registry maps live connection ids to the display name they joined with.
// A connection that never joined is not in the registry.
type Registry struct {
	sync.RWMutex

	// connection id -> display name
	names map[string]string
	// display name -> number of connections holding it
	refs map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]string),
		refs:  make(map[string]int),
	}
}

// Register sets the name of a connection, overwriting a previous one.
func (r *Registry) Register(connId, name string) {
	r.Lock()
	defer r.Unlock()
	if old, ok := r.names[connId]; ok {
		if old == name {
			return
		}
		r.release(old)
	}
	r.names[connId] = name
	r.refs[name]++
}

// Unregister removes the connection and returns the name it had, if any.
func (r *Registry) Unregister(connId string) (string, bool) {
	r.Lock()
	defer r.Unlock()
	name, ok := r.names[connId]
	if !ok {
		return "", false
	}
	delete(r.names, connId)
	r.release(name)
	return name, true
}

func (r *Registry) release(name string) {
	if r.refs[name] <= 1 {
		delete(r.refs, name)
	} else {
		r.refs[name]--
	}
}

func (r *Registry) Lookup(connId string) (string, bool) {
	r.RLock()
	defer r.RUnlock()
	name, ok := r.names[connId]
	return name, ok
}

// OnlineNames returns the distinct registered names, sorted.
func (r *Registry) OnlineNames() []string {
	r.RLock()
	out := make([]string, 0, len(r.refs))
	for name := range r.refs {
		out = append(out, name)
	}
	r.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.names)
}
