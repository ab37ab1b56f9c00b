// Package subscription records which resource URIs each server has been
// asked to push updates for.
package subscription

import (
	"sort"
	"sync"
)

// Registry is a set of (server, uri) pairs.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[string]struct{})}
}

// Subscribe records uri for server. It reports whether the pair was new.
func (r *Registry) Subscribe(server, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	uris, ok := r.subs[server]
	if !ok {
		uris = make(map[string]struct{})
		r.subs[server] = uris
	}
	if _, exists := uris[uri]; exists {
		return false
	}
	uris[uri] = struct{}{}
	return true
}

// Unsubscribe forgets uri for server. It reports whether the pair existed.
func (r *Registry) Unsubscribe(server, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	uris, ok := r.subs[server]
	if !ok {
		return false
	}
	if _, exists := uris[uri]; !exists {
		return false
	}
	delete(uris, uri)
	if len(uris) == 0 {
		delete(r.subs, server)
	}
	return true
}

// IsSubscribed reports whether server has a subscription for uri.
func (r *Registry) IsSubscribed(server, uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[server][uri]
	return ok
}

// URIs returns server's subscriptions in sorted order.
func (r *Registry) URIs(server string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs[server]))
	for uri := range r.subs[server] {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// ClearServer drops every subscription for server.
func (r *Registry) ClearServer(server string) {
	r.mu.Lock()
	delete(r.subs, server)
	r.mu.Unlock()
}
