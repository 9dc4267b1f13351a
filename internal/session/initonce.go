package session

import "sync"

// InitOnce guards process-wide one-time installs (global error
// handlers, log redirection) behind explicit keys. It is created once
// at the composition root and passed down, so rebuilding a manager in
// the same process never double-installs anything.
type InitOnce struct {
	mu   sync.Mutex
	done map[string]bool
}

// NewInitOnce creates an empty guard set.
func NewInitOnce() *InitOnce {
	return &InitOnce{done: make(map[string]bool)}
}

// Install runs fn the first time key is seen and reports whether it
// ran.
func (i *InitOnce) Install(key string, fn func()) bool {
	i.mu.Lock()
	if i.done[key] {
		i.mu.Unlock()
		return false
	}
	i.done[key] = true
	i.mu.Unlock()
	fn()
	return true
}

// Installed reports whether key has already been installed.
func (i *InitOnce) Installed(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done[key]
}
