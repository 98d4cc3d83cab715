package session

import "sync"

// TokenHolder is the single shared mutable credential gating the channel
// lifecycle. The session Manager is its only writer; every other component
// reads it. It satisfies api.TokenSource.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHolder creates an empty holder (anonymous).
func NewTokenHolder() *TokenHolder { return &TokenHolder{} }

// Token returns the current credential, empty when anonymous.
func (h *TokenHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

func (h *TokenHolder) set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}
