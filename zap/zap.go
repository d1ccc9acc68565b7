// Package zap implements the overlay's ZAP-equivalent authorization
// check: a shared domain string plus an allowlist of public keys
// permitted to connect, consulted before any application-level message
// from a new connection is processed.
package zap

import "sync"

// Handler is a public-key allowlist shared by every broker in the
// overlay. A connecting peer whose public key is not on the list is
// refused when its hello arrives: the overlay decodes the hello frame,
// then transport.Router.AddChild consults this list and closes the
// connection, so the peer sees no error response.
type Handler struct {
	domain string

	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewHandler returns a Handler for the given ZAP domain, a fixed ASCII
// constant shared by every broker in one overlay.
func NewHandler(domain string) *Handler {
	return &Handler{domain: domain, allowed: make(map[string]struct{})}
}

// Domain returns the ZAP domain this handler was created with;
// Authorized does not consult it.
func (h *Handler) Domain() string { return h.domain }

// Allow adds publicKey to the allowlist. Mutating the allowlist is only
// ever safe from the bootstrap code before peers are accepted (PMI) or,
// additively, at any time for late-joining FLUB peers.
func (h *Handler) Allow(publicKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowed[publicKey] = struct{}{}
}

// Revoke removes publicKey from the allowlist. It affects only later
// checks: a connection already accepted under that key stays open.
func (h *Handler) Revoke(publicKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allowed, publicKey)
}

// Authorized reports whether publicKey may connect. It implements
// transport.Authorizer.
func (h *Handler) Authorized(publicKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.allowed[publicKey]
	return ok
}

// Count returns the number of keys currently on the allowlist.
func (h *Handler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowed)
}
