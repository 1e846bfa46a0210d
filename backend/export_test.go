package backend

// SetUsers forces the reference count.
func (h *Handle) SetUsers(n uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.users = n
}
