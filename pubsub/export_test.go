package pubsub

// Test-only accessor for the external test package.

func (h *Handler) HandleTakeLead(msg Message) { h.handleTakeLead(msg) }
