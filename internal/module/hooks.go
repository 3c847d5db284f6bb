package module

// Hook is a device-placement hook attached to the model, e.g. one that pages
// weights out of memory between forward passes. Structural mutation of the
// module tree must not race with a hook relocating weights, so mutators
// bracket their work with DetachHooks/AttachHooks. This is a sequential
// before/after bracket; the model is single-threaded.
type Hook interface {
	Detach()
	Attach()
}

// AddHook registers a hook on the model.
func (m *Model) AddHook(h Hook) {
	m.hooks = append(m.hooks, h)
}

// Hooks returns the registered hooks.
func (m *Model) Hooks() []Hook { return m.hooks }

// DetachHooks detaches every registered hook and reports whether any were
// attached.
func (m *Model) DetachHooks() bool {
	for _, h := range m.hooks {
		h.Detach()
	}
	return len(m.hooks) > 0
}

// AttachHooks reattaches every registered hook.
func (m *Model) AttachHooks() {
	for _, h := range m.hooks {
		h.Attach()
	}
}
