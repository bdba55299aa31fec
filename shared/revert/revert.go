// Package revert provides a small helper for unwinding partially completed
// operations, so that a failure midway through a multi-step operation
// cleans up everything that already succeeded. Within this module
// netd/bgpctrl uses it to undo a failed listener reconfiguration.
package revert

// Hook is a cleanup function registered with a Reverter.
type Hook func()

// Reverter runs a LIFO stack of Hooks unless Success is called first.
type Reverter struct {
	hooks []Hook
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add appends a cleanup hook to the stack.
func (r *Reverter) Add(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// Fail runs every registered hook in reverse order. Safe to call via defer
// unconditionally; it is a no-op once Success has been called.
func (r *Reverter) Fail() {
	for i := len(r.hooks) - 1; i >= 0; i-- {
		r.hooks[i]()
	}

	r.hooks = nil
}

// Success discards all registered hooks so that a subsequent Fail is a
// no-op.
func (r *Reverter) Success() {
	r.hooks = nil
}

// Clone returns a new Reverter with the same hooks, useful for handing a
// sub-operation's cleanup up to its caller.
func (r *Reverter) Clone() *Reverter {
	clone := &Reverter{hooks: make([]Hook, len(r.hooks))}
	copy(clone.hooks, r.hooks)
	return clone
}
