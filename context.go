package mutator

import "context"

// heldKey marks a context as running inside a body of one Mutator. Each
// Mutator gets its own key, so a context can carry several marks at once
// (a body of A calling into B) and re-entry into any of them is detected.
type heldKey struct {
	m *Mutator
}

func withHeld(ctx context.Context, m *Mutator) context.Context {
	return context.WithValue(ctx, heldKey{m: m}, struct{}{})
}

// Held reports whether ctx belongs to a body currently running under m's
// lock. Contexts derived from a body's context, including the ones handed to
// goroutines it spawns, report true; unrelated contexts report false.
func Held(ctx context.Context, m *Mutator) bool {
	if ctx == nil || m == nil {
		return false
	}
	return ctx.Value(heldKey{m: m}) != nil
}
