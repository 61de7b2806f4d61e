// Package history implements a bounded two-stack undo/redo log.
package history

// DefaultLimit is the number of snapshots retained on each stack.
const DefaultLimit = 50

// State is the serialisable form of a Log.
type State[T any] struct {
	Past   []T `json:"past"`
	Future []T `json:"future"`
}

// Log keeps past and future snapshots, each capped at a fixed limit.
// Callers are responsible for synchronisation.
type Log[T any] struct {
	limit  int
	clone  func(T) T
	past   []T
	future []T
}

// NewLog constructs an empty Log. clone copies a snapshot so that later mutation
// of the live value never leaks into retained entries; nil means values are copied by assignment.
func NewLog[T any](limit int, clone func(T) T) *Log[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Log[T]{limit: limit, clone: clone}
}

// Limit returns the per-stack capacity.
func (l *Log[T]) Limit() int { return l.limit }

// Record pushes current onto the past stack and clears the future.
func (l *Log[T]) Record(current T) {
	l.past = l.trimOldest(append(l.past, l.clone(current)))
	l.future = nil
}

// Undo pops the most recent past entry and returns it, pushing current onto the
// front of the future stack. It reports false when there is nothing to undo.
func (l *Log[T]) Undo(current T) (T, bool) {
	if len(l.past) == 0 {
		var zero T
		return zero, false
	}
	last := len(l.past) - 1
	prev := l.past[last]
	l.past = l.past[:last]

	future := make([]T, 0, len(l.future)+1)
	future = append(future, l.clone(current))
	future = append(future, l.future...)
	if len(future) > l.limit {
		future = future[:l.limit]
	}
	l.future = future
	return prev, true
}

// Redo shifts the first future entry and returns it, pushing current onto the
// past stack. It reports false when there is nothing to redo.
func (l *Log[T]) Redo(current T) (T, bool) {
	if len(l.future) == 0 {
		var zero T
		return zero, false
	}
	next := l.future[0]
	l.future = l.future[1:]
	l.past = l.trimOldest(append(l.past, l.clone(current)))
	return next, true
}

// CanUndo reports whether Undo would change state.
func (l *Log[T]) CanUndo() bool { return len(l.past) > 0 }

// CanRedo reports whether Redo would change state.
func (l *Log[T]) CanRedo() bool { return len(l.future) > 0 }

// Depth returns the sizes of the past and future stacks.
func (l *Log[T]) Depth() (past, future int) { return len(l.past), len(l.future) }

// Reset drops every retained snapshot.
func (l *Log[T]) Reset() {
	l.past = nil
	l.future = nil
}

// State returns copies of both stacks.
func (l *Log[T]) State() State[T] {
	return State[T]{Past: l.cloneAll(l.past), Future: l.cloneAll(l.future)}
}

// LoadState replaces both stacks, trimming each to the limit.
func (l *Log[T]) LoadState(s State[T]) {
	l.past = l.trimOldest(l.cloneAll(s.Past))
	future := l.cloneAll(s.Future)
	if len(future) > l.limit {
		future = future[:l.limit]
	}
	l.future = future
}

func (l *Log[T]) trimOldest(s []T) []T {
	if len(s) <= l.limit {
		return s
	}
	out := make([]T, l.limit)
	copy(out, s[len(s)-l.limit:])
	return out
}

func (l *Log[T]) cloneAll(s []T) []T {
	if len(s) == 0 {
		return nil
	}
	out := make([]T, len(s))
	for i, v := range s {
		out[i] = l.clone(v)
	}
	return out
}
