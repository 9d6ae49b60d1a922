package types

// Lazy is a reference that resolves to its value on first access. The
// loaded tag is explicit: a handle is either resolved (value known) or
// deferred (value behind a loader). Detach drops the loader, so a handle
// that was never resolved inside its session stays unusable afterwards.
//
// Lazy is not safe for concurrent use; it belongs to one session.
type Lazy[T any] struct {
	loaded bool
	value  T
	loader func() (T, error)
}

// Resolved returns a loaded handle holding v.
func Resolved[T any](v T) *Lazy[T] {
	return &Lazy[T]{loaded: true, value: v}
}

// Deferred returns an unloaded handle that calls load on first Get.
func Deferred[T any](load func() (T, error)) *Lazy[T] {
	return &Lazy[T]{loader: load}
}

// Loaded reports whether the value is known.
func (l *Lazy[T]) Loaded() bool {
	return l.loaded
}

// Get returns the value, resolving it if needed. A failed load leaves the
// handle unloaded. Returns ErrLazyInitialization if the handle is unloaded
// and detached.
func (l *Lazy[T]) Get() (T, error) {
	if l.loaded {
		return l.value, nil
	}
	if l.loader == nil {
		var zero T
		return zero, ErrLazyInitialization
	}
	v, err := l.loader()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.loaded = true
	l.loader = nil
	return v, nil
}

// Set replaces the value and marks the handle loaded.
func (l *Lazy[T]) Set(v T) {
	l.value = v
	l.loaded = true
	l.loader = nil
}

// Detach drops the loader.
func (l *Lazy[T]) Detach() {
	l.loader = nil
}
