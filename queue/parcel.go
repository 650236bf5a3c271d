// Package queue implements the lock-protected double-ended queue used for
// every cross-goroutine hand-off in the comm core.
package queue

import "errors"

var ErrParcelTaken = errors.New("queue: parcel already taken")

// Parcel carries one value across a goroutine boundary with move semantics.
// The value can be taken exactly once; pushing a parcel into a Queue takes
// it, so the sender holds an empty parcel afterwards and cannot observe the
// value again.
type Parcel[T any] struct {
	v    T
	full bool
}

// Wrap puts v into a new parcel.
func Wrap[T any](v T) *Parcel[T] {
	return &Parcel[T]{v: v, full: true}
}

// Take moves the value out. The second result is false when the parcel was
// already taken.
func (p *Parcel[T]) Take() (T, bool) {
	var zero T
	if p == nil || !p.full {
		return zero, false
	}
	v := p.v
	p.v, p.full = zero, false
	return v, true
}

// Empty reports whether the value has been taken.
func (p *Parcel[T]) Empty() bool { return p == nil || !p.full }
