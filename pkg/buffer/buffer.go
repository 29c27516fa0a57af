// Package buffer provides a generic, thread-safe ring buffer.
//
// The ring backs the gateway's rolling windows: response-time samples, probe
// history used for availability, recent alerts and the bounded tail of action
// output. Once full, a write either evicts the oldest item (DropOldest, the
// default) or discards the new one (DropNewest).
package buffer

// OverflowPolicy defines how the ring behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item
	DropNewest
)

// String returns the string representation of OverflowPolicy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// DropCallback is called with each item removed by the overflow policy.
type DropCallback[T any] func(item T)
