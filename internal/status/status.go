package status

import (
	"slices"

	"github.com/voxmeet/chatsync/internal/store"
)

// Status is the delivery state of a local-authored message.
type Status string

const (
	Sent      Status = store.StatusSent
	Delivered Status = store.StatusDelivered
	Seen      Status = store.StatusSeen
)

// validTransitions defines the monotonic delivery progression. The empty
// string is the pre-reconciliation state of an optimistic message.
var validTransitions = map[Status][]Status{
	"":        {Sent, Delivered, Seen},
	Sent:      {Delivered, Seen},
	Delivered: {Seen},
	Seen:      {},
}

// Known reports whether s is a recognized delivery status.
func Known(s Status) bool {
	switch s {
	case Sent, Delivered, Seen:
		return true
	}
	return false
}

// Advances reports whether moving from cur to next is a forward transition.
// Equal or backward moves are not errors, just no-ops for the caller.
func Advances(cur, next Status) bool {
	return slices.Contains(validTransitions[cur], next)
}
