package lock

import "errors"

// ErrDeadlock is returned when admission's simulated wait-for graph
// contains a cycle; the caller must not propose the acquire.
var ErrDeadlock = errors.New("lock: granting this request would deadlock")

// ErrBusy is returned when the lock is held incompatibly and the
// requester has been enqueued as a waiter.
var ErrBusy = errors.New("lock: busy, enqueued")

// ErrNotOwner is returned by a release attempt from a node that is not
// currently among the lock's owners.
var ErrNotOwner = errors.New("lock: not an owner")

// ErrGrantPending is returned when grant-wait polling exhausts its
// budget without observing the requester in owners.
var ErrGrantPending = errors.New("lock: grant pending")
