// Package lock implements the replicated lock-table state machine:
// deterministic application of committed Raft log entries, plus the
// leader-only admission checks (type compatibility and deadlock
// detection over a wait-for graph) that run before a command is ever
// proposed.
package lock

import (
	"encoding/json"
	"sort"
	"sync"
)

// Type is a lock's mode.
type Type string

const (
	Shared    Type = "shared"
	Exclusive Type = "exclusive"
)

// CommandType identifies a lock state-machine command.
type CommandType string

const (
	CmdAcquire CommandType = "acquire_lock"
	CmdRelease CommandType = "release_lock"
)

// Command is the Raft log payload the lock state machine understands.
// Machine.Apply accepts it as a json.RawMessage so the Raft engine never
// has to import this package.
type Command struct {
	Type      CommandType `json:"type"`
	LockName  string      `json:"lock_name"`
	LockType  Type        `json:"lock_type,omitempty"`
	Requester string      `json:"requester"`
	RequestID string      `json:"request_id,omitempty"`
}

// Waiter is a queued (requester, type) pair, FIFO per lock.
type Waiter struct {
	NodeID string `json:"node_id"`
	Type   Type   `json:"type"`
}

// Entry is one lock's replicated state.
type Entry struct {
	Type    Type     `json:"type"`
	Owners  []string `json:"owners"`
	Waiters []Waiter `json:"waiters"`
}

// Outcome is the result of leader-side admission for an acquire request.
type Outcome int

const (
	// Granted means the caller should propose the acquire_lock command.
	Granted Outcome = iota
	// Deadlock means a cycle was found in the wait-for graph; the
	// command must not be proposed.
	Deadlock
	// Busy means the lock is incompatible right now; the requester has
	// been enqueued as a waiter (leader-local, lost on failover).
	Busy
)

// Machine is the replicated lock table plus the leader-local wait-for
// graph. A single mutex guards both: the table is mutated by Apply
// (replicated) and by admission's waiter-enqueue path (leader-local,
// unreplicated), and both paths reason about the same structure, so one
// coarse lock is the right granularity here.
type Machine struct {
	mu      sync.Mutex
	table   map[string]*Entry
	waitFor map[string]map[string]struct{} // requester -> set of node_ids blocking it
}

// NewMachine returns an empty lock table.
func NewMachine() *Machine {
	return &Machine{
		table:   make(map[string]*Entry),
		waitFor: make(map[string]map[string]struct{}),
	}
}

// Apply is the Raft ApplyFunc-compatible state-machine callback. It must
// be deterministic and is invoked exactly once per committed index, in
// order, with no concurrent invocations. Machine relies on that
// guarantee and does not itself serialize calls to Apply beyond its own
// mutex.
func (m *Machine) Apply(raw json.RawMessage) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(cmd)
}

// apply performs the actual state transition. Caller must hold m.mu.
func (m *Machine) apply(cmd Command) {
	switch cmd.Type {
	case CmdAcquire:
		m.acquireLocked(cmd.LockName, cmd.LockType, cmd.Requester)
	case CmdRelease:
		m.releaseLocked(cmd.LockName, cmd.Requester)
	}
}

func (m *Machine) acquireLocked(lockName string, lockType Type, requester string) {
	entry, ok := m.table[lockName]
	if !ok {
		entry = &Entry{Type: lockType, Owners: nil, Waiters: nil}
		m.table[lockName] = entry
	}

	alreadyOwner := false
	for _, o := range entry.Owners {
		if o == requester {
			alreadyOwner = true
			break
		}
	}
	if !alreadyOwner {
		entry.Owners = append(entry.Owners, requester)
		entry.Type = lockType
	}

	// Purge the requester's outgoing wait-for edges that now point at a
	// current owner of this lock.
	if edges, ok := m.waitFor[requester]; ok {
		for _, owner := range entry.Owners {
			delete(edges, owner)
		}
		if len(edges) == 0 {
			delete(m.waitFor, requester)
		}
	}
}

func (m *Machine) releaseLocked(lockName, requester string) {
	entry, ok := m.table[lockName]
	if !ok {
		return
	}

	idx := -1
	for i, o := range entry.Owners {
		if o == requester {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	entry.Owners = append(entry.Owners[:idx], entry.Owners[idx+1:]...)

	if len(entry.Owners) == 0 && len(entry.Waiters) > 0 {
		next := entry.Waiters[0]
		entry.Waiters = entry.Waiters[1:]
		// Recursively apply the acquire for the woken waiter, bounded by
		// the queue length for this one lock.
		m.acquireLocked(lockName, next.Type, next.NodeID)
	}
}

// IsOwner reports whether nodeID currently owns lockName.
func (m *Machine) IsOwner(lockName, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.table[lockName]
	if !ok {
		return false
	}
	for _, o := range entry.Owners {
		if o == nodeID {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the lock table, safe for a caller to
// serialize for introspection endpoints.
func (m *Machine) Snapshot() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Entry, len(m.table))
	for name, e := range m.table {
		owners := append([]string(nil), e.Owners...)
		waiters := append([]Waiter(nil), e.Waiters...)
		out[name] = Entry{Type: e.Type, Owners: owners, Waiters: waiters}
	}
	return out
}

// WaitForGraph returns a deep copy of the leader-local wait-for graph,
// with neighbor sets flattened to sorted slices for stable JSON output.
func (m *Machine) WaitForGraph() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.waitFor))
	for node, edges := range m.waitFor {
		neighbors := make([]string, 0, len(edges))
		for n := range edges {
			neighbors = append(neighbors, n)
		}
		sort.Strings(neighbors)
		out[node] = neighbors
	}
	return out
}

// canGrantLocked reports whether requester can be granted lockType on
// lockName right now, given the current (real) table. Caller must hold
// m.mu.
func (m *Machine) canGrantLocked(lockName string, lockType Type, requester string) bool {
	entry, ok := m.table[lockName]
	if !ok || len(entry.Owners) == 0 {
		return true
	}
	for _, o := range entry.Owners {
		if o == requester {
			return true // re-entrant same-owner is always permitted
		}
	}
	return lockType == Shared && entry.Type == Shared
}

// detectDeadlockLocked simulates adding edges requester -> owner for
// each current owner of the requested lock, then runs DFS cycle
// detection with a recursion stack over the augmented graph. The real
// graph is never mutated (copy-on-simulate). Caller must hold m.mu.
func (m *Machine) detectDeadlockLocked(requester string, owners []string) bool {
	sim := make(map[string]map[string]struct{}, len(m.waitFor)+1)
	for node, edges := range m.waitFor {
		cp := make(map[string]struct{}, len(edges))
		for n := range edges {
			cp[n] = struct{}{}
		}
		sim[node] = cp
	}

	if sim[requester] == nil {
		sim[requester] = make(map[string]struct{})
	}
	for _, owner := range owners {
		if owner != requester {
			sim[requester][owner] = struct{}{}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true
		for neighbor := range sim[node] {
			if !visited[neighbor] {
				if hasCycle(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				return true
			}
		}
		recStack[node] = false
		return false
	}

	for node := range sim {
		if !visited[node] {
			if hasCycle(node) {
				return true
			}
		}
	}
	return false
}

// Admit runs the leader-side admission check for an acquire request,
// before any command is proposed to Raft:
//
//   - Granted: the caller should Submit an acquire_lock command.
//   - Deadlock: a cycle was found; do not propose anything.
//   - Busy: the requester has been enqueued as a waiter (mutating the
//     leader-local waiters list and wait-for graph directly, outside
//     Apply; this state is leader-local and lost on failover).
//
// The returned owners slice is the lock's current owners at the moment
// of the decision. On Busy, the HTTP façade's "busy, enqueued" error
// carries it so the client knows who it is waiting behind.
func (m *Machine) Admit(lockName string, lockType Type, requester string) (Outcome, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.table[lockName]
	var owners []string
	if ok {
		owners = append([]string(nil), entry.Owners...)
	}

	// An immediately-grantable request never creates a wait-for edge, so
	// it cannot complete a cycle; only a blocked request needs the
	// deadlock check before it is enqueued.
	if m.canGrantLocked(lockName, lockType, requester) {
		return Granted, owners
	}

	if m.detectDeadlockLocked(requester, owners) {
		return Deadlock, owners
	}

	if !ok {
		entry = &Entry{Type: lockType, Owners: nil, Waiters: nil}
		m.table[lockName] = entry
	}
	entry.Waiters = append(entry.Waiters, Waiter{NodeID: requester, Type: lockType})

	if m.waitFor[requester] == nil {
		m.waitFor[requester] = make(map[string]struct{})
	}
	for _, owner := range entry.Owners {
		m.waitFor[requester][owner] = struct{}{}
	}

	return Busy, owners
}
