// Package raft implements a leader-election, log-replication Raft
// engine. It knows nothing about locks, queues, or caches: it
// replicates opaque JSON commands in log order and hands each one to a
// registered ApplyFunc exactly once, in order.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/orneryd/syncd/pkg/transport"
)

// Role is the tagged variant for a node's place in the Raft protocol.
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ErrNotLeader is the sentinel for a write attempted at a non-leader
// node. Submit reports that case by returning false, not this error.
var ErrNotLeader = fmt.Errorf("raft: not the leader")

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	Term    uint64          `json:"term"`
	Command json.RawMessage `json:"command"`
}

// ApplyFunc is invoked once per committed log index, strictly in index
// order, with no concurrent invocations. It must be deterministic; its
// return value is not consumed.
type ApplyFunc func(command json.RawMessage)

// Config bundles the tunables Engine needs. It deliberately mirrors only
// the fields raft cares about so the package does not import pkg/config
// and create an import cycle with callers that need both.
type Config struct {
	NodeID             string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	CommitPollInterval time.Duration
}

// VoteRequest is the RequestVote RPC payload.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse is the RequestVote RPC reply.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest is the AppendEntries RPC payload.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	Entries      []LogEntry `json:"entries"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	LeaderCommit uint64     `json:"leader_commit"`
}

// AppendEntriesResponse is the AppendEntries RPC reply.
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// Status is a read-only snapshot of engine state for introspection
// endpoints (GET /locks and similar). It is not part of consensus.
type Status struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LogLength   int    `json:"log_length"`
}

// Engine implements the Raft protocol over an injected transport.
//
// Three mutexes guard disjoint state: mu covers role/term/voting/leader
// identity, logMu covers the log and commit bookkeeping. peerMu covers
// the leader-only next/match index maps.
type Engine struct {
	cfg       Config
	transport transport.Transport

	mu       sync.RWMutex
	role     Role
	term     uint64
	votedFor string
	leaderID string

	logMu       sync.RWMutex
	log         []LogEntry // log[0] is the term-0 sentinel; real entries start at index 1
	commitIndex uint64
	lastApplied uint64

	peerMu     sync.Mutex
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	applyFn ApplyFunc

	resetTimerCh chan struct{}
	rng          *rand.Rand
	rngMu        sync.Mutex
}

// NewEngine constructs a Follower-state Engine. Call Activate once the
// caller's scheduler/process is ready to run background loops; activation
// is explicit, never constructor-driven.
func NewEngine(cfg Config, t transport.Transport) *Engine {
	return &Engine{
		cfg:          cfg,
		transport:    t,
		role:         Follower,
		log:          []LogEntry{{Term: 0, Command: nil}},
		nextIndex:    make(map[string]uint64),
		matchIndex:   make(map[string]uint64),
		resetTimerCh: make(chan struct{}, 1),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetApplyCallback registers the state-machine apply callback. Must be
// called before Activate.
func (e *Engine) SetApplyCallback(fn ApplyFunc) {
	e.applyFn = fn
}

// Activate arms the election timer and starts the commit monitor. It
// does not block.
func (e *Engine) Activate(ctx context.Context) {
	go e.runElectionTimer(ctx)
	go e.runCommitMonitor(ctx)
}

// Submit appends {currentTerm, command} to the log at the leader and
// returns true. At a non-leader it returns false; the caller is expected
// to forward the write to the current leader.
func (e *Engine) Submit(command json.RawMessage) bool {
	e.mu.RLock()
	isLeader := e.role == Leader
	term := e.term
	e.mu.RUnlock()

	if !isLeader {
		return false
	}

	e.logMu.Lock()
	e.log = append(e.log, LogEntry{Term: term, Command: command})
	e.logMu.Unlock()

	return true
}

// Status returns a snapshot of current engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	role, term, leaderID := e.role, e.term, e.leaderID
	e.mu.RUnlock()

	e.logMu.RLock()
	commitIndex, lastApplied, logLen := e.commitIndex, e.lastApplied, len(e.log)
	e.logMu.RUnlock()

	return Status{
		NodeID:      e.cfg.NodeID,
		Role:        role.String(),
		Term:        term,
		LeaderID:    leaderID,
		CommitIndex: commitIndex,
		LastApplied: lastApplied,
		LogLength:   logLen,
	}
}

// IsLeader reports whether this node currently believes it is leader.
func (e *Engine) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role == Leader
}

// LeaderID returns the node_id of the node this node believes is leader,
// or "" if unknown.
func (e *Engine) LeaderID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderID
}

// CurrentTerm returns the current term, for callers reporting it back to
// a client (e.g. a successful lock acquisition echoes the term).
func (e *Engine) CurrentTerm() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.term
}

func (e *Engine) resetElectionTimer() {
	select {
	case e.resetTimerCh <- struct{}{}:
	default:
	}
}

func (e *Engine) randomElectionTimeout() time.Duration {
	lo, hi := e.cfg.ElectionTimeoutMin, e.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	e.rngMu.Lock()
	d := lo + time.Duration(e.rng.Int63n(int64(hi-lo)))
	e.rngMu.Unlock()
	return d
}

// runElectionTimer is the cooperative task that triggers elections on
// timeout and is reset on valid leader contact, vote grants, and role
// transitions into Candidate/Leader.
func (e *Engine) runElectionTimer(ctx context.Context) {
	timer := time.NewTimer(e.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resetTimerCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.randomElectionTimeout())
		case <-timer.C:
			e.mu.RLock()
			role := e.role
			e.mu.RUnlock()
			if role != Leader {
				e.startElection(ctx)
			}
			timer.Reset(e.randomElectionTimeout())
		}
	}
}

// startElection transitions to Candidate, votes for self, and requests
// votes from every peer in parallel.
func (e *Engine) startElection(ctx context.Context) {
	e.mu.Lock()
	e.role = Candidate
	e.term++
	term := e.term
	e.votedFor = e.cfg.NodeID
	e.leaderID = ""
	e.mu.Unlock()

	e.resetElectionTimer()

	log.Printf("[raft %s] starting election for term %d", e.cfg.NodeID, term)

	e.logMu.RLock()
	lastIndex := uint64(len(e.log) - 1)
	lastTerm := e.log[len(e.log)-1].Term
	e.logMu.RUnlock()

	peers := e.cfg.Peers
	totalNodes := len(peers) + 1
	votesNeeded := totalNodes/2 + 1

	var mu sync.Mutex
	votes := 1 // self

	if len(peers) == 0 {
		e.becomeLeader(ctx, term)
		return
	}

	req := VoteRequest{Term: term, CandidateID: e.cfg.NodeID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()

			var resp VoteResponse
			resp.VoteGranted = false // default on RPC failure
			if err := e.transport.Call(ctx, peerURL, "/raft/request-vote", req, &resp); err != nil {
				log.Printf("[raft %s] request-vote to %s failed: %v", e.cfg.NodeID, peerURL, err)
				return
			}

			e.mu.Lock()
			defer e.mu.Unlock()

			if resp.Term > e.term {
				e.stepDown(resp.Term)
				return
			}
			if e.role != Candidate || e.term != term {
				return
			}
			if resp.VoteGranted {
				mu.Lock()
				votes++
				n := votes
				mu.Unlock()
				if n >= votesNeeded {
					e.mu.Unlock()
					e.becomeLeader(ctx, term)
					e.mu.Lock()
				}
			}
		}(peer)
	}
	wg.Wait()
}

// stepDown transitions to Follower on discovery of a higher term. Caller
// must hold e.mu.
func (e *Engine) stepDown(term uint64) {
	e.role = Follower
	e.term = term
	e.votedFor = ""
	e.leaderID = ""
}

// becomeLeader transitions to Leader for term and starts the heartbeat
// loop. Safe to call from multiple racing vote-reply goroutines; only
// the first to observe a matching term/role actually transitions.
func (e *Engine) becomeLeader(ctx context.Context, term uint64) {
	e.mu.Lock()
	if e.term != term || e.role == Leader {
		e.mu.Unlock()
		return
	}
	e.role = Leader
	e.leaderID = e.cfg.NodeID
	e.mu.Unlock()

	e.resetElectionTimer()

	e.logMu.RLock()
	lastIndex := uint64(len(e.log) - 1)
	e.logMu.RUnlock()

	e.peerMu.Lock()
	for _, peer := range e.cfg.Peers {
		e.nextIndex[peer] = lastIndex + 1
		e.matchIndex[peer] = 0
	}
	e.peerMu.Unlock()

	log.Printf("[raft %s] became leader for term %d", e.cfg.NodeID, term)

	go e.runHeartbeatLoop(ctx, term)
}

// runHeartbeatLoop sends AppendEntries to every peer on a fixed
// interval while this node remains leader of term.
func (e *Engine) runHeartbeatLoop(ctx context.Context, term uint64) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	e.sendAppendEntriesToAllPeers(ctx, term)
	e.advanceCommitIndex(term)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			stillLeader := e.role == Leader && e.term == term
			e.mu.RUnlock()
			if !stillLeader {
				return
			}
			e.sendAppendEntriesToAllPeers(ctx, term)
			// A cluster of one has no replies to drive the commit rule, so
			// re-evaluate it on every tick as well.
			e.advanceCommitIndex(term)
		}
	}
}

func (e *Engine) sendAppendEntriesToAllPeers(ctx context.Context, term uint64) {
	for _, peer := range e.cfg.Peers {
		go e.replicateToPeer(ctx, peer, term)
	}
}

func (e *Engine) replicateToPeer(ctx context.Context, peer string, term uint64) {
	e.peerMu.Lock()
	nextIdx := e.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = 1
	}
	e.peerMu.Unlock()

	e.logMu.RLock()
	prevIndex := nextIdx - 1
	prevTerm := uint64(0)
	if prevIndex > 0 && int(prevIndex) < len(e.log) {
		prevTerm = e.log[prevIndex].Term
	}
	var entries []LogEntry
	if int(nextIdx) < len(e.log) {
		entries = append(entries, e.log[nextIdx:]...)
	}
	leaderCommit := e.commitIndex
	e.logMu.RUnlock()

	req := AppendEntriesRequest{
		Term:         term,
		LeaderID:     e.cfg.NodeID,
		Entries:      entries,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: leaderCommit,
	}

	var resp AppendEntriesResponse
	if err := e.transport.Call(ctx, peer, "/raft/append-entries", req, &resp); err != nil {
		// Transport failure is ignored per peer; the next heartbeat retries.
		return
	}

	e.mu.Lock()
	if resp.Term > e.term {
		e.stepDown(resp.Term)
		e.mu.Unlock()
		return
	}
	isLeader := e.role == Leader && e.term == term
	e.mu.Unlock()

	if !isLeader {
		return
	}

	e.peerMu.Lock()
	if resp.Success {
		e.nextIndex[peer] = prevIndex + uint64(len(entries)) + 1
		e.matchIndex[peer] = prevIndex + uint64(len(entries))
	} else if e.nextIndex[peer] > 1 {
		e.nextIndex[peer]--
	}
	e.peerMu.Unlock()

	if resp.Success {
		e.advanceCommitIndex(term)
	}
}

// advanceCommitIndex implements the leader's commit rule: the highest
// N > commitIndex such that log[N].term == currentTerm and a majority
// of {match_index[*], self} are >= N. Entries from prior terms are
// never committed by majority alone.
func (e *Engine) advanceCommitIndex(term uint64) {
	e.mu.RLock()
	isLeader := e.role == Leader && e.term == term
	e.mu.RUnlock()
	if !isLeader {
		return
	}

	e.logMu.Lock()
	defer e.logMu.Unlock()

	total := len(e.cfg.Peers) + 1
	for n := uint64(len(e.log) - 1); n > e.commitIndex; n-- {
		if e.log[n].Term != term {
			continue
		}

		count := 1 // self
		e.peerMu.Lock()
		for _, peer := range e.cfg.Peers {
			if e.matchIndex[peer] >= n {
				count++
			}
		}
		e.peerMu.Unlock()

		if count > total/2 {
			e.commitIndex = n
			break
		}
	}
}

// OnRequestVote handles an incoming RequestVote RPC.
func (e *Engine) OnRequestVote(term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if term > e.term {
		e.stepDown(term)
	}

	if term < e.term {
		return e.term, false
	}

	canVote := e.votedFor == "" || e.votedFor == candidateID

	e.logMu.RLock()
	localLastIndex := uint64(len(e.log) - 1)
	localLastTerm := e.log[len(e.log)-1].Term
	e.logMu.RUnlock()

	logUpToDate := lastLogTerm > localLastTerm ||
		(lastLogTerm == localLastTerm && lastLogIndex >= localLastIndex)

	if canVote && logUpToDate {
		e.votedFor = candidateID
		e.resetElectionTimer()
		log.Printf("[raft %s] granted vote to %s for term %d", e.cfg.NodeID, candidateID, term)
		return e.term, true
	}

	return e.term, false
}

// OnAppendEntries handles an incoming AppendEntries RPC (heartbeat or
// log replication) from the leader.
func (e *Engine) OnAppendEntries(term uint64, leaderID string, entries []LogEntry, prevLogIndex, prevLogTerm, leaderCommit uint64) (uint64, bool) {
	e.mu.Lock()
	if term < e.term {
		currentTerm := e.term
		e.mu.Unlock()
		return currentTerm, false
	}
	if term > e.term {
		e.term = term
		e.votedFor = ""
	}
	e.role = Follower
	e.leaderID = leaderID
	currentTerm := e.term
	e.mu.Unlock()

	e.resetElectionTimer()

	e.logMu.Lock()
	defer e.logMu.Unlock()

	if prevLogIndex > 0 {
		if uint64(len(e.log)) <= prevLogIndex || e.log[prevLogIndex].Term != prevLogTerm {
			return currentTerm, false
		}
	}

	if len(entries) > 0 {
		e.log = append(append([]LogEntry{}, e.log[:prevLogIndex+1]...), entries...)
	}

	if leaderCommit > e.commitIndex {
		lastIndex := uint64(len(e.log) - 1)
		if leaderCommit < lastIndex {
			e.commitIndex = leaderCommit
		} else {
			e.commitIndex = lastIndex
		}
	}

	return currentTerm, true
}

// runCommitMonitor advances lastApplied one step at a time while
// commitIndex > lastApplied, invoking the apply callback synchronously
// in log order.
func (e *Engine) runCommitMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CommitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.applyCommitted()
		}
	}
}

func (e *Engine) applyCommitted() {
	for {
		e.logMu.Lock()
		if e.commitIndex <= e.lastApplied {
			e.logMu.Unlock()
			return
		}
		e.lastApplied++
		idx := e.lastApplied
		var cmd json.RawMessage
		if int(idx) < len(e.log) {
			cmd = e.log[idx].Command
		}
		e.logMu.Unlock()

		if cmd != nil && e.applyFn != nil {
			e.applyFn(cmd)
		}
	}
}
