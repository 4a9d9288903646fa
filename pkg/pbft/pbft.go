// Package pbft implements the three-phase Practical Byzantine Fault
// Tolerant agreement protocol: pre-prepare, prepare, commit, tolerating
// up to f = floor((n-1)/3) faulty nodes out of n with a 2f+1 quorum at
// each phase.
package pbft

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/syncd/pkg/transport"
)

// MsgType identifies a PBFT protocol message's phase.
type MsgType string

const (
	PrePrepare MsgType = "pre-prepare"
	Prepare    MsgType = "prepare"
	Commit     MsgType = "commit"
)

// Message is a single PBFT protocol message, exchanged over
// POST /pbft/message between nodes.
type Message struct {
	MsgType   MsgType         `json:"msg_type"`
	View      uint64          `json:"view"`
	Sequence  uint64          `json:"sequence"`
	Digest    string          `json:"digest"`
	NodeID    string          `json:"node_id"`
	Timestamp int64           `json:"timestamp"`
	Request   json.RawMessage `json:"request,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ExecuteFunc is invoked once a sequence number reaches commit quorum.
// Execution order across sequence numbers is not guaranteed.
type ExecuteFunc func(request json.RawMessage, sequence uint64)

// Config bundles the tunables Engine needs.
type Config struct {
	NodeID             string
	AllNodeIDs         []string // every node_id in the cluster, including this one
	Peers              []string // peer URLs to broadcast protocol messages to
	ByzantineThreshold int      // suspicious-behavior count before a node is marked Byzantine
}

// Status is a read-only snapshot for the /pbft/status introspection
// endpoint.
type Status struct {
	View            uint64         `json:"view"`
	Sequence        uint64         `json:"sequence"`
	Primary         string         `json:"primary"`
	IsPrimary       bool           `json:"is_primary"`
	F               int            `json:"f"`
	QuorumSize      int            `json:"quorum_size"`
	LastExecuted    uint64         `json:"last_executed"`
	ExecutedCount   int            `json:"executed_count"`
	ByzantineNodes  []string       `json:"byzantine_nodes"`
	SuspiciousNodes map[string]int `json:"suspicious_nodes"`
}

// ClientResult is the response handed back to a client request.
type ClientResult struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Primary  string `json:"primary,omitempty"`
}

// Engine runs the PBFT protocol for one node. Like raft.Engine it uses a
// single coarse mutex over its message logs and counters; network sends
// always happen with the lock released.
type Engine struct {
	cfg       Config
	transport transport.Transport

	mu        sync.Mutex
	view      uint64
	sequence  uint64
	primaryID string

	prePrepareLog map[uint64]Message
	prepareLog    map[uint64][]Message
	commitLog     map[uint64][]Message
	executed      map[uint64]struct{}
	lastExecuted  uint64

	suspicious map[string]int

	f      int
	quorum int

	executeFn ExecuteFunc
}

// NewEngine constructs an Engine and determines the initial primary by
// sorting node_ids lexically and indexing by view modulo cluster size.
func NewEngine(cfg Config, t transport.Transport) *Engine {
	n := len(cfg.AllNodeIDs)
	f := (n - 1) / 3
	threshold := cfg.ByzantineThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cfg.ByzantineThreshold = threshold

	e := &Engine{
		cfg:           cfg,
		transport:     t,
		prePrepareLog: make(map[uint64]Message),
		prepareLog:    make(map[uint64][]Message),
		commitLog:     make(map[uint64][]Message),
		executed:      make(map[uint64]struct{}),
		suspicious:    make(map[string]int),
		f:             f,
		quorum:        2*f + 1,
	}
	e.primaryID = e.primaryForView(0)

	log.Printf("[pbft %s] initialized: n=%d f=%d quorum=%d primary=%s", cfg.NodeID, n, f, e.quorum, e.primaryID)
	return e
}

func (e *Engine) primaryForView(view uint64) string {
	if len(e.cfg.AllNodeIDs) == 0 {
		return e.cfg.NodeID
	}
	sorted := append([]string(nil), e.cfg.AllNodeIDs...)
	sort.Strings(sorted)
	return sorted[view%uint64(len(sorted))]
}

// SetExecuteCallback registers the state-machine execution callback.
func (e *Engine) SetExecuteCallback(fn ExecuteFunc) {
	e.executeFn = fn
}

// IsPrimary reports whether this node is the current view's primary.
func (e *Engine) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.NodeID == e.primaryID
}

// Status returns a snapshot of current protocol state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	var byzantine []string
	suspiciousCopy := make(map[string]int, len(e.suspicious))
	for node, count := range e.suspicious {
		suspiciousCopy[node] = count
		if count >= e.cfg.ByzantineThreshold {
			byzantine = append(byzantine, node)
		}
	}
	sort.Strings(byzantine)

	return Status{
		View:            e.view,
		Sequence:        e.sequence,
		Primary:         e.primaryID,
		IsPrimary:       e.cfg.NodeID == e.primaryID,
		F:               e.f,
		QuorumSize:      e.quorum,
		LastExecuted:    e.lastExecuted,
		ExecutedCount:   len(e.executed),
		ByzantineNodes:  byzantine,
		SuspiciousNodes: suspiciousCopy,
	}
}

// canonicalJSON re-marshals raw through a generic interface{} so object
// keys come out sorted: encoding/json sorts map[string]interface{} keys
// on Marshal, which is the canonical form the digest depends on.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize request: %w", err)
	}
	return json.Marshal(v)
}

func computeDigest(raw json.RawMessage) (string, error) {
	canon, err := canonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// signMessage is a placeholder HMAC-like signature, deliberately not
// real cryptography: a hash of the message's consensus-relevant fields
// plus the sender's node_id.
func signMessage(m Message) string {
	s := fmt.Sprintf("%s:%d:%d:%s:%s", m.MsgType, m.View, m.Sequence, m.Digest, m.NodeID)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func verifySignature(m Message) bool {
	return m.Signature == signMessage(m)
}

// recordSuspicious increments the suspicion counter for nodeID and logs
// when the count reaches the Byzantine threshold. Caller must hold e.mu.
func (e *Engine) recordSuspicious(nodeID, reason string) {
	e.suspicious[nodeID]++
	count := e.suspicious[nodeID]
	log.Printf("[pbft %s] suspicious behavior from %s: %s (count %d)", e.cfg.NodeID, nodeID, reason, count)
	if count == e.cfg.ByzantineThreshold {
		log.Printf("[pbft %s] node %s marked Byzantine", e.cfg.NodeID, nodeID)
	}
}

// IsByzantine reports whether nodeID has crossed the suspicion threshold.
func (e *Engine) IsByzantine(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspicious[nodeID] >= e.cfg.ByzantineThreshold
}

// ClientRequest is the entry point for a client submission: the primary
// starts consensus, a replica reports where to forward it.
func (e *Engine) ClientRequest(ctx context.Context, request json.RawMessage) (ClientResult, error) {
	e.mu.Lock()
	isPrimary := e.cfg.NodeID == e.primaryID
	primary := e.primaryID
	e.mu.Unlock()

	if !isPrimary {
		return ClientResult{Status: "forwarded", Primary: primary}, nil
	}
	return e.startConsensus(ctx, request)
}

// startConsensus is the primary's broadcast of a new pre-prepare.
func (e *Engine) startConsensus(ctx context.Context, request json.RawMessage) (ClientResult, error) {
	digest, err := computeDigest(request)
	if err != nil {
		return ClientResult{}, err
	}

	e.mu.Lock()
	e.sequence++
	seq := e.sequence
	view := e.view
	pp := Message{
		MsgType:   PrePrepare,
		View:      view,
		Sequence:  seq,
		Digest:    digest,
		NodeID:    e.cfg.NodeID,
		Timestamp: time.Now().Unix(),
		Request:   request,
	}
	pp.Signature = signMessage(pp)
	e.prePrepareLog[seq] = pp
	e.mu.Unlock()

	log.Printf("[pbft %s] primary broadcasting pre-prepare seq=%d", e.cfg.NodeID, seq)
	e.broadcast(pp)

	// The primary also processes its own pre-prepare, exactly as the
	// original does.
	e.handlePrePrepare(pp)

	return ClientResult{Status: "consensus_started", Sequence: seq, Digest: digest}, nil
}

// OnMessage dispatches an inbound protocol message to the matching
// phase handler. It is the implementation behind POST /pbft/message.
func (e *Engine) OnMessage(msg Message) {
	switch msg.MsgType {
	case PrePrepare:
		e.handlePrePrepare(msg)
	case Prepare:
		e.handlePrepare(msg)
	case Commit:
		e.handleCommit(msg)
	}
}

func (e *Engine) handlePrePrepare(msg Message) {
	e.mu.Lock()
	if msg.NodeID != e.primaryID {
		e.recordSuspicious(msg.NodeID, "non-primary sent pre-prepare")
		e.mu.Unlock()
		return
	}
	if !verifySignature(msg) {
		e.recordSuspicious(msg.NodeID, "invalid pre-prepare signature")
		e.mu.Unlock()
		return
	}
	if existing, ok := e.prePrepareLog[msg.Sequence]; ok && existing.Digest != msg.Digest {
		e.recordSuspicious(msg.NodeID, "conflicting pre-prepare")
		e.mu.Unlock()
		return
	}
	e.prePrepareLog[msg.Sequence] = msg

	prepare := Message{
		MsgType:   Prepare,
		View:      e.view,
		Sequence:  msg.Sequence,
		Digest:    msg.Digest,
		NodeID:    e.cfg.NodeID,
		Timestamp: time.Now().Unix(),
	}
	prepare.Signature = signMessage(prepare)
	e.prepareLog[msg.Sequence] = append(e.prepareLog[msg.Sequence], prepare)
	e.mu.Unlock()

	log.Printf("[pbft %s] received pre-prepare seq=%d from %s", e.cfg.NodeID, msg.Sequence, msg.NodeID)
	e.broadcast(prepare)
	e.advanceFromPrepare(msg.Sequence)
}

func (e *Engine) handlePrepare(msg Message) {
	e.mu.Lock()
	if !verifySignature(msg) {
		e.recordSuspicious(msg.NodeID, "invalid prepare signature")
		e.mu.Unlock()
		return
	}
	if e.suspicious[msg.NodeID] >= e.cfg.ByzantineThreshold {
		e.mu.Unlock()
		return
	}
	pp, ok := e.prePrepareLog[msg.Sequence]
	if !ok {
		// Prepare arrived before pre-prepare (network reordering); drop it.
		// Nothing retransmits it, so it never counts toward quorum here.
		e.mu.Unlock()
		return
	}
	if msg.Digest != pp.Digest {
		e.recordSuspicious(msg.NodeID, "prepare digest mismatch")
		e.mu.Unlock()
		return
	}

	prepares := e.prepareLog[msg.Sequence]
	for _, p := range prepares {
		if p.NodeID == msg.NodeID {
			e.mu.Unlock()
			return
		}
	}
	e.prepareLog[msg.Sequence] = append(prepares, msg)
	n := len(e.prepareLog[msg.Sequence])
	e.mu.Unlock()

	log.Printf("[pbft %s] received prepare seq=%d from %s (%d/%d)", e.cfg.NodeID, msg.Sequence, msg.NodeID, n, e.quorum)
	e.advanceFromPrepare(msg.Sequence)
}

// advanceFromPrepare checks whether sequence has reached prepare quorum
// and, if so, moves this node into the commit phase exactly once.
func (e *Engine) advanceFromPrepare(sequence uint64) {
	e.mu.Lock()
	prepares := e.prepareLog[sequence]
	if len(prepares) < e.quorum {
		e.mu.Unlock()
		return
	}
	pp, ok := e.prePrepareLog[sequence]
	if !ok {
		e.mu.Unlock()
		return
	}
	for _, c := range e.commitLog[sequence] {
		if c.NodeID == e.cfg.NodeID {
			e.mu.Unlock()
			return // already sent our commit for this sequence
		}
	}

	log.Printf("[pbft %s] prepare quorum reached for seq=%d", e.cfg.NodeID, sequence)
	commit := Message{
		MsgType:   Commit,
		View:      e.view,
		Sequence:  sequence,
		Digest:    pp.Digest,
		NodeID:    e.cfg.NodeID,
		Timestamp: time.Now().Unix(),
	}
	commit.Signature = signMessage(commit)
	e.commitLog[sequence] = append(e.commitLog[sequence], commit)
	e.mu.Unlock()

	e.broadcast(commit)
	e.advanceFromCommit(sequence)
}

func (e *Engine) handleCommit(msg Message) {
	e.mu.Lock()
	if !verifySignature(msg) {
		e.recordSuspicious(msg.NodeID, "invalid commit signature")
		e.mu.Unlock()
		return
	}
	if e.suspicious[msg.NodeID] >= e.cfg.ByzantineThreshold {
		e.mu.Unlock()
		return
	}
	pp, ok := e.prePrepareLog[msg.Sequence]
	if !ok {
		// Commit arrived before pre-prepare (network reordering); drop it.
		e.mu.Unlock()
		return
	}
	if msg.Digest != pp.Digest {
		e.recordSuspicious(msg.NodeID, "commit digest mismatch")
		e.mu.Unlock()
		return
	}
	commits := e.commitLog[msg.Sequence]
	for _, c := range commits {
		if c.NodeID == msg.NodeID {
			e.mu.Unlock()
			return
		}
	}
	e.commitLog[msg.Sequence] = append(commits, msg)
	n := len(e.commitLog[msg.Sequence])
	e.mu.Unlock()

	log.Printf("[pbft %s] received commit seq=%d from %s (%d/%d)", e.cfg.NodeID, msg.Sequence, msg.NodeID, n, e.quorum)
	e.advanceFromCommit(msg.Sequence)
}

// advanceFromCommit executes the request at sequence once commit quorum
// is reached. Execution is idempotent and may happen out of order across
// distinct sequence numbers.
func (e *Engine) advanceFromCommit(sequence uint64) {
	e.mu.Lock()
	if _, done := e.executed[sequence]; done {
		e.mu.Unlock()
		return
	}
	commits := e.commitLog[sequence]
	if len(commits) < e.quorum {
		e.mu.Unlock()
		return
	}
	pp, ok := e.prePrepareLog[sequence]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.executed[sequence] = struct{}{}
	if sequence > e.lastExecuted {
		e.lastExecuted = sequence
	}
	fn := e.executeFn
	request := pp.Request
	e.mu.Unlock()

	log.Printf("[pbft %s] executing seq=%d", e.cfg.NodeID, sequence)
	if fn != nil {
		fn(request, sequence)
	}
}

// broadcast fans a protocol message out to every peer's /pbft/message.
func (e *Engine) broadcast(msg Message) {
	e.transport.Broadcast(e.cfg.Peers, "/pbft/message", msg)
}

// simulateConflictingPrepare builds a validly-signed prepare message
// whose digest deliberately disagrees with the already-logged
// pre-prepare for sequence, so tests can drive the Byzantine suspicion
// counter through OnMessage without reaching into Engine internals.
func (e *Engine) simulateConflictingPrepare(nodeID string, sequence uint64) Message {
	e.mu.Lock()
	view := e.view
	e.mu.Unlock()

	m := Message{MsgType: Prepare, View: view, Sequence: sequence, Digest: "deliberately-wrong-digest", NodeID: nodeID}
	m.Signature = signMessage(m)
	return m
}
