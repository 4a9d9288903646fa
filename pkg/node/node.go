// Package node wires the Raft and PBFT engines and the lock state
// machine together into one running cluster member, and forwards
// non-leader lock writes to whichever peer is currently leader.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/syncd/pkg/config"
	"github.com/orneryd/syncd/pkg/lock"
	"github.com/orneryd/syncd/pkg/pbft"
	"github.com/orneryd/syncd/pkg/raft"
	"github.com/orneryd/syncd/pkg/transport"
)

// ErrNoLeader is returned when a write is attempted but no leader is
// currently known anywhere in the cluster's view from this node.
var ErrNoLeader = errors.New("node: no known leader")

// Node owns every collaborator for one cluster member: the Raft engine,
// the PBFT engine, the replicated lock table, and the transport they
// share. Every engine is an explicit field on Node, passed around rather
// than reached for through an ambient global.
type Node struct {
	cfg       *config.Config
	Raft      *raft.Engine
	PBFT      *pbft.Engine
	Locks     *lock.Machine
	Transport transport.Transport

	forwardClient *http.Client
}

// New constructs a Node from cfg. It wires the lock state machine as
// Raft's apply callback but does not start any background loop; call
// Start for that.
func New(cfg *config.Config) (*Node, error) {
	tr := transport.New(cfg.RPCTimeout, cfg.BroadcastTimeout)

	raftCfg := raft.Config{
		NodeID:             cfg.NodeID,
		Peers:              cfg.Peers,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		CommitPollInterval: cfg.CommitPollInterval,
	}
	re := raft.NewEngine(raftCfg, tr)

	locks := lock.NewMachine()
	re.SetApplyCallback(locks.Apply)

	selfURL, err := cfg.SelfURL()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	selfHost, err := config.HostOf(selfURL)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	allHosts := make([]string, 0, len(cfg.AllNodes))
	for _, url := range cfg.AllNodes {
		host, err := config.HostOf(url)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		allHosts = append(allHosts, host)
	}

	pe := pbft.NewEngine(pbft.Config{
		NodeID:             selfHost,
		AllNodeIDs:         allHosts,
		Peers:              cfg.Peers,
		ByzantineThreshold: cfg.PBFTByzantineThreshold,
	}, tr)

	return &Node{
		cfg:           cfg,
		Raft:          re,
		PBFT:          pe,
		Locks:         locks,
		Transport:     tr,
		forwardClient: &http.Client{Timeout: cfg.RPCTimeout},
	}, nil
}

// Start arms the election timer after the configured settling delay,
// giving peers time to come up before anyone starts an election. It
// spawns its goroutine and returns immediately rather than blocking the
// caller.
func (n *Node) Start(ctx context.Context) {
	go func() {
		select {
		case <-time.After(n.cfg.SettlingDelay):
		case <-ctx.Done():
			return
		}
		log.Printf("[node %s] settling delay elapsed, arming election timer", n.cfg.NodeID)
		n.Raft.Activate(ctx)
	}()
}

// IsLeader reports whether this node currently believes it is Raft
// leader.
func (n *Node) IsLeader() bool {
	return n.Raft.IsLeader()
}

// ID returns this node's own node_id, used as the requester identity
// for lock operations it originates. A lock request is always
// associated with the receiving node's own identity, never a
// caller-supplied one; every cluster member acts as its own lock
// client.
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// AcquireLock runs leader-side admission, proposes the command on
// success, and polls for the grant. Callers must check IsLeader first
// and forward elsewhere if this node is not leader.
func (n *Node) AcquireLock(ctx context.Context, lockName string, lockType lock.Type, requester string) ([]string, error) {
	outcome, owners := n.Locks.Admit(lockName, lockType, requester)
	switch outcome {
	case lock.Deadlock:
		return owners, lock.ErrDeadlock
	case lock.Busy:
		return owners, lock.ErrBusy
	}

	cmd, err := json.Marshal(lock.Command{
		Type:      lock.CmdAcquire,
		LockName:  lockName,
		LockType:  lockType,
		Requester: requester,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("node: encode acquire_lock command: %w", err)
	}
	if !n.Raft.Submit(cmd) {
		return nil, fmt.Errorf("node: leader failed to append to its own log")
	}

	interval := n.cfg.GrantWaitPollInterval
	for i := 0; i < n.cfg.GrantWaitMaxPolls; i++ {
		if n.Locks.IsOwner(lockName, requester) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, lock.ErrGrantPending
}

// ReleaseLock proposes a release_lock command for requester, after
// confirming requester currently owns the lock.
func (n *Node) ReleaseLock(lockName, requester string) error {
	if !n.Locks.IsOwner(lockName, requester) {
		return lock.ErrNotOwner
	}

	cmd, err := json.Marshal(lock.Command{
		Type:      lock.CmdRelease,
		LockName:  lockName,
		Requester: requester,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("node: encode release_lock command: %w", err)
	}
	if !n.Raft.Submit(cmd) {
		return fmt.Errorf("node: leader failed to append to its own log")
	}
	return nil
}

// ForwardToLeader proxies r verbatim (method, path, query, headers,
// body) to the current leader's base URL and copies the leader's
// response back onto w. It returns ErrNoLeader if no leader is known.
func (n *Node) ForwardToLeader(w http.ResponseWriter, r *http.Request) error {
	leaderID := n.Raft.LeaderID()
	if leaderID == "" {
		return ErrNoLeader
	}
	leaderURL, ok := n.cfg.URLForNodeID(leaderID)
	if !ok {
		return ErrNoLeader
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("node: read request body for forwarding: %w", err)
	}

	fwdURL := leaderURL + r.URL.Path
	if r.URL.RawQuery != "" {
		fwdURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, fwdURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("node: build forwarded request: %w", err)
	}
	req.Header = r.Header.Clone()

	resp, err := n.forwardClient.Do(req)
	if err != nil {
		return fmt.Errorf("node: forward to leader %s: %w", leaderURL, err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return nil
}
