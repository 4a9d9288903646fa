package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/syncd/pkg/config"
	"github.com/orneryd/syncd/pkg/lock"
	"github.com/orneryd/syncd/pkg/raft"
)

// testCluster wires N Nodes over real HTTP servers for Raft RPCs, plus a
// shared /echo handler so forwarding tests can observe which node
// actually served a request.
type testCluster struct {
	nodes   []*Node
	servers []*httptest.Server
}

func portSuffix(url string) string {
	idx := strings.LastIndex(url, ":")
	return url[idx+1:]
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	mux := make([]*http.ServeMux, n)
	servers := make([]*httptest.Server, n)
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		mux[i] = http.NewServeMux()
		servers[i] = httptest.NewServer(mux[i])
		urls[i] = servers[i].URL
	}

	c := &testCluster{servers: servers}

	for i := 0; i < n; i++ {
		port := portSuffix(urls[i])
		cfg := config.Default()
		cfg.NodeID = port // unique substring of this node's own URL
		cfg.AllNodes = urls
		cfg.Port = mustAtoi(t, port)
		cfg.ElectionTimeoutMin = 60 * time.Millisecond
		cfg.ElectionTimeoutMax = 120 * time.Millisecond
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.CommitPollInterval = 10 * time.Millisecond
		cfg.GrantWaitPollInterval = 10 * time.Millisecond
		cfg.GrantWaitMaxPolls = 50
		cfg.SettlingDelay = 0
		require.NoError(t, cfg.Validate())

		nd, err := New(cfg)
		require.NoError(t, err)

		idx := i
		mux[i].HandleFunc("/raft/request-vote", func(w http.ResponseWriter, r *http.Request) {
			var req raft.VoteRequest
			json.NewDecoder(r.Body).Decode(&req)
			term, granted := c.nodes[idx].Raft.OnRequestVote(req.Term, req.CandidateID, req.LastLogIndex, req.LastLogTerm)
			json.NewEncoder(w).Encode(raft.VoteResponse{Term: term, VoteGranted: granted})
		})
		mux[i].HandleFunc("/raft/append-entries", func(w http.ResponseWriter, r *http.Request) {
			var req raft.AppendEntriesRequest
			json.NewDecoder(r.Body).Decode(&req)
			term, success := c.nodes[idx].Raft.OnAppendEntries(req.Term, req.LeaderID, req.Entries, req.PrevLogIndex, req.PrevLogTerm, req.LeaderCommit)
			json.NewEncoder(w).Encode(raft.AppendEntriesResponse{Term: term, Success: success})
		})
		mux[i].HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Served-By", portSuffix(servers[idx].URL))
			w.Write(body)
		})

		c.nodes = append(c.nodes, nd)
	}

	return c
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	require.NoError(t, err)
	return n
}

func (c *testCluster) start(ctx context.Context) {
	for _, nd := range c.nodes {
		nd.Start(ctx)
	}
}

func (c *testCluster) close() {
	for _, s := range c.servers {
		s.Close()
	}
}

func (c *testCluster) leader() *Node {
	for _, nd := range c.nodes {
		if nd.IsLeader() {
			return nd
		}
	}
	return nil
}

func (c *testCluster) follower() *Node {
	for _, nd := range c.nodes {
		if !nd.IsLeader() {
			return nd
		}
	}
	return nil
}

func TestAcquireAndReleaseLockAtLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, 3)
	defer c.close()
	c.start(ctx)

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 10*time.Millisecond)
	leader := c.leader()

	owners, err := leader.AcquireLock(ctx, "L", lock.Exclusive, "client-a")
	require.NoError(t, err)
	assert.Nil(t, owners)
	assert.True(t, leader.Locks.IsOwner("L", "client-a"))

	// Replication carries the grant to every follower's table too.
	require.Eventually(t, func() bool {
		for _, nd := range c.nodes {
			if !nd.Locks.IsOwner("L", "client-a") {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	err = leader.ReleaseLock("L", "client-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !leader.Locks.IsOwner("L", "client-a")
	}, time.Second, 10*time.Millisecond)
}

func TestAcquireLockBusyReturnsCurrentOwners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, 1)
	defer c.close()
	c.start(ctx)

	require.Eventually(t, func() bool { return c.leader() != nil }, time.Second, 10*time.Millisecond)
	leader := c.leader()

	_, err := leader.AcquireLock(ctx, "L", lock.Exclusive, "client-a")
	require.NoError(t, err)

	owners, err := leader.AcquireLock(ctx, "L", lock.Exclusive, "client-b")
	require.ErrorIs(t, err, lock.ErrBusy)
	assert.Equal(t, []string{"client-a"}, owners)
}

func TestAcquireLockDeadlockRejectedWithoutProposing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, 1)
	defer c.close()
	c.start(ctx)

	require.Eventually(t, func() bool { return c.leader() != nil }, time.Second, 10*time.Millisecond)
	leader := c.leader()

	_, err := leader.AcquireLock(ctx, "A", lock.Exclusive, "n1")
	require.NoError(t, err)
	_, err = leader.AcquireLock(ctx, "B", lock.Exclusive, "n2")
	require.NoError(t, err)

	_, err = leader.AcquireLock(ctx, "B", lock.Exclusive, "n1")
	require.ErrorIs(t, err, lock.ErrBusy)

	statusBefore := leader.Raft.Status()

	_, err = leader.AcquireLock(ctx, "A", lock.Exclusive, "n2")
	require.ErrorIs(t, err, lock.ErrDeadlock)

	statusAfter := leader.Raft.Status()
	assert.Equal(t, statusBefore.LogLength, statusAfter.LogLength, "a deadlocked request must not append to the log")
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, 1)
	defer c.close()
	c.start(ctx)

	require.Eventually(t, func() bool { return c.leader() != nil }, time.Second, 10*time.Millisecond)
	leader := c.leader()

	err := leader.ReleaseLock("L", "nobody")
	assert.ErrorIs(t, err, lock.ErrNotOwner)
}

func TestForwardToLeaderProxiesVerbatim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, 3)
	defer c.close()
	c.start(ctx)

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 10*time.Millisecond)
	follower := c.follower()
	require.NotNil(t, follower)

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("hello"))
	rec := httptest.NewRecorder()

	err := follower.ForwardToLeader(rec, req)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Served-By"))
}

func TestForwardToLeaderNoLeaderKnown(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "solo"
	cfg.AllNodes = []string{"http://localhost:9999"}
	cfg.Port = 9999
	require.NoError(t, cfg.Validate())

	nd, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/echo", nil)
	rec := httptest.NewRecorder()

	err = nd.ForwardToLeader(rec, req)
	assert.ErrorIs(t, err, ErrNoLeader)
}
