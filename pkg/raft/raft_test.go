package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/syncd/pkg/transport"
)

// cluster wires N in-process Engines together over real HTTP servers so
// election and replication exercise the actual transport path.
type cluster struct {
	engines []*Engine
	servers []*httptest.Server
	applied []*[]json.RawMessage
	mus     []*sync.Mutex
}

func newCluster(t *testing.T, n int, electionMin, electionMax time.Duration) *cluster {
	t.Helper()

	c := &cluster{}
	urls := make([]string, n)

	mux := make([]*http.ServeMux, n)
	for i := 0; i < n; i++ {
		mux[i] = http.NewServeMux()
		srv := httptest.NewServer(mux[i])
		c.servers = append(c.servers, srv)
		urls[i] = srv.URL
	}

	tr := transport.New(3*time.Second, 500*time.Millisecond)

	for i := 0; i < n; i++ {
		peers := make([]string, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				peers = append(peers, urls[j])
			}
		}

		cfg := Config{
			NodeID:             fmt.Sprintf("n%d", i),
			Peers:              peers,
			ElectionTimeoutMin: electionMin,
			ElectionTimeoutMax: electionMax,
			HeartbeatInterval:  20 * time.Millisecond,
			CommitPollInterval: 10 * time.Millisecond,
		}
		e := NewEngine(cfg, tr)

		applied := &[]json.RawMessage{}
		amu := &sync.Mutex{}
		e.SetApplyCallback(func(cmd json.RawMessage) {
			amu.Lock()
			*applied = append(*applied, cmd)
			amu.Unlock()
		})

		engineIdx := i
		mux[i].HandleFunc("/raft/request-vote", func(w http.ResponseWriter, r *http.Request) {
			var req VoteRequest
			json.NewDecoder(r.Body).Decode(&req)
			term, granted := c.engines[engineIdx].OnRequestVote(req.Term, req.CandidateID, req.LastLogIndex, req.LastLogTerm)
			json.NewEncoder(w).Encode(VoteResponse{Term: term, VoteGranted: granted})
		})
		mux[i].HandleFunc("/raft/append-entries", func(w http.ResponseWriter, r *http.Request) {
			var req AppendEntriesRequest
			json.NewDecoder(r.Body).Decode(&req)
			term, success := c.engines[engineIdx].OnAppendEntries(req.Term, req.LeaderID, req.Entries, req.PrevLogIndex, req.PrevLogTerm, req.LeaderCommit)
			json.NewEncoder(w).Encode(AppendEntriesResponse{Term: term, Success: success})
		})

		c.engines = append(c.engines, e)
		c.applied = append(c.applied, applied)
		c.mus = append(c.mus, amu)
	}

	return c
}

func (c *cluster) activate(ctx context.Context) {
	for _, e := range c.engines {
		e.Activate(ctx)
	}
}

func (c *cluster) close() {
	for _, s := range c.servers {
		s.Close()
	}
}

func (c *cluster) leaders() []*Engine {
	var out []*Engine
	for _, e := range c.engines {
		if e.IsLeader() {
			out = append(out, e)
		}
	}
	return out
}

func TestSingleLeaderElection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCluster(t, 3, 60*time.Millisecond, 120*time.Millisecond)
	defer c.close()
	c.activate(ctx)

	require.Eventually(t, func() bool {
		return len(c.leaders()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	leaders := c.leaders()
	require.Len(t, leaders, 1)
	assert.Equal(t, uint64(1), leaders[0].CurrentTerm())
}

func TestVoteDenialOnSameTerm(t *testing.T) {
	e := NewEngine(Config{NodeID: "n1", ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 2 * time.Second}, transport.New(time.Second, time.Second))

	term, granted := e.OnRequestVote(1, "n2", 0, 0)
	assert.Equal(t, uint64(1), term)
	assert.True(t, granted)

	term, granted = e.OnRequestVote(1, "n3", 0, 0)
	assert.Equal(t, uint64(1), term)
	assert.False(t, granted)
}

func TestCandidateStepsDownOnHigherTerm(t *testing.T) {
	e := NewEngine(Config{NodeID: "n1", ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 2 * time.Second}, transport.New(time.Second, time.Second))
	e.mu.Lock()
	e.role = Candidate
	e.term = 1
	e.mu.Unlock()

	term, granted := e.OnRequestVote(5, "n2", 0, 0)
	assert.Equal(t, uint64(5), term)
	assert.True(t, granted)
	assert.False(t, e.IsLeader())
}

func TestFollowerAcceptsAppendEntriesWithEmptyLog(t *testing.T) {
	e := NewEngine(Config{NodeID: "n1", ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 2 * time.Second}, transport.New(time.Second, time.Second))

	term, success := e.OnAppendEntries(1, "leader", nil, 0, 0, 0)
	assert.Equal(t, uint64(1), term)
	assert.True(t, success)
}

func TestLogReplicationAndApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCluster(t, 3, 60*time.Millisecond, 120*time.Millisecond)
	defer c.close()
	c.activate(ctx)

	require.Eventually(t, func() bool {
		return len(c.leaders()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	leader := c.leaders()[0]
	cmd, _ := json.Marshal(map[string]string{"type": "acquire_lock", "lock_name": "L", "lock_type": "exclusive", "requester": "n1"})
	ok := leader.Submit(cmd)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		for i := range c.engines {
			c.mus[i].Lock()
			n := len(*c.applied[i])
			c.mus[i].Unlock()
			if n == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitFailsAtNonLeader(t *testing.T) {
	e := NewEngine(Config{NodeID: "n1", ElectionTimeoutMin: time.Second, ElectionTimeoutMax: 2 * time.Second}, transport.New(time.Second, time.Second))
	ok := e.Submit(json.RawMessage(`{}`))
	assert.False(t, ok)
}

func TestSingleNodeTriviallyCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var applied []json.RawMessage
	var mu sync.Mutex

	e := NewEngine(Config{
		NodeID:             "solo",
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		CommitPollInterval: 10 * time.Millisecond,
	}, transport.New(time.Second, time.Second))
	e.SetApplyCallback(func(cmd json.RawMessage) {
		mu.Lock()
		applied = append(applied, cmd)
		mu.Unlock()
	})
	e.Activate(ctx)

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, 5*time.Millisecond)

	ok := e.Submit(json.RawMessage(`{"type":"noop"}`))
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	}, time.Second, 10*time.Millisecond)
}
