// Package api is the HTTP façade over a node.Node: the peer RPC
// surface for Raft and PBFT, plus the client-facing lock and
// introspection endpoints. It is a single http.Handler built on the
// standard library's method-aware http.ServeMux rather than a
// third-party router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orneryd/syncd/pkg/lock"
	"github.com/orneryd/syncd/pkg/node"
	"github.com/orneryd/syncd/pkg/pbft"
	"github.com/orneryd/syncd/pkg/raft"
)

// Server is the full HTTP surface for one cluster node.
type Server struct {
	node *node.Node
	mux  *http.ServeMux
}

// NewServer builds a Server wired to n and registers every route.
func NewServer(n *node.Node) *Server {
	s := &Server{node: n, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /raft/request-vote", s.handleRequestVote)
	s.mux.HandleFunc("POST /raft/append-entries", s.handleAppendEntries)
	s.mux.HandleFunc("POST /pbft/message", s.handlePBFTMessage)
	s.mux.HandleFunc("POST /pbft/request", s.handlePBFTRequest)
	s.mux.HandleFunc("GET /pbft/status", s.handlePBFTStatus)
	s.mux.HandleFunc("POST /lock/{name}", s.handleAcquireLock)
	s.mux.HandleFunc("DELETE /lock/{name}", s.handleReleaseLock)
	s.mux.HandleFunc("GET /locks", s.handleListLocks)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request-vote body")
		return
	}
	term, granted := s.node.Raft.OnRequestVote(req.Term, req.CandidateID, req.LastLogIndex, req.LastLogTerm)
	writeJSON(w, http.StatusOK, raft.VoteResponse{Term: term, VoteGranted: granted})
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed append-entries body")
		return
	}
	term, success := s.node.Raft.OnAppendEntries(req.Term, req.LeaderID, req.Entries, req.PrevLogIndex, req.PrevLogTerm, req.LeaderCommit)
	writeJSON(w, http.StatusOK, raft.AppendEntriesResponse{Term: term, Success: success})
}

func (s *Server) handlePBFTMessage(w http.ResponseWriter, r *http.Request) {
	var msg pbft.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed pbft message")
		return
	}
	switch msg.MsgType {
	case pbft.PrePrepare, pbft.Prepare, pbft.Commit:
	default:
		writeError(w, http.StatusBadRequest, "unknown pbft msg_type")
		return
	}
	s.node.PBFT.OnMessage(msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handlePBFTRequest(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed client request")
		return
	}
	result, err := s.node.PBFT.ClientRequest(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePBFTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.PBFT.Status())
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		if err := s.node.ForwardToLeader(w, r); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	lockName := r.PathValue("name")
	lockType := lock.Type(r.URL.Query().Get("lock_type"))
	if lockType == "" {
		lockType = lock.Exclusive
	}
	if lockType != lock.Shared && lockType != lock.Exclusive {
		writeError(w, http.StatusBadRequest, "lock_type must be 'shared' or 'exclusive'")
		return
	}

	requester := s.node.ID()
	owners, err := s.node.AcquireLock(r.Context(), lockName, lockType, requester)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"node":   requester,
			"term":   s.node.Raft.CurrentTerm(),
		})
	case errors.Is(err, lock.ErrDeadlock):
		writeError(w, http.StatusConflict, "deadlock detected")
	case errors.Is(err, lock.ErrBusy):
		writeJSON(w, http.StatusLocked, map[string]any{
			"detail": "lock busy, enqueued",
			"owners": owners,
		})
	case errors.Is(err, lock.ErrGrantPending):
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		if err := s.node.ForwardToLeader(w, r); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	lockName := r.PathValue("name")
	requester := s.node.ID()

	if err := s.node.ReleaseLock(lockName, requester); err != nil {
		if errors.Is(err, lock.ErrNotOwner) {
			writeError(w, http.StatusNotFound, "lock not found or not owned by this node")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "release replicated"})
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	status := s.node.Raft.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        status.NodeID,
		"raft_state":     status.Role,
		"current_leader": status.LeaderID,
		"lock_table":     s.node.Locks.Snapshot(),
		"wait_for_graph": s.node.Locks.WaitForGraph(),
	})
}
