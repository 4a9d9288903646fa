// Package transport provides the peer-to-peer RPC used by the Raft and
// PBFT engines. Timeouts and connection errors are returned as ordinary
// Go errors; callers translate a failed call into their own protocol's
// negative outcome rather than treating it as fatal.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Transport sends RPCs to peers and broadcasts fire-and-forget messages.
type Transport interface {
	// Call POSTs payload to peerURL+endpoint and decodes the JSON
	// response into out. A timeout or connection error is returned as a
	// Go error; callers translate that into their RPC's own negative
	// outcome (vote_granted=false, success=false) rather than treating it
	// as fatal.
	Call(ctx context.Context, peerURL, endpoint string, payload, out any) error

	// Broadcast fans payload out to every peer concurrently with a short
	// deadline and discards the outcome of each send.
	Broadcast(peers []string, endpoint string, payload any)
}

// HTTPTransport is the production Transport, built on net/http with a
// 3s deadline for point-to-point RPCs and a 500ms deadline for
// broadcasts.
type HTTPTransport struct {
	rpcClient       *http.Client
	broadcastClient *http.Client
}

// New builds an HTTPTransport with the given RPC and broadcast deadlines.
func New(rpcTimeout, broadcastTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		rpcClient:       &http.Client{Timeout: rpcTimeout},
		broadcastClient: &http.Client{Timeout: broadcastTimeout},
	}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, peerURL, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.rpcClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc to %s%s: %w", peerURL, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc to %s%s: status %d", peerURL, endpoint, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s%s: %w", peerURL, endpoint, err)
		}
	}
	return nil
}

// Broadcast implements Transport. It never blocks the caller on a slow
// or unreachable peer beyond the broadcast deadline, and it does not
// guarantee delivery order across peers.
func (t *HTTPTransport) Broadcast(peers []string, endpoint string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[transport] broadcast marshal failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, peerURL+endpoint, bytes.NewReader(body))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := t.broadcastClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
		}(peer)
	}
	wg.Wait()
}
