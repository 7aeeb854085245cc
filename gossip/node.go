package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/metrics"
)

const gossipPath = "/gossip"

// how long seen message ids are remembered for dedupe
const seenRetention = 10 * time.Minute

// Node is one relayer's gossip endpoint: an HTTP listener plus a static
// peer list it broadcasts to. Delivery is best effort; anything lost,
// duplicated or reordered must be (and is) harmless.
type Node struct {
	id         string
	listenAddr string
	peers      []string // base URLs
	board      *TaskBoard
	sink       *metrics.Sink
	client     *http.Client

	seenMu sync.Mutex
	seen   map[string]time.Time

	peerMu    sync.Mutex
	lastHeard map[string]int64 // peer relayer id -> unix seconds
}

func NewNode(id, listenAddr string, peers []string, board *TaskBoard, sink *metrics.Sink) *Node {
	return &Node{
		id:         id,
		listenAddr: listenAddr,
		peers:      peers,
		board:      board,
		sink:       sink,
		client:     &http.Client{Timeout: 5 * time.Second},
		seen:       make(map[string]time.Time),
		lastHeard:  make(map[string]int64),
	}
}

func (n *Node) Board() *TaskBoard {
	return n.board
}

// AddPeer extends the peer list after construction, for meshes whose
// addresses are only known once everyone is listening.
func (n *Node) AddPeer(baseURL string) {
	n.peers = append(n.peers, baseURL)
}

// Claim leases the task locally and announces it. The announcement is
// fire-and-forget; a peer that never hears it just wastes gas.
func (n *Node) Claim(taskID string) bool {
	claim, ok := n.board.Claim(taskID)
	if !ok {
		return false
	}
	n.Broadcast(MSG_CLAIM, claim)
	return true
}

func (n *Node) IsClaimed(taskID string) bool {
	return n.board.IsClaimed(taskID)
}

// MarkExecuted clears the task everywhere this node can reach.
func (n *Node) MarkExecuted(taskID, txRef string) {
	n.board.Executed(taskID)
	n.Broadcast(MSG_EXECUTED, &ExecutedPayload{TaskID: taskID, TxRef: txRef})
}

func (n *Node) Heartbeat(stake string) {
	n.Broadcast(MSG_HEARTBEAT, &HeartbeatPayload{
		RelayerID: n.id,
		Stake:     stake,
		Timestamp: time.Now().Unix(),
	})
}

// LivePeers counts peers heard from within the window.
func (n *Node) LivePeers(window time.Duration) int {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	cutoff := time.Now().Add(-window).Unix()
	live := 0
	for _, at := range n.lastHeard {
		if at >= cutoff {
			live++
		}
	}
	return live
}

// Broadcast sends the payload to every peer concurrently. Failures are
// logged and swallowed.
func (n *Node) Broadcast(msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("marshal gossip payload: %v", err)
		return
	}
	msg := &Message{
		Type:      msgType,
		MessageID: uuid.NewString(),
		SenderID:  n.id,
		Payload:   raw,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("marshal gossip envelope: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, peer := range n.peers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			resp, err := n.client.Post(url+gossipPath, "application/json", bytes.NewReader(body))
			if err != nil {
				logger.WithFields(logger.Fields{
					"peer": url,
					"type": msgType,
				}).Debugf("gossip send failed: %v", err)
				return
			}
			resp.Body.Close()
		}(peer)
	}
	wg.Wait()
}

// Handler returns the HTTP handler peers post envelopes to.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(gossipPath, n.handleGossip)
	return mux
}

// Serve listens until ctx is cancelled.
func (n *Node) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    n.listenAddr,
		Handler: n.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logger.Fields{
		"addr":  n.listenAddr,
		"peers": len(n.peers),
	}).Info("gossip endpoint up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (n *Node) handleGossip(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	if msg.SenderID == n.id || n.alreadySeen(msg.MessageID) {
		w.WriteHeader(http.StatusOK)
		return
	}
	n.sink.IncGossipMessages(msg.Type)
	n.heardFrom(msg.SenderID)

	switch msg.Type {
	case MSG_CLAIM:
		var claim agreement.TaskClaim
		if err := json.Unmarshal(msg.Payload, &claim); err != nil {
			logger.Debugf("bad claim payload from %s: %v", msg.SenderID, err)
			break
		}
		n.board.Learn(&claim)

	case MSG_EXECUTED:
		var done ExecutedPayload
		if err := json.Unmarshal(msg.Payload, &done); err != nil {
			logger.Debugf("bad executed payload from %s: %v", msg.SenderID, err)
			break
		}
		n.board.Executed(done.TaskID)

	case MSG_HEARTBEAT:
		// heardFrom above already recorded liveness

	default:
		logger.Debugf("unknown gossip type %q from %s", msg.Type, msg.SenderID)
	}

	w.WriteHeader(http.StatusOK)
}

func (n *Node) alreadySeen(messageID string) bool {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()

	if _, ok := n.seen[messageID]; ok {
		return true
	}
	n.seen[messageID] = time.Now()

	if len(n.seen) > 4096 {
		cutoff := time.Now().Add(-seenRetention)
		for id, at := range n.seen {
			if at.Before(cutoff) {
				delete(n.seen, id)
			}
		}
	}
	return false
}

func (n *Node) heardFrom(peerID string) {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()
	n.lastHeard[peerID] = time.Now().Unix()
}
