package gossip

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/zerobridge-io/zerobridge-go/agreement"
	"github.com/zerobridge-io/zerobridge-go/relayerdb"
)

// ClaimTTL is how long a task lease lasts. A relayer that claims a task
// and dies frees it for everyone else after this long.
const ClaimTTL = 300 * time.Second

// doneRetention is how long a finished task stays on the board refusing
// new claims. The coordinator keeps listing authorized withdrawals, so
// without this window every poll after an EXECUTED broadcast would
// re-claim the task.
const doneRetention = 24 * time.Hour

// TaskBoard is the local view of who is working on what. It is advisory
// bookkeeping: losing it costs duplicate gas at worst, never correctness.
type TaskBoard struct {
	mu     sync.Mutex
	claims map[string]*agreement.TaskClaim
	done   map[string]int64 // taskID -> unix seconds it finished
	ttl    time.Duration
	selfID string
	db     *relayerdb.RelayerDB // nil means no durable mirror
}

func NewTaskBoard(selfID string, ttl time.Duration, db *relayerdb.RelayerDB) *TaskBoard {
	if ttl == 0 {
		ttl = ClaimTTL
	}
	board := &TaskBoard{
		claims: make(map[string]*agreement.TaskClaim),
		done:   make(map[string]int64),
		ttl:    ttl,
		selfID: selfID,
		db:     db,
	}
	board.restore()
	return board
}

// restore reloads unexpired claims persisted by a previous run.
func (b *TaskBoard) restore() {
	if b.db == nil {
		return
	}
	claims, err := b.db.GetClaims()
	if err != nil {
		logger.Warnf("restore task claims: %v", err)
		return
	}
	now := time.Now().Unix()
	for _, c := range claims {
		if !c.Expired(now) {
			b.claims[c.TaskID] = c
		}
	}
}

// Claim takes a lease on the task. Returns the lease and true when this
// node now holds it, or nil and false when an unexpired claim by anyone
// already exists or the task is already done.
func (b *TaskBoard) Claim(taskID string) (*agreement.TaskClaim, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, finished := b.done[taskID]; finished {
		return nil, false
	}
	now := time.Now().Unix()
	if existing, ok := b.claims[taskID]; ok && !existing.Expired(now) {
		return nil, false
	}

	claim := &agreement.TaskClaim{
		TaskID:    taskID,
		ClaimedBy: b.selfID,
		ClaimedAt: now,
		ExpiresAt: now + int64(b.ttl.Seconds()),
	}
	b.claims[taskID] = claim
	b.mirror(claim)
	return claim, true
}

// IsClaimed reports whether the task is off limits: someone holds an
// unexpired lease on it, or it already finished.
func (b *TaskBoard) IsClaimed(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, finished := b.done[taskID]; finished {
		return true
	}
	claim, ok := b.claims[taskID]
	return ok && !claim.Expired(time.Now().Unix())
}

// IsDone reports whether an EXECUTED announcement was recorded for the
// task.
func (b *TaskBoard) IsDone(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, finished := b.done[taskID]
	return finished
}

// Learn merges a claim gossiped by a peer. An unexpired local claim
// wins over the incoming one; claims are leases, not consensus.
func (b *TaskBoard) Learn(claim *agreement.TaskClaim) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, finished := b.done[claim.TaskID]; finished {
		return
	}
	now := time.Now().Unix()
	if claim.Expired(now) {
		return
	}
	if existing, ok := b.claims[claim.TaskID]; ok && !existing.Expired(now) {
		return
	}
	b.claims[claim.TaskID] = claim
	b.mirror(claim)
}

// Executed retires a finished task: the lease is dropped and the task
// id is held in the done set so nobody here claims it again while the
// coordinator still lists it.
func (b *TaskBoard) Executed(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.claims, taskID)
	b.done[taskID] = time.Now().Unix()
	if b.db != nil {
		if err := b.db.DeleteClaim(taskID); err != nil {
			logger.Warnf("drop task claim %s: %v", taskID, err)
		}
	}
}

// Sweep removes expired leases and aged-out done entries, returning how
// many leases were dropped.
func (b *TaskBoard) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().Unix()
	dropped := 0
	for id, claim := range b.claims {
		if claim.Expired(now) {
			delete(b.claims, id)
			dropped++
		}
	}
	cutoff := now - int64(doneRetention.Seconds())
	for id, at := range b.done {
		if at < cutoff {
			delete(b.done, id)
		}
	}
	if b.db != nil {
		if _, err := b.db.PruneExpiredClaims(now); err != nil {
			logger.Warnf("prune expired claims: %v", err)
		}
	}
	return dropped
}

func (b *TaskBoard) ClaimCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.claims)
}

func (b *TaskBoard) mirror(claim *agreement.TaskClaim) {
	if b.db == nil {
		return
	}
	if err := b.db.UpsertClaim(claim); err != nil {
		logger.Warnf("mirror task claim %s: %v", claim.TaskID, err)
	}
}
