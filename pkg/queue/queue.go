// Package queue implements the claim-based work queue that hands
// pending test case executions to remote runners. Items are delivered
// FIFO by enqueue time; claims are time-limited, and expiry is checked
// lazily at claim time so no background sweeper is required for
// correctness.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Queue/lease conditions are normal control flow, reported as sentinel
// errors rather than wrapped failures.
var (
	// ErrAlreadyClaimed is returned by Enqueue when the case run already
	// has a claimed item; the claimant must complete it or let the claim
	// expire first.
	ErrAlreadyClaimed = errors.New("item already claimed")

	// ErrNotClaimant is returned by Renew, Complete, and Fail when the
	// caller does not hold the item's claim.
	ErrNotClaimant = errors.New("caller is not the claimant")

	// ErrNotFound is returned when no item with the given id exists.
	ErrNotFound = errors.New("item not found")
)

// State describes an item's claim state.
type State string

const (
	StateUnclaimed State = "unclaimed"
	StateClaimed   State = "claimed"
	StateCompleted State = "completed"
)

// Result is the runner-reported outcome of a completed execution.
type Result struct {
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Item is a snapshot of one queue entry.
type Item struct {
	ID          string
	CaseRunID   string
	EnqueuedAt  time.Time
	State       State
	ClaimedBy   string
	ClaimExpiry time.Time
	Result      Result
}

// Stats reports queue depth for observability.
type Stats struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
}

// Config holds queue tuning.
type Config struct {
	// ClaimTTL is how long a claim remains valid without renewal.
	ClaimTTL time.Duration
}

// DefaultClaimTTL is used when no claim TTL is configured.
const DefaultClaimTTL = 2 * time.Minute

type item struct {
	id          string
	caseRunID   string
	enqueuedAt  time.Time
	state       State
	claimedBy   string
	claimExpiry time.Time
	redelivered bool
}

// Queue is an in-memory claim queue. All item state is mutated under a
// single lock; Claim is the only blocking operation, bounded by the
// caller's wait duration and context.
type Queue struct {
	log      logrus.FieldLogger
	claimTTL time.Duration

	mu        sync.Mutex
	order     []*item          // offer order: FIFO, redelivered items at the back
	byID      map[string]*item
	byCaseRun map[string]*item
	wake      chan struct{}

	now func() time.Time
}

// New creates an empty queue.
func New(log logrus.FieldLogger, cfg Config) *Queue {
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	return &Queue{
		log:       log.WithField("component", "queue"),
		claimTTL:  ttl,
		byID:      make(map[string]*item),
		byCaseRun: make(map[string]*item),
		wake:      make(chan struct{}),
		now:       time.Now,
	}
}

// Enqueue adds a pending execution for a case run. It is idempotent per
// case run id: an id already pending and unclaimed is a no-op, while an
// id currently claimed is rejected with ErrAlreadyClaimed.
func (q *Queue) Enqueue(caseRunID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byCaseRun[caseRunID]; ok {
		if existing.state == StateClaimed && q.now().Before(existing.claimExpiry) {
			return "", ErrAlreadyClaimed
		}

		return existing.id, nil
	}

	it := &item{
		id:         uuid.NewString(),
		caseRunID:  caseRunID,
		enqueuedAt: q.now(),
		state:      StateUnclaimed,
	}

	q.order = append(q.order, it)
	q.byID[it.id] = it
	q.byCaseRun[caseRunID] = it

	q.log.WithField("case_run", caseRunID).Debug("Enqueued item")

	q.wakeWaitersLocked()

	return it.id, nil
}

// Claim blocks up to wait for the oldest eligible item, marks it
// claimed for runnerID, and returns a snapshot. It returns (nil, nil)
// when nothing became available in time, and the context error when the
// caller cancels, without mutating queue state.
func (q *Queue) Claim(ctx context.Context, runnerID string, wait time.Duration) (*Item, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		q.sweepLocked()

		if it := q.popUnclaimedLocked(); it != nil {
			it.state = StateClaimed
			it.claimedBy = runnerID
			it.claimExpiry = q.now().Add(q.claimTTL)

			snapshot := snapshotOf(it)
			q.mu.Unlock()

			q.log.WithField("item", it.id).
				WithField("runner", runnerID).
				Debug("Item claimed")

			return snapshot, nil
		}

		wakeCh := q.wake
		expiryWait := q.untilNextExpiryLocked()
		q.mu.Unlock()

		// Redelivery becomes possible when a claim expires mid-wait, so
		// bound the sleep by the earliest claim expiry as well.
		var (
			expiry      <-chan time.Time
			expiryTimer *time.Timer
		)

		if expiryWait > 0 {
			expiryTimer = time.NewTimer(expiryWait)
			expiry = expiryTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(expiryTimer)

			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(expiryTimer)

			return nil, nil
		case <-wakeCh:
		case <-expiry:
		}

		stopTimer(expiryTimer)
	}
}

// Renew extends the claim expiry for an item held by runnerID.
func (q *Queue) Renew(itemID, runnerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[itemID]
	if !ok {
		return ErrNotFound
	}

	if it.state != StateClaimed || it.claimedBy != runnerID {
		return ErrNotClaimant
	}

	it.claimExpiry = q.now().Add(q.claimTTL)

	return nil
}

// Complete marks an item done and removes it from the queue. The
// claimant check guards against a claim that expired and was handed to
// another runner.
func (q *Queue) Complete(itemID, runnerID string, result Result) (*Item, error) {
	return q.finish(itemID, runnerID, result)
}

// Fail records a runner-reported failure and removes the item.
func (q *Queue) Fail(itemID, runnerID, reason string) (*Item, error) {
	return q.finish(itemID, runnerID, Result{Outcome: "error", Message: reason})
}

func (q *Queue) finish(itemID, runnerID string, result Result) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[itemID]
	if !ok {
		return nil, ErrNotFound
	}

	if it.state != StateClaimed || it.claimedBy != runnerID {
		return nil, ErrNotClaimant
	}

	it.state = StateCompleted
	q.removeLocked(it)

	snapshot := snapshotOf(it)
	snapshot.Result = result

	return snapshot, nil
}

// Cancel removes a pending, unclaimed item for the given case run.
func (q *Queue) Cancel(caseRunID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byCaseRun[caseRunID]
	if !ok {
		return ErrNotFound
	}

	q.sweepLocked()

	if it.state == StateClaimed {
		return ErrAlreadyClaimed
	}

	q.removeLocked(it)

	return nil
}

// ReleaseRunner makes every item claimed by runnerID eligible for
// redelivery immediately. Called when a runner's lease is evicted; the
// items' data is preserved.
func (q *Queue) ReleaseRunner(runnerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var held []*item

	for _, it := range q.order {
		if it.state == StateClaimed && it.claimedBy == runnerID {
			held = append(held, it)
		}
	}

	for _, it := range held {
		q.releaseLocked(it)
	}

	released := len(held)

	if released > 0 {
		q.log.WithField("runner", runnerID).
			WithField("count", released).
			Info("Released claims for evicted runner")

		q.wakeWaitersLocked()
	}

	return released
}

// Stats returns current queue depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{}

	for _, it := range q.order {
		switch it.state {
		case StateClaimed:
			s.Claimed++
		case StateUnclaimed:
			s.Pending++
		case StateCompleted:
		}
	}

	return s
}

// sweepLocked releases items whose claim expiry has passed. They rejoin
// the offer order at the back, preserving fairness to newly enqueued
// items during a crash storm.
func (q *Queue) sweepLocked() {
	now := q.now()

	// Collect first: releaseLocked reorders q.order.
	var expired []*item

	for _, it := range q.order {
		if it.state == StateClaimed && !now.Before(it.claimExpiry) {
			expired = append(expired, it)
		}
	}

	for _, it := range expired {
		q.log.WithField("item", it.id).
			WithField("runner", it.claimedBy).
			Info("Claim expired, item eligible for redelivery")

		q.releaseLocked(it)
	}
}

// releaseLocked returns a claimed item to the unclaimed pool at the
// back of the offer order.
func (q *Queue) releaseLocked(it *item) {
	it.state = StateUnclaimed
	it.claimedBy = ""
	it.claimExpiry = time.Time{}
	it.redelivered = true

	for i, cur := range q.order {
		if cur == it {
			q.order = append(q.order[:i], q.order[i+1:]...)

			break
		}
	}

	q.order = append(q.order, it)
}

func (q *Queue) popUnclaimedLocked() *item {
	for _, it := range q.order {
		if it.state == StateUnclaimed {
			return it
		}
	}

	return nil
}

func (q *Queue) untilNextExpiryLocked() time.Duration {
	var next time.Time

	for _, it := range q.order {
		if it.state != StateClaimed {
			continue
		}

		if next.IsZero() || it.claimExpiry.Before(next) {
			next = it.claimExpiry
		}
	}

	if next.IsZero() {
		return 0
	}

	d := next.Sub(q.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}

	return d
}

func (q *Queue) removeLocked(it *item) {
	for i, cur := range q.order {
		if cur == it {
			q.order = append(q.order[:i], q.order[i+1:]...)

			break
		}
	}

	delete(q.byID, it.id)
	delete(q.byCaseRun, it.caseRunID)
}

// wakeWaitersLocked signals all blocked Claim calls.
func (q *Queue) wakeWaitersLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func snapshotOf(it *item) *Item {
	return &Item{
		ID:          it.id,
		CaseRunID:   it.caseRunID,
		EnqueuedAt:  it.enqueuedAt,
		State:       it.state,
		ClaimedBy:   it.claimedBy,
		ClaimExpiry: it.claimExpiry,
	}
}
