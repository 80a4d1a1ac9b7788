// Package registry tracks runner identities and their lease state. A
// runner must hold a non-expired lease to claim or complete queue
// items. Expiry is checked lazily when a token is presented.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownLease is returned when a token does not resolve to any
	// registered runner.
	ErrUnknownLease = errors.New("unknown lease token")

	// ErrLeaseExpired is returned when a token's lease lapsed. The
	// runner must re-register; its in-flight claims become eligible for
	// redelivery but their data is preserved.
	ErrLeaseExpired = errors.New("lease expired")
)

const leaseTokenBytes = 32

// Lease is a snapshot of one runner's registration.
type Lease struct {
	RunnerID     string
	Token        string
	Capabilities map[string]string
	Expiry       time.Time
}

// Config holds registry tuning.
type Config struct {
	// LeaseTTL is how long a lease remains valid without a heartbeat.
	LeaseTTL time.Duration

	// OnEvict is called (outside the registry lock) with the runner id
	// whenever a lease is found expired and evicted.
	OnEvict func(runnerID string)
}

// DefaultLeaseTTL is used when no lease TTL is configured.
const DefaultLeaseTTL = 5 * time.Minute

type lease struct {
	runnerID     string
	token        string
	capabilities map[string]string
	expiry       time.Time
}

// Registry is an in-memory lease table.
type Registry struct {
	log     logrus.FieldLogger
	ttl     time.Duration
	onEvict func(string)

	mu       sync.Mutex
	byToken  map[string]*lease
	byRunner map[string]*lease
	evicted  []string // runner ids evicted under the lock, pending hook delivery

	now func() time.Time
}

// New creates an empty registry.
func New(log logrus.FieldLogger, cfg Config) *Registry {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	return &Registry{
		log:      log.WithField("component", "registry"),
		ttl:      ttl,
		onEvict:  cfg.OnEvict,
		byToken:  make(map[string]*lease),
		byRunner: make(map[string]*lease),
		now:      time.Now,
	}
}

// Register creates a lease for a runner, or refreshes the existing one
// when the runner id is already registered. Either way a fresh token is
// issued and the previous token stops resolving.
func (r *Registry) Register(runnerID string, capabilities map[string]string) (*Lease, error) {
	if runnerID == "" {
		return nil, fmt.Errorf("runner id is required")
	}

	token, err := generateLeaseToken()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byRunner[runnerID]
	if ok {
		delete(r.byToken, l.token)
	} else {
		l = &lease{runnerID: runnerID}
		r.byRunner[runnerID] = l
	}

	l.token = token
	l.capabilities = capabilities
	l.expiry = r.now().Add(r.ttl)
	r.byToken[token] = l

	r.log.WithField("runner", runnerID).Info("Runner registered")

	return snapshotOf(l), nil
}

// Heartbeat renews the lease behind a token and returns the refreshed
// snapshot.
func (r *Registry) Heartbeat(token string) (*Lease, error) {
	r.mu.Lock()

	l, err := r.resolveLocked(token)
	if err != nil {
		r.mu.Unlock()
		r.notifyEvicted(err)

		return nil, err
	}

	l.expiry = r.now().Add(r.ttl)
	snapshot := snapshotOf(l)
	r.mu.Unlock()

	return snapshot, nil
}

// Resolve maps a token to its runner id, gating queue operations on a
// live lease.
func (r *Registry) Resolve(token string) (string, error) {
	r.mu.Lock()

	l, err := r.resolveLocked(token)
	if err != nil {
		r.mu.Unlock()
		r.notifyEvicted(err)

		return "", err
	}

	runnerID := l.runnerID
	r.mu.Unlock()

	return runnerID, nil
}

// ActiveRunners returns the number of live leases.
func (r *Registry) ActiveRunners() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	now := r.now()

	for _, l := range r.byRunner {
		if now.Before(l.expiry) {
			n++
		}
	}

	return n
}

// resolveLocked looks a token up and evicts it when expired. The evicted
// runner id is stashed for notifyEvicted via the error path.
func (r *Registry) resolveLocked(token string) (*lease, error) {
	l, ok := r.byToken[token]
	if !ok {
		return nil, ErrUnknownLease
	}

	if !r.now().Before(l.expiry) {
		delete(r.byToken, l.token)
		delete(r.byRunner, l.runnerID)
		r.evicted = append(r.evicted, l.runnerID)

		r.log.WithField("runner", l.runnerID).
			Info("Lease expired, runner evicted")

		return nil, ErrLeaseExpired
	}

	return l, nil
}

// notifyEvicted invokes the eviction hook for any runners evicted while
// the lock was held. The hook runs without the lock so it may call back
// into the queue.
func (r *Registry) notifyEvicted(err error) {
	if r.onEvict == nil || !errors.Is(err, ErrLeaseExpired) {
		return
	}

	r.mu.Lock()
	evicted := r.evicted
	r.evicted = nil
	r.mu.Unlock()

	for _, runnerID := range evicted {
		r.onEvict(runnerID)
	}
}

func snapshotOf(l *lease) *Lease {
	caps := make(map[string]string, len(l.capabilities))
	for k, v := range l.capabilities {
		caps[k] = v
	}

	return &Lease{
		RunnerID:     l.runnerID,
		Token:        l.token,
		Capabilities: caps,
		Expiry:       l.expiry,
	}
}

// generateLeaseToken creates a cryptographically random lease token.
func generateLeaseToken() (string, error) {
	b := make([]byte, leaseTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}
