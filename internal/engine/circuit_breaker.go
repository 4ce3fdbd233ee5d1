package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// CircuitStore holds circuit breaker state keyed by circuit id.
// Get returns a closed circuit with Version 0 for unknown ids.
// CompareAndSwap stores next only if the stored version still equals
// expected, and reports whether it did. Stored versions are bumped on every
// successful swap.
type CircuitStore interface {
	Get(ctx context.Context, id string) (*models.Circuit, error)
	CompareAndSwap(ctx context.Context, expected int64, next *models.Circuit) (bool, error)
}

// MemoryCircuitStore keeps circuits in process memory
type MemoryCircuitStore struct {
	mu       sync.Mutex
	circuits map[string]models.Circuit
}

// NewMemoryCircuitStore creates an empty in-memory circuit store
func NewMemoryCircuitStore() *MemoryCircuitStore {
	return &MemoryCircuitStore{circuits: make(map[string]models.Circuit)}
}

func (s *MemoryCircuitStore) Get(_ context.Context, id string) (*models.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circuits[id]
	if !ok {
		return &models.Circuit{ID: id, State: models.CircuitClosed}, nil
	}
	return &c, nil
}

func (s *MemoryCircuitStore) CompareAndSwap(_ context.Context, expected int64, next *models.Circuit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.circuits[next.ID]
	if current.Version != expected {
		return false, nil
	}
	c := *next
	c.Version = expected + 1
	s.circuits[next.ID] = c
	return true, nil
}

// maxCASAttempts bounds optimistic update retries under contention
const maxCASAttempts = 16

// CircuitBreaker implements closed/open/half-open transitions over a
// CircuitStore. Only one caller at a time is admitted while half open.
type CircuitBreaker struct {
	store   CircuitStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCircuitBreaker creates a breaker over store
func NewCircuitBreaker(store CircuitStore, m *metrics.Metrics) *CircuitBreaker {
	if store == nil {
		store = NewMemoryCircuitStore()
	}
	return &CircuitBreaker{store: store, metrics: m, now: time.Now}
}

// CircuitPolicy configures one guarded call
type CircuitPolicy struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Call runs fn unless the circuit is open. It returns ErrCircuitOpen
// without calling fn while open, and while another caller holds the half
// open probe. A panic in fn is recorded as a failure and re-raised.
func (b *CircuitBreaker) Call(ctx context.Context, id string, policy CircuitPolicy, fn func(ctx context.Context) (map[string]interface{}, error)) (map[string]interface{}, models.CircuitState, error) {
	state, err := b.acquire(ctx, id, policy)
	if err != nil {
		return nil, state, err
	}

	recorded := false
	defer func() {
		if recorded {
			return
		}
		if rec := recover(); rec != nil {
			_, _ = b.record(ctx, id, policy, false)
			panic(rec)
		}
	}()

	out, callErr := fn(ctx)
	recorded = true

	final, err := b.record(ctx, id, policy, callErr == nil)
	if err != nil {
		if callErr != nil {
			return out, final, callErr
		}
		return out, final, err
	}
	return out, final, callErr
}

// State returns the stored circuit
func (b *CircuitBreaker) State(ctx context.Context, id string) (*models.Circuit, error) {
	return b.store.Get(ctx, id)
}

// acquire admits a call, moving an expired open circuit to half open. A
// probe older than the reset timeout is considered lost and may be claimed
// again.
func (b *CircuitBreaker) acquire(ctx context.Context, id string, policy CircuitPolicy) (models.CircuitState, error) {
	for i := 0; i < maxCASAttempts; i++ {
		c, err := b.store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to load circuit %s: %w", id, err)
		}

		switch c.State {
		case models.CircuitOpen:
			if c.LastFailure != nil && b.now().Sub(*c.LastFailure) < policy.ResetTimeout {
				b.metrics.RecordCircuitRejection(id)
				return c.State, fmt.Errorf("%w: %s", ErrCircuitOpen, id)
			}
			ok, err := b.claimProbe(ctx, c)
			if err != nil {
				return c.State, err
			}
			if ok {
				b.metrics.RecordCircuitTransition(id, string(models.CircuitHalfOpen))
				return models.CircuitHalfOpen, nil
			}

		case models.CircuitHalfOpen:
			if c.ProbeStartedAt != nil && b.now().Sub(*c.ProbeStartedAt) < policy.ResetTimeout {
				// a probe is in flight
				b.metrics.RecordCircuitRejection(id)
				return c.State, fmt.Errorf("%w: %s (half open)", ErrCircuitOpen, id)
			}
			ok, err := b.claimProbe(ctx, c)
			if err != nil {
				return c.State, err
			}
			if ok {
				return models.CircuitHalfOpen, nil
			}

		default:
			return models.CircuitClosed, nil
		}
	}
	return "", fmt.Errorf("circuit %s: too much contention", id)
}

func (b *CircuitBreaker) claimProbe(ctx context.Context, c *models.Circuit) (bool, error) {
	now := b.now()
	next := *c
	next.State = models.CircuitHalfOpen
	next.ProbeStartedAt = &now
	ok, err := b.store.CompareAndSwap(ctx, c.Version, &next)
	if err != nil {
		return false, fmt.Errorf("failed to update circuit %s: %w", c.ID, err)
	}
	return ok, nil
}

// record applies the outcome of an admitted call
func (b *CircuitBreaker) record(ctx context.Context, id string, policy CircuitPolicy, success bool) (models.CircuitState, error) {
	ctx = context.WithoutCancel(ctx)

	for i := 0; i < maxCASAttempts; i++ {
		c, err := b.store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to load circuit %s: %w", id, err)
		}

		next := *c
		next.ProbeStartedAt = nil
		if success {
			if c.State == models.CircuitClosed && c.Failures == 0 {
				return c.State, nil
			}
			next.State = models.CircuitClosed
			next.Failures = 0
		} else {
			now := b.now()
			next.Failures++
			next.LastFailure = &now
			if c.State == models.CircuitHalfOpen || next.Failures >= policy.FailureThreshold {
				next.State = models.CircuitOpen
			}
		}

		ok, err := b.store.CompareAndSwap(ctx, c.Version, &next)
		if err != nil {
			return c.State, fmt.Errorf("failed to update circuit %s: %w", id, err)
		}
		if ok {
			if next.State != c.State {
				b.metrics.RecordCircuitTransition(id, string(next.State))
			}
			return next.State, nil
		}
	}
	return "", fmt.Errorf("circuit %s: too much contention", id)
}
