// Package monitor is the read side of the engine: live execution events,
// step timelines and aggregate statistics.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

const (
	// redisChannel carries events between monitor instances
	redisChannel = "bizflow:execution-events"

	defaultWindowDays = 7
	maxWindowDays     = 365
)

// Config holds monitor limits
type Config struct {
	// SubscriberBuffer is the per-subscription event queue size; events
	// are dropped for a subscriber whose queue is full.
	SubscriberBuffer int
	// StatsTTL bounds how long computed stats are served from cache
	StatsTTL time.Duration
}

// DefaultConfig returns the default monitor limits
func DefaultConfig() Config {
	return Config{SubscriberBuffer: 64, StatsTTL: 30 * time.Second}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithStatsCache replaces the in-memory stats cache
func WithStatsCache(cache StatsCache) Option {
	return func(m *Monitor) {
		if cache != nil {
			m.cache = cache
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l.Component("monitor")
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithClock replaces the clock
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRedisFanout relays published events through Redis pub/sub so that
// subscribers connected to any instance see events from every instance.
// Run must be started for the relay to work.
func WithRedisFanout(client redis.UniversalClient) Option {
	return func(m *Monitor) { m.redis = client }
}

// Subscription is a live feed of one execution's events
type Subscription struct {
	ExecutionID uuid.UUID

	events  chan models.ExecutionEvent
	dropped atomic.Int64
	closed  bool
}

// Events returns the event channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan models.ExecutionEvent {
	return s.events
}

// Dropped returns how many events were discarded because the queue was full
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// relayEnvelope is the Redis wire format
type relayEnvelope struct {
	Origin string                `json:"origin"`
	Event  models.ExecutionEvent `json:"event"`
}

// Monitor fans execution events out to subscribers and answers timeline
// and statistics queries from the store
type Monitor struct {
	store   engine.Store
	cfg     Config
	cache   StatsCache
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}

	redis      redis.UniversalClient
	instanceID string
	outbox     chan []byte
}

// New creates a monitor reading from store
func New(store engine.Store, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = def.StatsTTL
	}

	m := &Monitor{
		store:      store,
		cfg:        cfg,
		logger:     logger.NewNop(),
		now:        time.Now,
		subs:       make(map[uuid.UUID]map[*Subscription]struct{}),
		instanceID: uuid.NewString(),
		outbox:     make(chan []byte, 1024),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewMemoryStatsCache(m.now)
	}
	return m
}

// Subscribe opens a live feed for one execution
func (m *Monitor) Subscribe(executionID uuid.UUID) *Subscription {
	sub := &Subscription{
		ExecutionID: executionID,
		events:      make(chan models.ExecutionEvent, m.cfg.SubscriberBuffer),
	}

	m.mu.Lock()
	if m.subs[executionID] == nil {
		m.subs[executionID] = make(map[*Subscription]struct{})
	}
	m.subs[executionID][sub] = struct{}{}
	m.mu.Unlock()

	m.metrics.SubscriberAdded(1)
	return sub
}

// Unsubscribe closes the feed. It is safe to call more than once.
func (m *Monitor) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)

	if set, ok := m.subs[sub.ExecutionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.ExecutionID)
		}
	}
	m.metrics.SubscriberAdded(-1)
}

// SubscriberCount returns the number of open subscriptions
func (m *Monitor) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

// Publish delivers an event to the execution's subscribers without
// blocking. It implements engine.EventSink.
func (m *Monitor) Publish(event models.ExecutionEvent) {
	m.deliver(event)

	if m.redis == nil {
		return
	}
	data, err := json.Marshal(relayEnvelope{Origin: m.instanceID, Event: event})
	if err != nil {
		m.logger.Warn("failed to encode relayed event", logger.Err(err))
		return
	}
	select {
	case m.outbox <- data:
	default:
		m.metrics.EventDropped()
	}
}

func (m *Monitor) deliver(event models.ExecutionEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs[event.ExecutionID] {
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			m.metrics.EventDropped()
		}
	}
}

// Run relays events through Redis until ctx is done. Without a Redis
// fanout it returns immediately.
func (m *Monitor) Run(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}

	pubsub := m.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", redisChannel, err)
	}
	incoming := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case data := <-m.outbox:
			if err := m.redis.Publish(ctx, redisChannel, data).Err(); err != nil {
				m.logger.Warn("failed to relay event", logger.Err(err))
			}

		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				m.logger.Warn("failed to decode relayed event", logger.Err(err))
				continue
			}
			if env.Origin == m.instanceID {
				continue
			}
			m.deliver(env.Event)
		}
	}
}

// Close ends every open subscription
func (m *Monitor) Close() {
	m.mu.Lock()
	var all []*Subscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		m.Unsubscribe(sub)
	}
}

// GetTimeline reconstructs the step history of an execution, ordered by
// start time with offsets relative to the execution start
func (m *Monitor) GetTimeline(ctx context.Context, executionID uuid.UUID) (*models.Timeline, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	steps := append([]models.ExecutionStep(nil), exec.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})

	origin := exec.CreatedAt
	if exec.StartedAt != nil {
		origin = *exec.StartedAt
	} else if len(steps) > 0 {
		origin = steps[0].StartedAt
	}

	timeline := &models.Timeline{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		DurationMs:  exec.DurationMs,
		Entries:     make([]models.TimelineEntry, 0, len(steps)),
	}

	for _, step := range steps {
		timeline.Entries = append(timeline.Entries, models.TimelineEntry{
			StepID:      step.ID,
			NodeID:      step.NodeID,
			NodeType:    step.NodeType,
			NodeName:    step.NodeName,
			Status:      step.Status,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
			OffsetMs:    step.StartedAt.Sub(origin).Milliseconds(),
			DurationMs:  step.DurationMs,
			Error:       step.Error,
		})
	}

	return timeline, nil
}
