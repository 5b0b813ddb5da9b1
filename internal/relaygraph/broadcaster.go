package relaygraph

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultSubscriberBuffer  = 64
)

// Publisher is the narrow view of the broadcaster the sync engine depends on.
type Publisher interface {
	Publish(event ChangeEvent)
}

type BroadcasterOptions struct {
	KeepAliveInterval time.Duration
	BufferSize        int
	Logger            *zap.Logger
	Metrics           *Metrics
	Now               func() time.Time
}

// Broadcaster fans change events out to the live subscriptions of each workspace.
// It has no backlog: a subscription only sees events published after it was created.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[string]map[string]*Subscription
	closed    bool
	keepAlive time.Duration
	buffer    int
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
}

func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaultKeepAliveInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		subs:      map[string]map[string]*Subscription{},
		keepAlive: opts.KeepAliveInterval,
		buffer:    opts.BufferSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// SetKeepAliveInterval applies to subscriptions created afterwards.
func (b *Broadcaster) SetKeepAliveInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	b.mu.Lock()
	b.keepAlive = interval
	b.mu.Unlock()
}

// Subscribe registers a subscription whose first event is a synthetic connected
// event. The subscription is closed when ctx is done, when Close is called, or when
// the broadcaster shuts down.
func (b *Broadcaster) Subscribe(ctx context.Context, workspaceID string) (*Subscription, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		events:      make(chan ChangeEvent, b.buffer),
		done:        make(chan struct{}),
		ticker:      time.NewTicker(b.keepAlive),
		owner:       b,
	}
	sub.events <- ChangeEvent{
		EventID:     ulid.Make().String(),
		WorkspaceID: workspaceID,
		ChangeKind:  ChangeConnected,
		AffectedIDs: []string{},
		OccurredAt:  b.now().UTC(),
	}
	bucket, ok := b.subs[workspaceID]
	if !ok {
		bucket = map[string]*Subscription{}
		b.subs[workspaceID] = bucket
	}
	bucket[sub.ID] = sub
	b.mu.Unlock()

	b.metrics.subscriptionOpened()
	b.logger.Debug("subscription opened",
		zap.String("workspaceID", workspaceID),
		zap.String("subscriptionID", sub.ID),
	)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish never blocks. A subscription whose buffer is full is evicted so that a
// stalled consumer cannot delay delivery to the others.
func (b *Broadcaster) Publish(event ChangeEvent) {
	if event.EventID == "" {
		event.EventID = ulid.Make().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}
	if event.AffectedIDs == nil {
		event.AffectedIDs = []string{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.WorkspaceID] {
		select {
		case sub.events <- event:
			b.metrics.eventPublished(event.ChangeKind)
		default:
			b.metrics.eventDropped()
			b.logger.Warn("evicting slow subscriber",
				zap.String("workspaceID", event.WorkspaceID),
				zap.String("subscriptionID", sub.ID),
			)
			b.removeLocked(sub)
		}
	}
}

func (b *Broadcaster) SubscriberCount(workspaceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[workspaceID])
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, bucket := range b.subs {
		for _, sub := range bucket {
			b.removeLocked(sub)
		}
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.ticker.Stop()
	close(sub.done)
	close(sub.events)
	if bucket, ok := b.subs[sub.WorkspaceID]; ok {
		delete(bucket, sub.ID)
		if len(bucket) == 0 {
			delete(b.subs, sub.WorkspaceID)
		}
	}
	b.metrics.subscriptionClosed()
	b.logger.Debug("subscription closed",
		zap.String("workspaceID", sub.WorkspaceID),
		zap.String("subscriptionID", sub.ID),
	)
}

// Subscription is the handle returned by Subscribe. Events is closed once the
// subscription ends; KeepAlive ticks on the subscription's own timer.
type Subscription struct {
	ID          string
	WorkspaceID string

	events chan ChangeEvent
	done   chan struct{}
	ticker *time.Ticker
	owner  *Broadcaster
	closed bool
}

func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// KeepAlive ticks are not change events; consumers turn them into transport-level
// heartbeats.
func (s *Subscription) KeepAlive() <-chan time.Time {
	return s.ticker.C
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.removeLocked(s)
}
