// Package session owns one device's live replica: the in-memory state, the
// event fan-out to other tabs on the machine, the relay uplink, and the
// persistence queue. Every mutation, local or remote, funnels through it.
package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
	"github.com/hylla/boardsync/internal/telemetry"
)

// Publisher is the relay uplink the session pushes local events through.
// Publish is fire-and-forget; a failed publish is logged and the event is
// not retried over the wire.
type Publisher interface {
	Publish(topic string, envelope replica.Envelope) error
}

// EventHook observes every event after it has been applied to the replica.
// The automation engine hangs off this.
type EventHook func(event replica.Event, origin replica.Origin)

// Options configures a Session. State seeds the replica, usually from a
// sqlite snapshot; nil starts empty.
type Options struct {
	SenderID string
	UserID   string
	State    *replica.State
	Bus      *replica.Bus
	Relay    Publisher
	Queue    *replica.SyncQueue
	Logger   *log.Logger
	Clock    func() time.Time
	IDGen    func() string
	Metrics  *telemetry.Metrics
}

// Session is one device's connection to a shared board. It applies local
// mutations optimistically, broadcasts them to same-device peers, publishes
// them to the relay, and hands them to the background sync queue; inbound
// envelopes pass the dedup cache and the sender filter before they touch
// state. Remote events are never re-broadcast, re-published, or re-queued.
type Session struct {
	senderID string
	userID   string

	mu    sync.RWMutex
	state *replica.State

	dedup   *replica.DedupCache
	bus     *replica.Bus
	relay   Publisher
	queue   *replica.SyncQueue
	logger  *log.Logger
	clock   func() time.Time
	idGen   func() string
	metrics *telemetry.Metrics

	hookMu sync.Mutex
	hook   EventHook

	unsubscribe func()
}

// New constructs a session and subscribes it to the local broadcast bus.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDGen == nil {
		opts.IDGen = uuid.NewString
	}
	if opts.State == nil {
		opts.State = replica.NewState()
	}
	s := &Session{
		senderID: opts.SenderID,
		userID:   opts.UserID,
		state:    opts.State,
		dedup:    replica.NewDedupCache(replica.DefaultDedupCapacity, replica.DefaultDedupEviction),
		bus:      opts.Bus,
		relay:    opts.Relay,
		queue:    opts.Queue,
		logger:   opts.Logger,
		clock:    opts.Clock,
		idGen:    opts.IDGen,
		metrics:  opts.Metrics,
	}
	if opts.Bus != nil {
		s.unsubscribe = opts.Bus.Subscribe(s.senderID, s.HandleEnvelope)
	}
	return s
}

// SetEventHook installs the post-apply observer. Pass nil to detach.
func (s *Session) SetEventHook(hook EventHook) {
	s.hookMu.Lock()
	s.hook = hook
	s.hookMu.Unlock()
}

// Close detaches the session from the local bus.
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// SenderID reports the identifier stamped on this session's envelopes.
func (s *Session) SenderID() string { return s.senderID }

// Topics lists the relay topics this session should be subscribed to for
// the workspaces currently in its replica, plus its own user topic.
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := []string{replica.Scope{UserID: s.userID}.Topic()}
	for id := range s.state.Workspaces {
		topics = append(topics, replica.Scope{WorkspaceID: id}.Topic())
	}
	return topics
}

// ApplyLocal applies a locally originated event and propagates it: bus
// first so other tabs render immediately, then the relay, then the
// persistence queue. The state update never waits on the network.
func (s *Session) ApplyLocal(event replica.Event) {
	s.mu.Lock()
	applied := replica.Apply(s.state, event)
	s.mu.Unlock()
	if !applied {
		s.logger.Debug("local event had no effect", "kind", event.Kind())
		return
	}
	s.metrics.EventApplied()

	envelope := replica.Envelope{
		Event:     event,
		EventID:   s.newEventID(),
		SenderID:  s.senderID,
		Timestamp: s.clock(),
	}
	s.dedup.Observe(envelope.EventID)

	if s.bus != nil {
		s.bus.Publish(envelope)
	}
	if s.relay != nil {
		topic := event.Scope().Topic()
		if err := s.relay.Publish(topic, envelope); err != nil {
			s.logger.Warn("relay publish failed", "topic", topic, "kind", event.Kind(), "err", err)
		} else {
			s.metrics.RelayPublished()
		}
	}
	if s.queue != nil {
		s.queue.Enqueue(event, replica.OriginLocal)
	}
	s.notify(event, replica.OriginLocal)
}

// HandleEnvelope applies an envelope received from the relay or the local
// bus. Duplicates and the session's own envelopes are dropped before any
// state change.
func (s *Session) HandleEnvelope(envelope replica.Envelope) {
	if envelope.SenderID == s.senderID {
		return
	}
	if s.dedup.Observe(envelope.EventID) {
		s.metrics.DuplicateSuppressed()
		s.logger.Debug("duplicate event suppressed", "event_id", envelope.EventID)
		return
	}
	if envelope.Event == nil {
		s.logger.Warn("envelope without event", "event_id", envelope.EventID)
		return
	}

	s.mu.Lock()
	applied := replica.Apply(s.state, envelope.Event)
	s.mu.Unlock()
	if !applied {
		return
	}
	s.metrics.EventApplied()
	s.notify(envelope.Event, replica.OriginRemote)
}

func (s *Session) notify(event replica.Event, origin replica.Origin) {
	s.hookMu.Lock()
	hook := s.hook
	s.hookMu.Unlock()
	if hook != nil {
		hook(event, origin)
	}
}

// newEventID combines the wall clock with a random suffix so ids stay
// unique across sessions without coordination.
func (s *Session) newEventID() string {
	suffix := s.idGen()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%d-%s", s.clock().UnixMilli(), suffix)
}

// The read-side accessors below give the automation engine a consistent
// view of the replica.

// Rule returns one rule by id.
func (s *Session) Rule(id string) (domain.InstructionRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Rules[id]
	return r, ok
}

// AllRules returns every rule in the replica.
func (s *Session) AllRules() []domain.InstructionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]domain.InstructionRule, 0, len(s.state.Rules))
	for _, r := range s.state.Rules {
		rules = append(rules, r)
	}
	return rules
}

// RulesInWorkspace returns the rules scoped to one workspace.
func (s *Session) RulesInWorkspace(workspaceID string) []domain.InstructionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RulesInWorkspace(workspaceID)
}

// Card returns one card by id.
func (s *Session) Card(id string) (domain.Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.Cards[id]
	return c, ok
}

// CardsInColumn returns a column's cards in position order.
func (s *Session) CardsInColumn(columnID string) []domain.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CardsInColumn(columnID)
}

// CardCountInColumn counts a column's cards.
func (s *Session) CardCountInColumn(columnID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CardCountInColumn(columnID)
}

// Run returns one recorded automation run by id.
func (s *Session) Run(runID string) (domain.InstructionRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FindRun(runID)
}

// Workspace returns one workspace by id.
func (s *Session) Workspace(id string) (domain.Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.state.Workspaces[id]
	return w, ok
}

// Snapshot hands a caller the state under the read lock for the duration
// of fn. The state must not escape fn.
func (s *Session) Snapshot(fn func(*replica.State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}
