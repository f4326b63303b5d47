package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hylla/boardsync/internal/domain"
	"github.com/hylla/boardsync/internal/replica"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// capturingRelay records published envelopes per topic.
type capturingRelay struct {
	mu        sync.Mutex
	published []publishedFrame
	fail      bool
}

type publishedFrame struct {
	topic    string
	envelope replica.Envelope
}

func (r *capturingRelay) Publish(topic string, envelope replica.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("relay unavailable")
	}
	r.published = append(r.published, publishedFrame{topic: topic, envelope: envelope})
	return nil
}

func (r *capturingRelay) frames() []publishedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishedFrame(nil), r.published...)
}

func newSession(t *testing.T, senderID string, bus *replica.Bus, relay *capturingRelay) *Session {
	t.Helper()
	var n int
	var opts Options
	opts.SenderID = senderID
	opts.UserID = "u1"
	opts.Bus = bus
	if relay != nil {
		opts.Relay = relay
	}
	opts.Clock = func() time.Time { return testNow }
	// Event ids embed a prefix of this value, so uniqueness must live in
	// the leading characters.
	opts.IDGen = func() string {
		n++
		return fmt.Sprintf("%s%07d", senderID[len(senderID)-1:], n)
	}
	return New(opts)
}

func testWorkspace(t *testing.T, id string) domain.Workspace {
	t.Helper()
	w, err := domain.NewWorkspace(id, "u1", "Board "+id, testNow)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}
	return w
}

func TestApplyLocalUpdatesStateAndPublishes(t *testing.T) {
	bus := replica.NewBus()
	relay := &capturingRelay{}
	sess := newSession(t, "session-a", bus, relay)
	defer sess.Close()

	sess.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")})

	if _, ok := sess.Workspace("w1"); !ok {
		t.Fatal("local mutation must apply optimistically")
	}
	frames := relay.frames()
	if len(frames) != 1 {
		t.Fatalf("expected one relay publish, got %d", len(frames))
	}
	if frames[0].topic != "channel-w1" {
		t.Fatalf("unexpected topic %q", frames[0].topic)
	}
	if frames[0].envelope.SenderID != "session-a" || frames[0].envelope.EventID == "" {
		t.Fatalf("envelope not stamped: %+v", frames[0].envelope)
	}
}

func TestApplyLocalNoEffectPublishesNothing(t *testing.T) {
	relay := &capturingRelay{}
	sess := newSession(t, "session-a", nil, relay)
	defer sess.Close()

	// Updating a workspace that does not exist is a reducer no-op.
	sess.ApplyLocal(replica.WorkspaceUpdated{Workspace: testWorkspace(t, "ghost")})
	if got := len(relay.frames()); got != 0 {
		t.Fatalf("no-op mutations must not replicate, got %d frames", got)
	}
}

func TestApplyLocalSurvivesRelayFailure(t *testing.T) {
	relay := &capturingRelay{fail: true}
	sess := newSession(t, "session-a", nil, relay)
	defer sess.Close()

	sess.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")})
	if _, ok := sess.Workspace("w1"); !ok {
		t.Fatal("local state must not wait on the relay")
	}
}

func TestHandleEnvelopeDeduplicates(t *testing.T) {
	sess := newSession(t, "session-a", nil, nil)
	defer sess.Close()

	var seen []replica.Kind
	sess.SetEventHook(func(event replica.Event, origin replica.Origin) {
		if origin != replica.OriginRemote {
			t.Errorf("expected remote origin, got %s", origin)
		}
		seen = append(seen, event.Kind())
	})

	envelope := replica.Envelope{
		Event:     replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")},
		EventID:   "e1",
		SenderID:  "session-b",
		Timestamp: testNow,
	}
	sess.HandleEnvelope(envelope)
	sess.HandleEnvelope(envelope)

	if len(seen) != 1 {
		t.Fatalf("duplicate envelope must apply once, got %d notifications", len(seen))
	}
}

func TestHandleEnvelopeSkipsOwnSender(t *testing.T) {
	sess := newSession(t, "session-a", nil, nil)
	defer sess.Close()

	sess.HandleEnvelope(replica.Envelope{
		Event:     replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")},
		EventID:   "e1",
		SenderID:  "session-a",
		Timestamp: testNow,
	})
	if _, ok := sess.Workspace("w1"); ok {
		t.Fatal("a session must ignore its own envelopes from the wire")
	}
}

func TestRemoteEventsAreNotRepublished(t *testing.T) {
	relay := &capturingRelay{}
	sess := newSession(t, "session-a", nil, relay)
	defer sess.Close()

	sess.HandleEnvelope(replica.Envelope{
		Event:     replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")},
		EventID:   "e1",
		SenderID:  "session-b",
		Timestamp: testNow,
	})
	if got := len(relay.frames()); got != 0 {
		t.Fatalf("remote events must never re-enter the relay, got %d frames", got)
	}
}

// Two sessions on one device share the bus; a third replica arrives over the
// relay. Every path delivering the same event id must apply it exactly once
// everywhere.
func TestSameDeviceAndRelayConvergence(t *testing.T) {
	bus := replica.NewBus()
	relayA := &capturingRelay{}
	sessA := newSession(t, "session-a", bus, relayA)
	defer sessA.Close()
	sessB := newSession(t, "session-b", bus, nil)
	defer sessB.Close()

	// A mutates: B hears it on the bus, the relay hears it once.
	sessA.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")})
	if _, ok := sessB.Workspace("w1"); !ok {
		t.Fatal("same-device peer must converge via the bus")
	}
	frames := relayA.frames()
	if len(frames) != 1 {
		t.Fatalf("expected one relay frame, got %d", len(frames))
	}

	// The relay echoes A's own envelope back; both the sender filter and
	// the dedup cache stand in the way.
	sessA.HandleEnvelope(frames[0].envelope)
	sessB.HandleEnvelope(frames[0].envelope)

	// B already applied e1 from the bus, so the relay copy is a duplicate.
	var extra int
	sessB.SetEventHook(func(replica.Event, replica.Origin) { extra++ })
	sessB.HandleEnvelope(frames[0].envelope)
	if extra != 0 {
		t.Fatalf("duplicate relay delivery must be suppressed, got %d applications", extra)
	}
}

// Concurrent creates of the same logical entity from different replicas
// carry different event ids; create-if-absent keeps the first write.
func TestConcurrentCreateConverges(t *testing.T) {
	sess := newSession(t, "session-a", nil, nil)
	defer sess.Close()

	w := testWorkspace(t, "w1")
	sess.HandleEnvelope(replica.Envelope{
		Event: replica.WorkspaceCreated{Workspace: w}, EventID: "e-from-b", SenderID: "session-b", Timestamp: testNow,
	})
	other := w
	other.Name = "Competing name"
	sess.HandleEnvelope(replica.Envelope{
		Event: replica.WorkspaceCreated{Workspace: other}, EventID: "e-from-c", SenderID: "session-c", Timestamp: testNow,
	})

	got, _ := sess.Workspace("w1")
	if got.Name != "Board w1" {
		t.Fatalf("create-if-absent must keep the first write, got %q", got.Name)
	}
}

func TestTopics(t *testing.T) {
	sess := newSession(t, "session-a", nil, nil)
	defer sess.Close()
	sess.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")})

	topics := sess.Topics()
	want := map[string]bool{"user-u1": false, "channel-w1": false}
	for _, topic := range topics {
		if _, ok := want[topic]; ok {
			want[topic] = true
		}
	}
	for topic, found := range want {
		if !found {
			t.Fatalf("missing topic %s in %v", topic, topics)
		}
	}
}

func TestDefaultsFillMissingCollaborators(t *testing.T) {
	relay := &capturingRelay{}
	sess := New(Options{SenderID: "session-a", UserID: "u1", Relay: relay})
	defer sess.Close()

	sess.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, "w1")})

	frames := relay.frames()
	if len(frames) != 1 {
		t.Fatalf("expected one relay publish, got %d", len(frames))
	}
	if frames[0].envelope.EventID == "" || frames[0].envelope.Timestamp.IsZero() {
		t.Fatalf("default id and clock must stamp the envelope: %+v", frames[0].envelope)
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	relay := &capturingRelay{}
	sess := newSession(t, "session-a", nil, relay)
	defer sess.Close()

	for i := 0; i < 5; i++ {
		sess.ApplyLocal(replica.WorkspaceCreated{Workspace: testWorkspace(t, fmt.Sprintf("w%d", i))})
	}
	ids := map[string]bool{}
	for _, frame := range relay.frames() {
		if ids[frame.envelope.EventID] {
			t.Fatalf("duplicate event id %s", frame.envelope.EventID)
		}
		ids[frame.envelope.EventID] = true
	}
}
