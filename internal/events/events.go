// Package events implements the EventBus fan-out described in spec.md §6
// and the "avoid global singletons, thread an EventSink" design note of
// §9: every component that emits progress events takes an EventSink at
// construction time rather than reaching for an ambient broadcaster.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type enumerates the recognized event types from spec.md §6.
type Type string

const (
	AgentStatus          Type = "agent:status"
	DecisionDiscovery    Type = "decision:discovery"
	DecisionSelection    Type = "decision:selection"
	DecisionAutonomous   Type = "decision:autonomous"
	AuctionStart         Type = "auction:start"
	AuctionBid           Type = "auction:bid"
	AuctionWinner        Type = "auction:winner"
	CollusionBlocked     Type = "collusion:blocked"
	PaymentSending       Type = "payment:sending"
	PaymentConfirmed     Type = "payment:confirmed"
	StreamOpen           Type = "stream:open"
	StreamMicro          Type = "stream:micro"
	StreamOnchain        Type = "stream:onchain"
	StreamSettle         Type = "stream:settle"
	StreamReset          Type = "stream:reset"
	VerificationStart    Type = "verification:start"
	VerificationJobCreated Type = "verification:job_created"
	VerificationCommitted  Type = "verification:committed"
	VerificationProofGenerating Type = "verification:proof_generating"
	VerificationProofGenerated  Type = "verification:proof_generated"
	VerificationSubmitted Type = "verification:submitted"
	VerificationVerified  Type = "verification:verified"
	VerificationSettled   Type = "verification:settled"
	VerificationSlashed   Type = "verification:slashed"
	VerificationComplete  Type = "verification:complete"
	VerificationError     Type = "verification:error"
	SubtaskResult        Type = "subtask:result"
	TaskComplete         Type = "task:complete"
	TaskCancelled        Type = "task:cancelled"
	Error                Type = "error"
)

// Event is one typed record on the bus. Fields carries the type-specific
// payload; TimestampMs is Unix milliseconds per spec.md §6.
type Event struct {
	Type        Type                   `json:"type"`
	TimestampMs int64                  `json:"timestampMs"`
	Fields      map[string]interface{} `json:"fields"`
}

// New builds an Event stamped with the current wall-clock time.
func New(t Type, fields map[string]interface{}) Event {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Event{Type: t, TimestampMs: time.Now().UnixMilli(), Fields: fields}
}

// Sink is the narrow interface every component depends on to publish
// events, injected at construction (spec.md §9). Production code binds one
// process-wide Bus at boot; tests can inject a Recorder instead.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// NopSink discards every event; the zero-value-safe default when no sink
// is injected, matching the teacher's zap.NewNop() idiom for loggers.
var NopSink Sink = SinkFunc(func(Event) {})

// Bus is the production fan-out sink: every subscriber channel receives a
// copy of every published event. Publish never blocks on a slow
// subscriber — a full subscriber channel drops the event for that
// subscriber and increments a counter, rather than stalling publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *zap.Logger
	dropped     int64
}

// NewBus constructs an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subscribers: make(map[int]chan Event), logger: logger}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns the channel plus an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans e out to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.logger.Warn("event dropped: subscriber channel full",
				zap.String("type", string(e.Type)))
		}
	}
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recorder is an in-memory Sink for tests: it accumulates every published
// event in order, thread-safely.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns a copy of every recorded event so far.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountOfType returns how many recorded events match t.
func (r *Recorder) CountOfType(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
