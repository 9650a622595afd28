package runstore

import "sync"

// EventType classifies progress events published during a run.
type EventType string

const (
	EventStage          EventType = "stage"
	EventIndexingStatus EventType = "indexing_status"
	EventDone           EventType = "done"
	EventFailed         EventType = "failed"
)

// Event is one progress observation, streamed to SSE subscribers.
type Event struct {
	Type         EventType `json:"type"`
	Stage        string    `json:"stage,omitempty"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	Result       string    `json:"result,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventFailed
}

// Broker fans progress events out to per-run subscribers. Events are
// buffered per run and replayed to late subscribers, so a client that
// connects mid-run still sees the full history. Buffers outlive the run
// so late clients can still replay it; the owner drops them with Forget
// when the run record itself is evicted.
type Broker struct {
	mu   sync.Mutex
	runs map[string]*runTopic
}

type runTopic struct {
	history []Event
	subs    map[chan Event]struct{}
	closed  bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{runs: make(map[string]*runTopic)}
}

// Publish delivers the event to all subscribers of the run and appends
// it to the replay buffer. A terminal event closes the topic.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := b.topic(runID)
	if topic.closed {
		return
	}

	topic.history = append(topic.history, ev)
	for ch := range topic.subs {
		// Subscriber channels are buffered; a stalled consumer loses
		// intermediate events rather than blocking the run.
		select {
		case ch <- ev:
		default:
		}
	}

	if ev.Terminal() {
		topic.closed = true
		for ch := range topic.subs {
			close(ch)
		}
		topic.subs = make(map[chan Event]struct{})
	}
}

// Subscribe returns the run's event history so far and a channel of
// subsequent events. The channel is closed after the terminal event, or
// immediately if the run already finished. cancel must be called when
// the subscriber is done.
func (b *Broker) Subscribe(runID string) (history []Event, ch <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := b.topic(runID)
	history = append([]Event(nil), topic.history...)

	c := make(chan Event, 64)
	if topic.closed {
		close(c)
		return history, c, func() {}
	}

	topic.subs[c] = struct{}{}
	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := topic.subs[c]; ok {
			delete(topic.subs, c)
			close(c)
		}
		// A topic Subscribe created for a run that never published
		// anything would otherwise stay behind forever.
		if !topic.closed && len(topic.subs) == 0 && len(topic.history) == 0 && b.runs[runID] == topic {
			delete(b.runs, runID)
		}
	}
	return history, c, cancel
}

// History returns a copy of the run's buffered events without
// subscribing. Unknown runs yield nil.
func (b *Broker) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.runs[runID]
	if !ok {
		return nil
	}
	return append([]Event(nil), topic.history...)
}

// Forget drops the run's replay buffer. Called when the run record is
// evicted from the store. Forgetting a run that is still publishing is
// refused so an active run never loses its buffer.
func (b *Broker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic, ok := b.runs[runID]; ok && topic.closed {
		delete(b.runs, runID)
	}
}

func (b *Broker) topic(runID string) *runTopic {
	topic, ok := b.runs[runID]
	if !ok {
		topic = &runTopic{subs: make(map[chan Event]struct{})}
		b.runs[runID] = topic
	}
	return topic
}
