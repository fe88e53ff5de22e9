// Package eventbus implements the in-process event fan-in for one run:
// single-writer-per-producer, multi-producer, single-consumer. Every
// producer (the leader Agent, every delegated member, the coordinator
// itself) publishes through its own handle; the Bus assigns a monotonic
// run_seq interleaved in emission order while each producer handle
// tracks its own strictly increasing, gap-free per-producer Seq.
//
// Backpressure is block-producer: the Bus is backed by a bounded
// channel and a publish blocks until there is room, rather than
// dropping or erroring. No event is lost.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/teamrun/model"
)

// Bus fans events from any number of producers into one ordered-by-
// run_seq channel for a single run. It is created per run by the
// RunCoordinator and closed when the run reaches a terminal event.
type Bus struct {
	runID      string
	rootID     string
	out        chan *model.Event

	mu      sync.Mutex
	runSeq  int64
	seqByID map[string]int64 // producerID -> last Seq assigned
	closed  bool
}

// New creates a Bus for runID with the given output buffer size. rootID
// is the producer identity whose terminal event closes the bus: the
// top-level leader's, not any delegated member's. A member's own
// run_completed only closes its sub-stream conceptually, and must not
// end the run's overall event stream while the leader is still working.
// A larger buffer absorbs bursts (e.g. concurrent member fan-out)
// without making producers block on a slow consumer; callers size it to
// their expected concurrency.
func New(runID, rootID string, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		runID:   runID,
		rootID:  rootID,
		out:     make(chan *model.Event, buffer),
		seqByID: make(map[string]int64),
	}
}

// Events returns the consumer-facing channel. It is closed exactly once,
// after the terminal event (run_completed|run_failed|run_cancelled) has
// been delivered.
func (b *Bus) Events() <-chan *model.Event { return b.out }

// SetRootID sets the producer identity whose terminal event closes the
// bus. It exists because the root producer (the leader built by a
// RunnerFactory) is often only known after New, once the bus itself has
// already been handed to the factory that builds it. Safe to call once,
// before any events are published.
func (b *Bus) SetRootID(rootID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rootID = rootID
}

// Producer returns a handle scoped to producerID. Every event emitted
// through the returned handle gets a per-producer Seq starting at 1 and
// increasing by exactly 1, with no gaps.
func (b *Bus) Producer(producerID string) *ProducerHandle {
	return &ProducerHandle{bus: b, producerID: producerID}
}

// publish assigns RunSeq and the producer's next Seq, then blocks until
// the event is delivered to out or ctx is done. Returns false if the bus
// was already closed (late event from a producer that raced the
// terminal event) or ctx was cancelled before delivery.
func (b *Bus) publish(ctx context.Context, e *model.Event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.runSeq++
	e.RunSeq = b.runSeq
	b.seqByID[e.ProducerID]++
	e.Seq = b.seqByID[e.ProducerID]
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	terminal := e.Kind.IsTerminal() && e.ProducerID == b.rootID
	b.mu.Unlock()

	select {
	case b.out <- e:
	case <-ctx.Done():
		return false
	}

	if terminal {
		b.Close()
	}
	return true
}

// Close closes the output channel. Safe to call more than once; only
// the first call has effect. Publishing the run's terminal event closes
// the bus on its own; the coordinator calls this only on the
// cancellation grace-period deadline, at which point still-pending
// producers are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.out)
}

// ProducerHandle is the write capability for one producer (agent, team,
// or the coordinator acting on its own behalf). A child producer's
// run_started is guaranteed to reach the consumer before any of its
// content events because publishes block on the same bounded channel in
// call order.
type ProducerHandle struct {
	bus        *Bus
	producerID string
}

// ProducerID reports the identity this handle publishes as.
func (h *ProducerHandle) ProducerID() string { return h.producerID }

// Emit publishes kind with payload, returning the event that was
// constructed (RunSeq/Seq already assigned) so a caller can also persist
// it via RecordStore without re-deriving the ordering fields.
func (h *ProducerHandle) Emit(ctx context.Context, kind model.EventKind, payload map[string]any) *model.Event {
	e := &model.Event{
		EventID:    uuid.NewString(),
		RunID:      h.bus.runID,
		ProducerID: h.producerID,
		Kind:       kind,
		Payload:    payload,
	}
	h.bus.publish(ctx, e)
	return e
}
