// Package eventbus keeps one append-only, ordered event journal per run.
//
// Sequence numbers are assigned under the journal lock, so they are
// strictly increasing and gap-free. The journal is the source of truth
// for replay; live channels are a best-effort feed on top of it. A
// subscriber that falls behind is dropped and is expected to resubscribe
// from lastSeen+1.
//
// When a NATS connection is configured, every event is mirrored to the
// subject runs.<runID>.<type> so external transports can fan out without
// touching the journal.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// subscriberBuffer bounds how far a live subscriber may lag before it is
// dropped back to replay.
const subscriberBuffer = 64

// Bus owns the per-run journals.
type Bus struct {
	logger *logging.Logger
	nc     *nats.Conn

	mu       sync.RWMutex
	journals map[string]*journal
}

type journal struct {
	mu     sync.Mutex
	events []v1.Event
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch chan v1.Event
}

// Subscription is a live event feed. C is closed when the run reaches a
// terminal state, the subscriber cancels, or the subscriber lags too far
// behind.
type Subscription struct {
	C      <-chan v1.Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// New creates a bus. nc may be nil to disable the NATS mirror.
func New(logger *logging.Logger, nc *nats.Conn) *Bus {
	if logger == nil {
		l, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json"})
		if err != nil {
			panic(err)
		}
		logger = l
	}
	return &Bus{
		logger:   logger.Named("eventbus"),
		nc:       nc,
		journals: make(map[string]*journal),
	}
}

// Publish appends a typed event to the run's journal and returns its
// sequence number. Payload is marshaled to JSON; a nil payload produces
// an empty payload.
func (b *Bus) Publish(ctx context.Context, runID string, typ v1.EventType, payload any) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	j := b.journal(runID, true)

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return 0, fmt.Errorf("event journal for run %s is closed", runID)
	}
	ev := v1.Event{
		RunID:   runID,
		Seq:     uint64(len(j.events) + 1),
		Type:    typ,
		Payload: raw,
		At:      time.Now().UTC(),
	}
	j.events = append(j.events, ev)

	for id, sub := range j.subs {
		select {
		case sub.ch <- ev:
		default:
			// Lagging subscriber: drop it so the journal stays the
			// source of truth and the client replays on reconnect.
			close(sub.ch)
			delete(j.subs, id)
			b.logger.Warn(ctx, "dropped lagging event subscriber",
				zap.String("run_id", runID), zap.Uint64("seq", ev.Seq))
		}
	}
	j.mu.Unlock()

	publishedTotal.WithLabelValues(string(typ)).Inc()
	b.mirror(ctx, ev)
	return ev.Seq, nil
}

// mirror forwards the event to NATS for external fan-out.
func (b *Bus) mirror(ctx context.Context, ev v1.Event) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error(ctx, "failed to marshal event for mirror", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("runs.%s.%s", ev.RunID, ev.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn(ctx, "failed to mirror event to nats",
			zap.String("subject", subject), zap.Error(err))
	}
}

// History returns events with Seq >= fromSeq in order. fromSeq of 0 or 1
// returns the full history.
func (b *Bus) History(ctx context.Context, runID string, fromSeq uint64) ([]v1.Event, error) {
	j := b.journal(runID, false)
	if j == nil {
		return nil, &v1.NotFoundError{Kind: "run", ID: runID}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if fromSeq <= 1 {
		out := make([]v1.Event, len(j.events))
		copy(out, j.events)
		return out, nil
	}
	if fromSeq > uint64(len(j.events)) {
		return nil, nil
	}
	tail := j.events[fromSeq-1:]
	out := make([]v1.Event, len(tail))
	copy(out, tail)
	return out, nil
}

// SubscribeLive replays events from fromSeq and then streams new ones.
// If the journal is already closed the backlog is delivered and the
// channel closed.
func (b *Bus) SubscribeLive(ctx context.Context, runID string, fromSeq uint64) (*Subscription, error) {
	j := b.journal(runID, false)
	if j == nil {
		return nil, &v1.NotFoundError{Kind: "run", ID: runID}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var backlog []v1.Event
	if fromSeq <= 1 {
		backlog = j.events
	} else if fromSeq <= uint64(len(j.events)) {
		backlog = j.events[fromSeq-1:]
	}

	ch := make(chan v1.Event, len(backlog)+subscriberBuffer)
	for _, ev := range backlog {
		ch <- ev
	}

	if j.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}, nil
	}

	id := j.nextID
	j.nextID++
	j.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if sub, ok := j.subs[id]; ok {
				delete(j.subs, id)
				close(sub.ch)
			}
		})
	}
	return &Subscription{C: ch, cancel: cancel}, nil
}

// Close marks the run's journal terminal: live channels are closed and
// further publishes fail. History remains available for replay.
func (b *Bus) Close(ctx context.Context, runID string) {
	j := b.journal(runID, false)
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	for id, sub := range j.subs {
		close(sub.ch)
		delete(j.subs, id)
	}
}

// LastSeq returns the highest sequence published for the run, 0 when none.
func (b *Bus) LastSeq(runID string) uint64 {
	j := b.journal(runID, false)
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(len(j.events))
}

func (b *Bus) journal(runID string, create bool) *journal {
	b.mu.RLock()
	j, ok := b.journals[runID]
	b.mu.RUnlock()
	if ok || !create {
		return j
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if j, ok := b.journals[runID]; ok {
		return j
	}
	j = &journal{subs: make(map[int]*subscriber)}
	b.journals[runID] = j
	return j
}
