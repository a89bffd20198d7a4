// Package bus implements the message bus (C2): per-agent FIFO inboxes with
// priority and scheduled-delivery semantics, plus fan-out to system-wide
// observers. Within a single recipient, high-priority envelopes strictly
// precede normal-priority ones; FIFO order is preserved within each band.
// Cross-recipient ordering is never guaranteed.
package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
)

// Observer receives a copy of every envelope after Send, best-effort. A slow
// or failing observer never blocks or fails the Send call.
type Observer interface {
	OnEnvelope(env envelope.Envelope)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(envelope.Envelope)

// OnEnvelope calls f(env).
func (f ObserverFunc) OnEnvelope(env envelope.Envelope) { f(env) }

// ErrUnknownRecipient is returned by Send when the recipient is not a
// registered agent and is not the user sink.
var ErrUnknownRecipient = errors.New("unknown_recipient")

// ErrRecipientTerminating is returned by Send when the recipient exists but
// is mid-termination; the envelope is dropped rather than delivered.
var ErrRecipientTerminating = errors.New("recipient_terminating")

// RecipientStatus reports what the bus needs to know about a recipient
// before admitting an envelope: whether it exists at all, and whether it is
// currently draining/terminating and should reject new deliveries.
type RecipientStatus struct {
	Known       bool
	Terminating bool
}

// RecipientChecker answers whether an AgentID currently accepts deliveries.
// The lifecycle manager supplies this; the bus has no knowledge of the agent
// table itself, avoiding an import cycle between C2 and C9.
type RecipientChecker func(agentID string) RecipientStatus

type sequencedEnvelope struct {
	env envelope.Envelope
	seq uint64
}

// inbox is the FIFO queue of envelopes for one recipient, split into a high
// and normal priority band. Both bands preserve enqueue order via seq.
type inbox struct {
	mu     sync.Mutex
	high   []sequencedEnvelope
	normal []sequencedEnvelope
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (ib *inbox) push(se sequencedEnvelope) {
	ib.mu.Lock()
	if se.env.Priority == envelope.PriorityHigh {
		ib.high = append(ib.high, se)
	} else {
		ib.normal = append(ib.normal, se)
	}
	ib.mu.Unlock()
	select {
	case ib.notify <- struct{}{}:
	default:
	}
}

func (ib *inbox) pop() (envelope.Envelope, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.high) > 0 {
		se := ib.high[0]
		ib.high = ib.high[1:]
		return se.env, true
	}
	if len(ib.normal) > 0 {
		se := ib.normal[0]
		ib.normal = ib.normal[1:]
		return se.env, true
	}
	return envelope.Envelope{}, false
}

func (ib *inbox) depth() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.high) + len(ib.normal)
}

func (ib *inbox) drain() []envelope.Envelope {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(ib.high)+len(ib.normal))
	for _, se := range ib.high {
		out = append(out, se.env)
	}
	for _, se := range ib.normal {
		out = append(out, se.env)
	}
	ib.high = nil
	ib.normal = nil
	return out
}

// pendingDelivery is a scheduled envelope waiting for its release instant.
type pendingDelivery struct {
	releaseAt time.Time
	se        sequencedEnvelope
}

// Bus implements C2. Construct with New and set IsKnownRecipient before
// serving traffic; while IsKnownRecipient is nil, Send admits every
// recipient.
type Bus struct {
	mu              sync.Mutex
	inboxes         map[string]*inbox
	seq             uint64
	observers       []Observer
	pending         []pendingDelivery
	IsKnownRecipient RecipientChecker
	logger          telemetry.Logger
}

// New constructs an empty Bus. logger may be nil, in which case a no-op
// logger is used.
func New(logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		inboxes: make(map[string]*inbox),
		logger:  logger,
	}
}

// AddObserver registers a global observer invoked after every Send.
func (b *Bus) AddObserver(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// EnsureInbox creates an empty inbox for agentID if one does not already
// exist. The lifecycle manager calls this on spawn/restore before the
// agent's turn loop starts reading.
func (b *Bus) EnsureInbox(agentID string) {
	b.mu.Lock()
	if _, ok := b.inboxes[agentID]; !ok {
		b.inboxes[agentID] = newInbox()
	}
	b.mu.Unlock()
}

// RemoveInbox drops the inbox for a terminated agent.
func (b *Bus) RemoveInbox(agentID string) {
	b.mu.Lock()
	delete(b.inboxes, agentID)
	b.mu.Unlock()
}

func (b *Bus) inboxFor(agentID string) (*inbox, bool) {
	b.mu.Lock()
	ib, ok := b.inboxes[agentID]
	b.mu.Unlock()
	return ib, ok
}

// Send validates, stamps, and admits an envelope. If ScheduledDeliveryAt is
// set and in the future, the envelope sits in the delay timer until release;
// otherwise it is enqueued immediately. Either way the envelope is published
// to observers synchronously, before any scheduling delay — see S5 in the
// test suite for the rationale (observers see intent immediately; delivery
// honors the schedule).
func (b *Bus) Send(env envelope.Envelope) (envelope.Envelope, error) {
	now := time.Now()
	if env.ID == "" {
		env.ID = string(ids.NewMessageID())
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	if env.Priority == "" {
		env.Priority = envelope.PriorityNormal
	}

	if env.To != string(ids.User) {
		status := RecipientStatus{Known: true}
		if b.IsKnownRecipient != nil {
			status = b.IsKnownRecipient(env.To)
		}
		if !status.Known {
			return envelope.Envelope{}, ErrUnknownRecipient
		}
		if status.Terminating {
			b.logger.Warn(context.Background(), "dropping envelope to terminating recipient", "to", env.To, "envelopeId", env.ID)
			b.publish(env)
			return envelope.Envelope{}, ErrRecipientTerminating
		}
	}

	b.mu.Lock()
	b.seq++
	se := sequencedEnvelope{env: env, seq: b.seq}
	if env.To != string(ids.User) {
		if _, ok := b.inboxes[env.To]; !ok {
			b.inboxes[env.To] = newInbox()
		}
	} else if _, ok := b.inboxes[env.To]; !ok {
		b.inboxes[env.To] = newInbox()
	}
	ib := b.inboxes[env.To]
	scheduled := env.IsScheduled(now)
	if scheduled {
		b.pending = append(b.pending, pendingDelivery{releaseAt: *env.ScheduledDeliveryAt, se: se})
		sort.Slice(b.pending, func(i, j int) bool {
			if !b.pending[i].releaseAt.Equal(b.pending[j].releaseAt) {
				return b.pending[i].releaseAt.Before(b.pending[j].releaseAt)
			}
			return b.pending[i].se.seq < b.pending[j].se.seq
		})
	}
	b.mu.Unlock()

	b.publish(env)

	if scheduled {
		delay := env.ScheduledDeliveryAt.Sub(now)
		time.AfterFunc(delay, func() { b.release(se) })
	} else {
		ib.push(se)
	}
	return env, nil
}

// Publish stamps and fans out env to observers without queueing it in any
// recipient's inbox. Used for announcements like tool-call observations that
// watchers should see but that are not addressed deliveries in the ordinary
// inbox sense.
func (b *Bus) Publish(env envelope.Envelope) envelope.Envelope {
	if env.ID == "" {
		env.ID = string(ids.NewMessageID())
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	b.publish(env)
	return env
}

func (b *Bus) release(se sequencedEnvelope) {
	b.mu.Lock()
	for i, p := range b.pending {
		if p.se.seq == se.seq {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	ib, ok := b.inboxes[se.env.To]
	if !ok {
		ib = newInbox()
		b.inboxes[se.env.To] = ib
	}
	b.mu.Unlock()
	ib.push(se)
}

func (b *Bus) publish(env envelope.Envelope) {
	b.mu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()
	for _, o := range observers {
		func() {
			defer func() { _ = recover() }()
			o.OnEnvelope(env)
		}()
	}
}

// ReceiveNext is a non-blocking peek-and-pop: it returns the next envelope
// for agentID, or ok=false if the inbox is empty.
func (b *Bus) ReceiveNext(agentID string) (envelope.Envelope, bool) {
	ib, ok := b.inboxFor(agentID)
	if !ok {
		return envelope.Envelope{}, false
	}
	return ib.pop()
}

// ErrCancelled is returned by AwaitNext when the token is cancelled before
// an envelope becomes available.
var ErrCancelled = errors.New("cancelled")

// AwaitNext blocks until an envelope is available for agentID or the token
// is cancelled, returning ErrCancelled in the latter case. ctx cancellation
// is also honored so callers can bound the wait independently of C3.
func (b *Bus) AwaitNext(ctx context.Context, agentID string, token cancel.Token) (envelope.Envelope, error) {
	b.EnsureInbox(agentID)
	ib, _ := b.inboxFor(agentID)
	for {
		if env, ok := ib.pop(); ok {
			return env, nil
		}
		if token.IsCancelled() {
			return envelope.Envelope{}, ErrCancelled
		}
		select {
		case <-ib.notify:
			continue
		case <-token.Done():
			continue
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

// ClearQueue drops all undelivered envelopes for agentID and returns the
// discarded set for diagnostics.
func (b *Bus) ClearQueue(agentID string) []envelope.Envelope {
	ib, ok := b.inboxFor(agentID)
	if !ok {
		return nil
	}
	return ib.drain()
}

// QueueDepth reports the number of undelivered envelopes for agentID.
func (b *Bus) QueueDepth(agentID string) int {
	ib, ok := b.inboxFor(agentID)
	if !ok {
		return 0
	}
	return ib.depth()
}
