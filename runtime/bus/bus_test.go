package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/envelope"
)

func knownRecipients(ids ...string) bus.RecipientChecker {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bus.RecipientStatus {
		return bus.RecipientStatus{Known: set[id]}
	}
}

func TestSendUnknownRecipient(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("a")
	_, err := b.Send(envelope.Envelope{From: "a", To: "ghost"})
	require.ErrorIs(t, err, bus.ErrUnknownRecipient)
}

func TestSendToUserAlwaysAdmitted(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients()
	env, err := b.Send(envelope.Envelope{From: "a", To: "user", Kind: envelope.KindText, Payload: envelope.TextPayload{Text: "hi"}})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
}

// TestHighPriorityJumpsQueue covers the §8 boundary: one normal and one high
// envelope in the same inbox, high is dequeued first.
func TestHighPriorityJumpsQueue(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	b.EnsureInbox("agent1")

	_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", Priority: envelope.PriorityNormal, Payload: envelope.TextPayload{Text: "normal"}})
	require.NoError(t, err)
	_, err = b.Send(envelope.Envelope{From: "user", To: "agent1", Priority: envelope.PriorityHigh, Payload: envelope.TextPayload{Text: "high"}})
	require.NoError(t, err)

	first, ok := b.ReceiveNext("agent1")
	require.True(t, ok)
	assert.Equal(t, "high", first.Payload.(envelope.TextPayload).Text)

	second, ok := b.ReceiveNext("agent1")
	require.True(t, ok)
	assert.Equal(t, "normal", second.Payload.(envelope.TextPayload).Text)
}

func TestFIFOWithinBand(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	b.EnsureInbox("agent1")
	for _, text := range []string{"one", "two", "three"} {
		_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", Payload: envelope.TextPayload{Text: text}})
		require.NoError(t, err)
	}
	for _, want := range []string{"one", "two", "three"} {
		env, ok := b.ReceiveNext("agent1")
		require.True(t, ok)
		assert.Equal(t, want, env.Payload.(envelope.TextPayload).Text)
	}
	_, ok := b.ReceiveNext("agent1")
	assert.False(t, ok)
}

// TestScheduledDeliveryPast covers the §8 boundary: a scheduled envelope with
// a release time in the past enters the inbox immediately.
func TestScheduledDeliveryPast(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	past := time.Now().Add(-time.Second)
	_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", ScheduledDeliveryAt: &past, Payload: envelope.TextPayload{Text: "now"}})
	require.NoError(t, err)
	env, ok := b.ReceiveNext("agent1")
	require.True(t, ok)
	assert.Equal(t, "now", env.Payload.(envelope.TextPayload).Text)
}

// TestScheduledDeliveryFuture covers S5: receiveNext at submission time
// returns nothing; the observer still fires immediately at Send.
func TestScheduledDeliveryFuture(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")

	var observed []envelope.Envelope
	var mu chanMutex
	b.AddObserver(bus.ObserverFunc(func(env envelope.Envelope) {
		mu.lock()
		observed = append(observed, env)
		mu.unlock()
	}))

	release := time.Now().Add(40 * time.Millisecond)
	_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", ScheduledDeliveryAt: &release, Payload: envelope.TextPayload{Text: "later"}})
	require.NoError(t, err)

	_, ok := b.ReceiveNext("agent1")
	assert.False(t, ok, "must not be delivered before its release instant")

	mu.lock()
	n := len(observed)
	mu.unlock()
	assert.Equal(t, 1, n, "observer fan-out happens at send, not at delivery")

	require.Eventually(t, func() bool {
		_, ok := b.ReceiveNext("agent1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestAwaitNextCancelled(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	b.EnsureInbox("agent1")
	reg := cancel.New()
	token := reg.Token("agent1")

	done := make(chan error, 1)
	go func() {
		_, err := b.AwaitNext(context.Background(), "agent1", token)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	reg.Abort("agent1", "test")

	select {
	case err := <-done:
		require.ErrorIs(t, err, bus.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("AwaitNext did not observe cancellation promptly")
	}
}

func TestAwaitNextDeliversEnvelope(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	reg := cancel.New()
	token := reg.Token("agent1")

	done := make(chan envelope.Envelope, 1)
	go func() {
		env, err := b.AwaitNext(context.Background(), "agent1", token)
		require.NoError(t, err)
		done <- env
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", Payload: envelope.TextPayload{Text: "hello"}})
	require.NoError(t, err)

	select {
	case env := <-done:
		assert.Equal(t, "hello", env.Payload.(envelope.TextPayload).Text)
	case <-time.After(time.Second):
		t.Fatal("AwaitNext did not observe the envelope")
	}
}

func TestClearQueue(t *testing.T) {
	b := bus.New(nil)
	b.IsKnownRecipient = knownRecipients("agent1")
	for i := 0; i < 3; i++ {
		_, err := b.Send(envelope.Envelope{From: "user", To: "agent1", Payload: envelope.TextPayload{Text: "x"}})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.QueueDepth("agent1"))
	discarded := b.ClearQueue("agent1")
	assert.Len(t, discarded, 3)
	assert.Equal(t, 0, b.QueueDepth("agent1"))
}

// chanMutex is a tiny test-local mutex so this file doesn't need to import
// sync just for one guarded slice.
type chanMutex struct{ ch chan struct{} }

func (m *chanMutex) lock() {
	if m.ch == nil {
		m.ch = make(chan struct{}, 1)
	}
	m.ch <- struct{}{}
}

func (m *chanMutex) unlock() {
	<-m.ch
}
