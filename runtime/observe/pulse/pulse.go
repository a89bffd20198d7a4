// Package pulse implements the observer port's external fan-out leg: a
// bus.Observer that republishes every observed envelope onto a
// goa.design/pulse stream (Redis-backed), so a UI or a separate persistence
// drain can consume the same event sequence the in-process bus sees.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/envelope"
)

// Options configures the Pulse-backed observer.
type Options struct {
	// Redis is the connection backing Pulse streams. Required.
	Redis *redis.Client
	// StreamName derives the target stream name from an envelope. Defaults
	// to "agent/<To>".
	StreamName func(envelope.Envelope) string
	// StreamMaxLen bounds the number of entries kept per stream; zero uses
	// Pulse's default.
	StreamMaxLen int
}

// Observer publishes every envelope it receives to a Pulse stream, fire and
// forget: OnEnvelope passes publish errors to the OnError callback, if one
// is set, and otherwise drops them, rather than propagating them, matching
// the bus's "observers are best-effort" contract.
type Observer struct {
	redis      *redis.Client
	streamName func(envelope.Envelope) string
	maxLen     int

	mu      sync.Mutex
	streams map[string]*streaming.Stream
	onError func(agentID string, err error)
}

// New constructs a Pulse-backed Observer.
func New(opts Options) (*Observer, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	streamName := opts.StreamName
	if streamName == nil {
		streamName = defaultStreamName
	}
	return &Observer{
		redis:      opts.Redis,
		streamName: streamName,
		maxLen:     opts.StreamMaxLen,
		streams:    make(map[string]*streaming.Stream),
	}, nil
}

// OnError registers a callback invoked whenever a publish fails, so the
// caller can log it with its own telemetry.Logger without this package
// depending on the telemetry contract directly.
func (o *Observer) OnError(fn func(agentID string, err error)) {
	o.onError = fn
}

// OnEnvelope implements bus.Observer.
func (o *Observer) OnEnvelope(env envelope.Envelope) {
	name := o.streamName(env)
	stream, err := o.stream(name)
	if err != nil {
		o.reportErr(env.To, err)
		return
	}
	payload, err := json.Marshal(envelopeRecord{Envelope: env, PublishedAt: time.Now().UTC()})
	if err != nil {
		o.reportErr(env.To, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Add(ctx, string(env.Kind), payload); err != nil {
		o.reportErr(env.To, fmt.Errorf("pulse add: %w", err))
	}
}

func (o *Observer) reportErr(agentID string, err error) {
	if o.onError != nil {
		o.onError(agentID, err)
	}
}

func (o *Observer) stream(name string) (*streaming.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.streams[name]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if o.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(o.maxLen))
	}
	s, err := streaming.NewStream(name, o.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream %q: %w", name, err)
	}
	o.streams[name] = s
	return s, nil
}

type envelopeRecord struct {
	Envelope    envelope.Envelope `json:"envelope"`
	PublishedAt time.Time         `json:"publishedAt"`
}

func defaultStreamName(env envelope.Envelope) string {
	return fmt.Sprintf("agent/%s", env.To)
}

var _ bus.Observer = (*Observer)(nil)
