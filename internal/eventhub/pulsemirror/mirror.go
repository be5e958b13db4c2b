// Package pulsemirror optionally mirrors every hub-published event onto a
// goa.design/pulse Redis stream for cross-process replay and observability.
// It is an enrichment on top of the in-process hub, off by default.
//
// The mirror decouples Publish from Redis with a bounded channel drained by a
// single background goroutine: the hub's OnPublish callback enqueues
// non-blocking (dropping the mirror copy on overflow — in-process delivery
// is unaffected), so a slow Redis can never block a publisher.
package pulsemirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/telemetry"
)

// Options configures a Mirror.
type Options struct {
	// Redis backs the Pulse stream. Required.
	Redis *redis.Client
	// StreamPrefix prefixes per-conversation stream names; defaults to
	// "denis/events".
	StreamPrefix string
	// StreamMaxLen bounds entries kept per stream. Zero uses Pulse defaults.
	StreamMaxLen int
	// Buffer is the mirror queue capacity (default 1024).
	Buffer int
	// AddTimeout bounds a single Redis add (default 2s).
	AddTimeout time.Duration
	Telemetry  telemetry.Bundle
}

// Mirror forwards events to Pulse streams named
// "<prefix>/<conversation_id>".
type Mirror struct {
	redis        *redis.Client
	streamPrefix string
	streamMaxLen int
	addTimeout   time.Duration
	telemetry    telemetry.Bundle

	queue   chan eventv1.Envelope
	done    chan struct{}
	streams map[string]*streaming.Stream
}

// New builds and starts a Mirror. Call Close to stop it.
func New(opts Options) (*Mirror, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulsemirror: redis client is required")
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "denis/events"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.AddTimeout <= 0 {
		opts.AddTimeout = 2 * time.Second
	}
	m := &Mirror{
		redis:        opts.Redis,
		streamPrefix: opts.StreamPrefix,
		streamMaxLen: opts.StreamMaxLen,
		addTimeout:   opts.AddTimeout,
		telemetry:    opts.Telemetry,
		queue:        make(chan eventv1.Envelope, opts.Buffer),
		done:         make(chan struct{}),
		streams:      make(map[string]*streaming.Stream),
	}
	go m.run()
	return m, nil
}

// Publish enqueues an event for mirroring. Never blocks: on a full queue the
// mirror copy is dropped and counted.
func (m *Mirror) Publish(event eventv1.Envelope) {
	select {
	case m.queue <- event:
	default:
		m.telemetry.Metrics.IncCounter("denis.pulsemirror.dropped", 1)
	}
}

// Close stops the drain goroutine. Events still queued are dropped.
func (m *Mirror) Close() {
	close(m.done)
}

func (m *Mirror) run() {
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case event := <-m.queue:
			if err := m.forward(ctx, event); err != nil {
				m.telemetry.Metrics.IncCounter("denis.pulsemirror.forward_failed", 1)
				m.telemetry.Logger.Warn(ctx, "pulse mirror forward failed", "error", err, "type", event.Type)
			}
		}
	}
}

func (m *Mirror) forward(ctx context.Context, event eventv1.Envelope) error {
	stream, err := m.stream(event.ConversationID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	addCtx, cancel := context.WithTimeout(ctx, m.addTimeout)
	defer cancel()
	if _, err := stream.Add(addCtx, event.Type, payload); err != nil {
		return fmt.Errorf("add to stream: %w", err)
	}
	return nil
}

func (m *Mirror) stream(conversationID string) (*streaming.Stream, error) {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	if stream, ok := m.streams[conversationID]; ok {
		return stream, nil
	}
	name := m.streamPrefix + "/" + conversationID
	var opts []streamopts.Stream
	if m.streamMaxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(m.streamMaxLen))
	}
	stream, err := streaming.NewStream(name, m.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	m.streams[conversationID] = stream
	return stream, nil
}
