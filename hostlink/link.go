// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Link lifecycle states.
const (
	stateRunning int32 = iota
	stateDraining
	stateStopped
)

// Each shutdown stage waits at most shutdownRetryBudget sleeps of
// shutdownPollInterval for an unresponsive host, then gives up loudly.
const (
	shutdownRetryBudget  = 5
	shutdownPollInterval = 5 * time.Millisecond
)

// OutboundMessage is one message awaiting transfer to the host. Ownership
// transfers to the link on a successful [Link.SendMessage] and returns to
// the producer through [Router.OnOutboundMessageComplete].
type OutboundMessage struct {
	AppID        uint64
	MessageType  uint32
	HostEndpoint uint16
	Payload      []byte
}

// Router is implemented by the collaborator that owns app identities and
// message lifetimes. Both methods may be invoked concurrently with each
// other: polls and deliveries run on independent host threads.
type Router interface {
	// RouteInboundMessage delivers a host-originated message to its
	// destination app. payload is nil when the host supplied no payload
	// bytes (an absent and a zero-length payload are indistinguishable).
	RouteInboundMessage(appID uint64, hostEndpoint uint16, messageType uint32, payload []byte)

	// OnOutboundMessageComplete is invoked exactly once per message after it
	// leaves the outbound queue, whether or not the transfer succeeded. The
	// producer may reclaim the message afterwards.
	OnOutboundMessageComplete(msg *OutboundMessage)
}

// Link is the device side of the host transport. Construct with [NewLink];
// the zero value is not usable.
type Link struct {
	id           string
	queue        *outboundQueue
	codec        *EnvelopeCodec
	router       Router
	hook         TransferHook
	logger       *slog.Logger
	emergencyLog EmergencyLogFunc

	state        atomic.Int32
	shutdownOnce sync.Once
	stats        linkStats
}

type linkConfig struct {
	id           string
	capacity     int
	compressMin  int
	logger       *slog.Logger
	emergencyLog EmergencyLogFunc
}

// Option configures a Link at construction time.
type Option func(*linkConfig)

// WithLinkID sets the link identifier included in logs and hook metadata.
// Defaults to a random UUID.
func WithLinkID(id string) Option {
	return func(cfg *linkConfig) { cfg.id = id }
}

// WithQueueCapacity overrides [DefaultQueueCapacity] for the outbound
// queue. Values below one are ignored.
func WithQueueCapacity(n int) Option {
	return func(cfg *linkConfig) { cfg.capacity = n }
}

// WithCompression enables zstd compression of outbound payloads of at
// least minPayload bytes. Inbound compressed payloads are accepted
// regardless of this setting.
func WithCompression(minPayload int) Option {
	return func(cfg *linkConfig) { cfg.compressMin = minPayload }
}

// WithLogger sets the structured logger for the normal logging path.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *linkConfig) { cfg.logger = l }
}

// WithEmergencyLog replaces the default stderr emergency logger. See
// [EmergencyLogFunc] for the constraint implementations must honor.
func WithEmergencyLog(fn EmergencyLogFunc) Option {
	return func(cfg *linkConfig) { cfg.emergencyLog = fn }
}

// NewLink creates a Link that routes inbound messages and completion
// notifications to router.
func NewLink(router Router, opts ...Option) (*Link, error) {
	if router == nil {
		return nil, fmt.Errorf("hostlink: NewLink requires a Router")
	}

	cfg := linkConfig{capacity: DefaultQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	if cfg.capacity < 1 {
		cfg.capacity = DefaultQueueCapacity
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.emergencyLog == nil {
		cfg.emergencyLog = defaultEmergencyLog()
	}

	codec, err := NewEnvelopeCodec(cfg.compressMin)
	if err != nil {
		return nil, err
	}

	l := &Link{
		id:           cfg.id,
		queue:        newOutboundQueue(cfg.capacity),
		codec:        codec,
		router:       router,
		logger:       cfg.logger,
		emergencyLog: cfg.emergencyLog,
	}
	l.state.Store(stateRunning)
	return l, nil
}

// SetTransferHook registers a hook that is called around each poll and
// deliver. Set it before the host starts driving the link.
func (l *Link) SetTransferHook(hook TransferHook) {
	l.hook = hook
}

// ID returns the link identifier.
func (l *Link) ID() string { return l.id }

// Codec returns the link's envelope codec. Hosts and tests use it to build
// and inspect containers with the link's compression settings.
func (l *Link) Codec() *EnvelopeCodec { return l.codec }

// PendingOutbound returns the number of entries currently queued for host
// pickup.
func (l *Link) PendingOutbound() int { return l.queue.depth() }

// Stats returns a snapshot of the cumulative link counters.
func (l *Link) Stats() LinkStatistics { return l.stats.snapshot() }

// Stopped reports whether shutdown has run to completion.
func (l *Link) Stopped() bool { return l.state.Load() == stateStopped }

// SendMessage hands msg to the outbound queue. It never blocks: false
// means the queue is at capacity and the caller keeps ownership of msg, to
// drop or retry by its own policy.
func (l *Link) SendMessage(msg *OutboundMessage) bool {
	if msg == nil {
		return false
	}
	if l.queue.enqueue(queueEntry{msg: msg}) {
		l.stats.accepted.Add(1)
		return true
	}
	l.stats.rejected.Add(1)
	return false
}

// PollOutbound blocks the calling host thread until an outbound message is
// available, encodes it, and copies the complete container into dest,
// returning the byte count. [ErrShuttingDown] reports that the link is
// tearing down; dest is untouched and no completion fires, since the
// sentinel carries no message.
//
// For a real message the copy is all-or-nothing and the router receives
// exactly one OnOutboundMessageComplete, whichever branch was taken.
func (l *Link) PollOutbound(dest []byte) (int, error) {
	entry := l.queue.dequeue()
	if entry.stop {
		return 0, ErrShuttingDown
	}
	msg := entry.msg

	info := TransferInfo{
		Direction:    TransferPoll,
		LinkID:       l.id,
		AppID:        msg.AppID,
		MessageType:  msg.MessageType,
		HostEndpoint: msg.HostEndpoint,
	}
	ctx, token, hookActive := l.startHook(context.Background(), info)
	stats := &TransferStats{PayloadBytes: int64(len(msg.Payload))}

	n, err := l.pumpOne(msg, dest, stats)
	if err != nil {
		l.stats.pollErrors.Add(1)
	} else {
		l.stats.polled.Add(1)
	}

	if hookActive {
		l.endHook(ctx, token, info, stats, err)
	}
	l.router.OnOutboundMessageComplete(msg)
	return n, err
}

// pumpOne encodes msg and copies it into dest, enforcing all size bounds
// before any byte is written.
func (l *Link) pumpOne(msg *OutboundMessage, dest []byte, stats *TransferStats) (int, error) {
	if len(dest) == 0 || uint64(len(msg.Payload)) > MaxPayloadSize || len(msg.Payload) > len(dest) {
		// A persistent fault here must not log through the normal path:
		// logging can itself send a message over the link, and that loop
		// never terminates.
		l.emergencyLog("invalid buffer size %d or payload size %d", len(dest), len(msg.Payload))
		return 0, bufferErrf("destination buffer %d cannot hold payload %d", len(dest), len(msg.Payload))
	}

	encoded, err := l.codec.Encode(msg)
	if err != nil {
		l.logger.Error("encoding outbound message", "err", err, "link_id", l.id)
		return 0, err
	}
	if len(encoded) > len(dest) {
		l.logger.Error("encoded container too big for host buffer; dropping",
			"encoded_size", len(encoded), "buffer_size", len(dest), "link_id", l.id)
		return 0, bufferErrf("encoded size %d exceeds host buffer %d", len(encoded), len(dest))
	}

	copy(dest, encoded)
	stats.WireBytes = int64(len(encoded))
	stats.Compressed = encoded[6]&flagZstd != 0
	return len(encoded), nil
}

// DeliverInbound accepts one raw container from the host, verifies it, and
// routes the decoded message to the router. A nil return means the channel
// is healthy; a well-formed container with an unknown tag is logged and
// still reports success. Verification failures fail closed with no partial
// interpretation.
func (l *Link) DeliverInbound(buf []byte) error {
	if len(buf) == 0 {
		// Rejected before the verifier runs.
		l.stats.deliverErrors.Add(1)
		l.logger.Error("nil or empty inbound buffer from host", "link_id", l.id)
		return protocolErrf("nil or empty inbound buffer")
	}

	info := TransferInfo{Direction: TransferDeliver, LinkID: l.id}
	ctx, token, hookActive := l.startHook(context.Background(), info)
	stats := &TransferStats{WireBytes: int64(len(buf))}

	err := l.deliverOne(buf, &info, stats)
	if err != nil {
		l.stats.deliverErrors.Add(1)
	}

	if hookActive {
		l.endHook(ctx, token, info, stats, err)
	}
	return err
}

func (l *Link) deliverOne(buf []byte, info *TransferInfo, stats *TransferStats) error {
	env, err := l.codec.Decode(buf)
	if err != nil {
		l.logger.Error("corrupted or invalid container from host",
			"size", len(buf), "err", err, "link_id", l.id)
		return err
	}

	switch env.Tag {
	case TagAppMessage:
		info.AppID = env.AppID
		info.MessageType = env.MessageType
		info.HostEndpoint = env.HostEndpoint
		stats.PayloadBytes = int64(len(env.Payload))
		stats.Compressed = buf[6]&flagZstd != 0

		l.logger.Debug("routing inbound message",
			"app_id", fmt.Sprintf("0x%016x", env.AppID),
			"endpoint", fmt.Sprintf("0x%04x", env.HostEndpoint),
			"message_type", env.MessageType,
			"payload_size", len(env.Payload))
		l.router.RouteInboundMessage(env.AppID, env.HostEndpoint, env.MessageType, env.Payload)
		l.stats.delivered.Add(1)

	default:
		// The channel itself is healthy; only this container was not
		// actionable.
		l.logger.Warn("unsupported inbound message tag",
			"tag", uint8(env.Tag), "link_id", l.id)
		l.stats.unsupported.Add(1)
	}
	return nil
}

// Shutdown drains the outbound queue and unblocks any host thread parked
// in PollOutbound. Each stage is bounded by the retry budget, so teardown
// completes in bounded time even when the host process is unresponsive.
// Only the first call does anything.
func (l *Link) Shutdown() {
	l.shutdownOnce.Do(l.shutdown)
}

func (l *Link) shutdown() {
	l.state.Store(stateDraining)
	l.logger.Info("shutting down host link", "link_id", l.id)

	// Push the stop sentinel so the blocked poll returns and the host can
	// exit cleanly. The queue can be full; retry a few times, but the host
	// may have died somewhere other than inside PollOutbound, so never wait
	// indefinitely.
	retries := shutdownRetryBudget
	for !l.queue.enqueue(queueEntry{stop: true}) {
		retries--
		if retries <= 0 {
			// The pump thread may stay blocked forever; teardown continues
			// regardless. Emergency path: the normal logger could try to
			// send through the very queue that is stuck full.
			l.emergencyLog("no room in outbound queue for stop sentinel and host not draining queue")
			l.state.Store(stateStopped)
			return
		}
		time.Sleep(shutdownPollInterval)
	}

	// Sentinel is in. Wait for the host to drain everything ahead of it and
	// the sentinel itself.
	l.logger.Info("draining outbound queue", "link_id", l.id)
	waits := shutdownRetryBudget
	for !l.queue.empty() {
		waits--
		if waits <= 0 {
			l.logger.Warn("host took too long to drain outbound queue; exiting anyway",
				"pending", l.queue.depth(), "link_id", l.id)
			l.state.Store(stateStopped)
			return
		}
		time.Sleep(shutdownPollInterval)
	}

	l.logger.Info("finished draining outbound queue", "link_id", l.id)
	l.state.Store(stateStopped)
}

// startHook invokes the transfer hook's start callpoint, panic-safe.
func (l *Link) startHook(ctx context.Context, info TransferInfo) (context.Context, HookToken, bool) {
	if l.hook == nil {
		return ctx, nil, false
	}
	var token HookToken
	active := false
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				l.logger.Error("transfer hook start panic", "err", rv)
			}
		}()
		var hookCtx context.Context
		hookCtx, token = l.hook.OnTransferStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		active = true
	}()
	return ctx, token, active
}

// endHook invokes the transfer hook's end callpoint, panic-safe.
func (l *Link) endHook(ctx context.Context, token HookToken, info TransferInfo, stats *TransferStats, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			l.logger.Error("transfer hook end panic", "err", rv)
		}
	}()
	l.hook.OnTransferEnd(ctx, token, info, stats, err)
}
