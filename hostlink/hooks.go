// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"context"
	"sync/atomic"
)

// Transfer direction string constants for TransferInfo.Direction.
const (
	TransferPoll    = "poll"
	TransferDeliver = "deliver"
)

// TransferHook provides observability callpoints around individual host
// transfers. Implementations must be safe for concurrent use: the host may
// drive poll and deliver from independent threads.
type TransferHook interface {
	OnTransferStart(ctx context.Context, info TransferInfo) (context.Context, HookToken)
	OnTransferEnd(ctx context.Context, token HookToken, info TransferInfo, stats *TransferStats, err error)
}

// HookToken is an opaque value returned by OnTransferStart and passed back
// to OnTransferEnd. Only meaningful to the TransferHook that created it.
type HookToken interface{}

// TransferInfo carries per-transfer metadata passed to hooks. For inbound
// deliveries the message fields are populated only once the container has
// been decoded.
type TransferInfo struct {
	Direction    string // TransferPoll or TransferDeliver
	LinkID       string
	AppID        uint64
	MessageType  uint32
	HostEndpoint uint16
}

// TransferStats holds I/O counters for one transfer.
type TransferStats struct {
	WireBytes    int64 // container bytes that crossed the link
	PayloadBytes int64 // uncompressed payload bytes
	Compressed   bool  // payload was zstd-compressed on the wire
}

// LinkStatistics is a snapshot of cumulative link counters, taken with
// [Link.Stats].
type LinkStatistics struct {
	Accepted      int64 // messages accepted by SendMessage
	Rejected      int64 // messages rejected by a full queue
	Polled        int64 // messages handed to the host
	PollErrors    int64 // messages dropped in the pump
	Delivered     int64 // inbound messages routed to an app
	DeliverErrors int64 // inbound buffers rejected
	Unsupported   int64 // inbound envelopes with an unknown tag
}

// linkStats is the live counter set behind LinkStatistics.
type linkStats struct {
	accepted      atomic.Int64
	rejected      atomic.Int64
	polled        atomic.Int64
	pollErrors    atomic.Int64
	delivered     atomic.Int64
	deliverErrors atomic.Int64
	unsupported   atomic.Int64
}

func (s *linkStats) snapshot() LinkStatistics {
	return LinkStatistics{
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		Polled:        s.polled.Load(),
		PollErrors:    s.pollErrors.Load(),
		Delivered:     s.delivered.Load(),
		DeliverErrors: s.deliverErrors.Load(),
		Unsupported:   s.unsupported.Load(),
	}
}
