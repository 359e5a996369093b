// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package hostlink implements the device side of a bidirectional
// inter-processor transport between a constrained compute element (a
// sensor or DSP runtime) and a general-purpose host.
//
// The host drives the channel: it repeatedly calls in to retrieve the next
// outbound message and, independently, calls in to deliver inbound
// messages. The device side never initiates a call. This polling shape is
// modeled as two entrypoints on [Link]:
//
//   - [Link.PollOutbound] blocks the calling host thread until an outbound
//     message exists, encodes it into a tagged binary container, and copies
//     it into the host-supplied buffer.
//   - [Link.DeliverInbound] verifies and decodes one host-supplied
//     container and routes it to the [Router] collaborator.
//
// Device-side producers hand messages to the link with [Link.SendMessage],
// which never blocks: a fixed-capacity queue rejects messages when full so
// a slow or dead host cannot stall device work.
//
// # Wire format
//
// Every message crosses the link inside a self-verifying container: a
// fixed header carrying a magic, version, discriminant tag, app ID,
// message type and host endpoint, an optional length-prefixed payload, and
// an xxhash64 trailer. [EnvelopeCodec] implements both directions and
// fails closed on any structural damage. Payloads may optionally be
// zstd-compressed on the wire (see [WithCompression]).
//
// # Shutdown
//
// [Link.Shutdown] pushes a stop sentinel through the outbound queue to
// unblock the host thread parked in PollOutbound, then waits for the queue
// to drain. Both stages use a small retry budget with fixed sleeps, so
// teardown completes in bounded time even when the host process is gone.
//
// # Observability
//
// A [TransferHook] can be attached with [Link.SetTransferHook] to observe
// every poll and deliver. The hostlink/otel submodule (package hlotel)
// implements the hook with OpenTelemetry tracing and metrics. Cumulative
// counters are available from [Link.Stats].
package hostlink
