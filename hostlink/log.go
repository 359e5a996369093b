// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"log"
	"os"
)

// EmergencyLogFunc is the logging path used inside the pump's fatal-error
// branch and for a failed shutdown sentinel. The normal logging path may
// itself emit a message over the link (a log sink can live on the host
// side), so a persistent buffer fault would recurse through it forever.
// Implementations must never enqueue link traffic.
type EmergencyLogFunc func(format string, args ...any)

// defaultEmergencyLog writes straight to stderr.
func defaultEmergencyLog() EmergencyLogFunc {
	l := log.New(os.Stderr, "hostlink: ", log.LstdFlags|log.LUTC)
	return l.Printf
}
