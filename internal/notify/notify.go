// Package notify delivers detection and claim events to downstream
// consumers. Sinks never fail the claim pipeline; delivery errors are logged.
package notify

import (
	"context"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
)

// Sink receives pipeline events.
type Sink interface {
	Detected(ctx context.Context, d model.Detection)
	Claimed(ctx context.Context, o model.ClaimOutcome)
}

// Multi fans out to every sink in order.
type Multi []Sink

// Detected implements Sink.
func (m Multi) Detected(ctx context.Context, d model.Detection) {
	for _, s := range m {
		s.Detected(ctx, d)
	}
}

// Claimed implements Sink.
func (m Multi) Claimed(ctx context.Context, o model.ClaimOutcome) {
	for _, s := range m {
		s.Claimed(ctx, o)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Detected(context.Context, model.Detection) {}
func (Nop) Claimed(context.Context, model.ClaimOutcome) {}
