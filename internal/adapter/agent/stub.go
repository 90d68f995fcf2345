// Package agent provides reasoning-engine runners. The stub runner stands in
// for a real engine in development and tests: deterministic output, real tick
// accounting, honors cancellation.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Muxite/webrag/internal/domain"
)

// Stub simulates mandate execution. Each tick takes tickDuration; the run
// finishes after a mandate-derived number of ticks or fails the task when the
// budget runs out first.
type Stub struct {
	tickDuration time.Duration
}

// NewStub constructs a stub runner. A non-positive tickDuration defaults to
// 100ms per tick.
func NewStub(tickDuration time.Duration) *Stub {
	if tickDuration <= 0 {
		tickDuration = 100 * time.Millisecond
	}
	return &Stub{tickDuration: tickDuration}
}

// RunMandate burns ticks proportional to the mandate length, reporting each
// one through progress.
func (s *Stub) RunMandate(ctx context.Context, env domain.TaskEnvelope, progress func(int)) (domain.AgentOutcome, error) {
	needed := ticksFor(env.Mandate)
	tick := 0
	for tick < needed {
		if tick >= env.MaxTicks {
			return domain.AgentOutcome{
				Success: false,
				Notes:   fmt.Sprintf("tick budget of %d exhausted before completion", env.MaxTicks),
				Ticks:   tick,
			}, nil
		}
		select {
		case <-ctx.Done():
			return domain.AgentOutcome{Ticks: tick}, ctx.Err()
		case <-time.After(s.tickDuration):
		}
		tick++
		if progress != nil {
			progress(tick)
		}
	}
	return domain.AgentOutcome{
		Success:      true,
		Deliverables: []string{deliverableFor(env)},
		Notes:        fmt.Sprintf("completed in %d ticks", tick),
		Ticks:        tick,
	}, nil
}

// ticksFor derives a stable tick cost from the mandate text: one tick per
// sentence-ish chunk, at least one.
func ticksFor(mandate string) int {
	n := 1 + len(mandate)/80
	if n > 25 {
		n = 25
	}
	return n
}

func deliverableFor(env domain.TaskEnvelope) string {
	summary := env.Mandate
	if len(summary) > 60 {
		summary = summary[:60]
	}
	return fmt.Sprintf("deliverable[%s]: %s", env.CorrelationID, strings.TrimSpace(summary))
}

var _ domain.AgentRunner = (*Stub)(nil)
