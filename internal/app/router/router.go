// Package router ties the core subsystems into the frame pipeline:
// an inbound frame is validated, ABAC-checked, scored against the
// candidate adapters, admitted under fair queueing, and — when the
// payload exceeds the fragmentation threshold — split, pushed through
// the reassembler, and emitted as a single reassembled frame.
package router

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/fragment"
	"github.com/atp-network/atp-router/internal/infra/logging"
	"github.com/atp-network/atp-router/internal/infra/policy"
	"github.com/atp-network/atp-router/internal/infra/reward"
	"github.com/atp-network/atp-router/internal/infra/sched"
	"github.com/atp-network/atp-router/internal/infra/sequencer"
)

// Deps are the subsystems the pipeline runs through.
type Deps struct {
	Sequencer   *sequencer.Sequencer
	Policy      *policy.Engine
	Scorer      *reward.PriorAwareScorer
	Scheduler   *sched.FairScheduler
	FragPolicy  fragment.Policy
	Reassembler *fragment.Reassembler
	Logger      logging.Logger
}

// Result is the outcome of routing one message.
type Result struct {
	Frame     *domain.Frame           // the delivered (possibly reassembled) frame
	Decision  policy.Decision         // the ABAC decision that admitted it
	Selected  *reward.ScoredCandidate // the chosen adapter, nil without candidates
	Fragments int                     // how many fragments the payload was split into
}

// Router drives frames through the pipeline.
type Router struct {
	deps      Deps
	completed atomic.Int64
	denied    atomic.Int64
	failed    atomic.Int64
}

// New creates a router pipeline.
func New(deps Deps) (*Router, error) {
	if deps.Sequencer == nil || deps.Policy == nil || deps.Scheduler == nil || deps.Reassembler == nil {
		return nil, fmt.Errorf("router requires sequencer, policy, scheduler and reassembler")
	}
	if deps.Scorer == nil {
		deps.Scorer = reward.NewPriorAwareScorer(nil, nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Std()
	}
	return &Router{deps: deps}, nil
}

// NextSeq allocates the next msg_seq for the frame's lane.
func (r *Router) NextSeq(personaID, streamID string) int64 {
	return r.deps.Sequencer.Next(sequencer.Lane{PersonaID: personaID, StreamID: streamID})
}

// Route runs one frame through the pipeline. pctx is the requester's
// policy context; candidates are the adapter options for the message
// (may be empty when the target is fixed).
func (r *Router) Route(ctx context.Context, frame *domain.Frame, pctx policy.Context, candidates []reward.Candidate) (*Result, error) {
	if err := frame.Validate(); err != nil {
		r.failed.Add(1)
		return nil, err
	}

	decision := r.deps.Policy.EvaluateABAC(ctx, pctx)
	if !decision.Permitted {
		r.denied.Add(1)
		return nil, fmt.Errorf("%w: policies %v", domain.ErrAccessDenied, decision.ApplicablePolicies)
	}

	var selected *reward.ScoredCandidate
	if len(candidates) > 0 {
		scored := r.deps.Scorer.ScoreCandidates(candidates)
		selected = &scored[0]
	}

	if err := r.deps.Scheduler.Enqueue(ctx, frame.SessionID); err != nil {
		r.failed.Add(1)
		return nil, err
	}
	defer r.deps.Scheduler.Release(frame.SessionID)

	out, fragments, err := r.deliver(ctx, frame)
	if err != nil {
		r.failed.Add(1)
		return nil, err
	}

	r.completed.Add(1)
	return &Result{Frame: out, Decision: decision, Selected: selected, Fragments: fragments}, nil
}

// deliver fragments oversized payloads and reassembles them at the far
// end; small payloads pass through untouched.
func (r *Router) deliver(ctx context.Context, frame *domain.Frame) (*domain.Frame, int, error) {
	if payloadSize(frame) <= r.deps.FragPolicy.MaxFragmentSize(frame) {
		return frame, 1, nil
	}

	frags := fragment.Fragment(frame, r.deps.FragPolicy)
	var out *domain.Frame
	for _, f := range frags {
		got, err := r.deps.Reassembler.Push(ctx, f)
		if err != nil {
			return nil, len(frags), err
		}
		if got != nil {
			out = got
		}
	}
	if out == nil {
		return nil, len(frags), fmt.Errorf("%w: message never completed", domain.ErrInvalidFragment)
	}
	return out, len(frags), nil
}

// Stats returns pipeline counters: completed, denied, failed.
func (r *Router) Stats() (completed, denied, failed int64) {
	return r.completed.Load(), r.denied.Load(), r.failed.Load()
}

func payloadSize(frame *domain.Frame) int {
	if frame.Payload.Content.IsBinary() {
		return len(frame.Payload.Content.Bytes)
	}
	return len([]rune(frame.Payload.Content.Text))
}
