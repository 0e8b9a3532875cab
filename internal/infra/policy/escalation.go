package policy

import (
	"context"

	"github.com/atp-network/atp-router/internal/infra/observability"
)

// ─── Escalation Policy ──────────────────────────────────────────────────────
// Legacy escalation path: route a result for review when the scorer's
// confidence falls below the threshold or when scorers disagree.

// DefaultLowConfThreshold is the confidence floor below which results escalate.
const DefaultLowConfThreshold = 0.6

// EscalationPolicy decides when a result needs human/stronger review.
type EscalationPolicy struct {
	LowConfThreshold       float64 `json:"low_conf_threshold"`
	EscalateOnDisagreement bool    `json:"escalate_on_disagreement"`
}

// DefaultEscalationPolicy returns production defaults.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		LowConfThreshold:       DefaultLowConfThreshold,
		EscalateOnDisagreement: true,
	}
}

// Evaluate applies the escalation rules to the context.
func (p EscalationPolicy) Evaluate(ctx context.Context, pctx Context) Decision {
	tracer := observability.GetTracer()
	span := tracer.StartSpan(ctx, "policy.evaluate_escalation")
	defer tracer.EndSpan(span, nil)

	var d Decision
	switch {
	case pctx.Confidence != nil && *pctx.Confidence < p.LowConfThreshold:
		d = Decision{Escalate: true, Reason: "low_conf"}
		observability.EscalationsLowConf.Inc()
	case p.EscalateOnDisagreement && pctx.Disagreement:
		d = Decision{Escalate: true, Reason: "disagreement"}
		observability.EscalationsDisagreement.Inc()
	}

	span.SetAttr("policy.escalate", d.Escalate)
	if d.Reason != "" {
		span.SetAttr("policy.reason", d.Reason)
	}
	return d
}
