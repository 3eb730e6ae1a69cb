package observability

import "go.opentelemetry.io/otel/attribute"

var (
	AttrOperation    = attribute.Key("substrate.operation")
	AttrPlanID       = attribute.Key("substrate.plan.id")
	AttrTransitionID = attribute.Key("substrate.transition.id")
	AttrProcessor    = attribute.Key("substrate.processor")
	AttrExecutionID  = attribute.Key("substrate.execution.id")
	AttrTransport    = attribute.Key("substrate.adapter.transport")
	AttrStatus       = attribute.Key("substrate.envelope.status")
	AttrErrorCode    = attribute.Key("substrate.error.code")
	AttrAdmitted     = attribute.Key("substrate.admission.admitted")
	AttrReason       = attribute.Key("substrate.admission.reason")
)

// TransitionAttrs identifies a transition on spans.
func TransitionAttrs(planID, transitionID, processor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrTransitionID.String(transitionID),
		AttrProcessor.String(processor),
	}
}
