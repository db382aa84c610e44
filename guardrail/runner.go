package guardrail

import (
	"context"

	"github.com/langdb/gateway/gwmodel"
)

// Outcome is the decision the orchestrator acts on after running a guard:
// whether the request may proceed, and if not, the failure detail.
type Outcome struct {
	Proceed bool
	Failure *Result
}

// Run applies the Observe/Validate decision rule around Evaluate:
//   - Stage mismatch -> skip (pass), the guard does not apply to this call.
//   - Action=observe -> the evaluator still runs, but its result is
//     discarded (Run does not log it or return it) and the request always
//     proceeds.
//   - Action=validate -> a failed result blocks the request.
func Run(ctx context.Context, def Definition, stage Stage, msgs []gwmodel.Message, requestParams map[string]any) (Outcome, error) {
	if def.Stage != stage {
		return Outcome{Proceed: true}, nil
	}

	result, err := Evaluate(ctx, def, msgs, requestParams)
	if err != nil {
		return Outcome{}, err
	}

	if def.Action == ActionObserve {
		return Outcome{Proceed: true}, nil
	}

	if !result.Passed {
		return Outcome{Proceed: false, Failure: &result}, nil
	}
	return Outcome{Proceed: true}, nil
}
