package turnnode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	promptx "github.com/coffeebeans/dialflow/agent/prompt"
)

// GenerateReply runs the selected worker policy. A failing generation is
// recoverable: the fixed fallback utterance is substituted and the turn
// continues, so no dialogue error ever kills a session.
func GenerateReply(ctx context.Context, in *GraphState, registry contractx.Registry) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}

	worker, err := registry.Worker(in.Decision.Worker)
	if err != nil {
		return nil, err
	}

	resp, err := worker.Respond(ctx, contractx.WorkerRequest{
		Session:     in.Session,
		UserMessage: in.Text,
	})
	if err != nil {
		// Cancellation and deadline breaches belong to the caller, which
		// decides between discarding the turn and the fallback path.
		if ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).
			Str("session_id", in.SessionID).
			Str("worker", string(in.Decision.Worker)).
			Msg("generation failed, substituting fallback")

		if in.Decision.Worker == contractx.WorkerEnd {
			// The wind-down itself failed; close out with the fixed
			// goodbye rather than looping on a broken backend.
			in.Response = contractx.WorkerResponse{
				Message: promptx.ClosingFallback,
				Delta:   contractx.StateDelta{EndCall: true},
			}
			return in, nil
		}

		in.Fallback = true
		in.Response = contractx.WorkerResponse{Message: promptx.Fallback}
		return in, nil
	}

	in.Response = resp
	return in, nil
}
