package turnnode

import (
	"context"
	"fmt"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
)

// RouteTurn asks the supervisor which worker handles this turn.
func RouteTurn(ctx context.Context, in *GraphState, router contractx.Router) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}

	decision, err := router.Decide(ctx, in.Session)
	if err != nil {
		return nil, err
	}
	in.Decision = decision
	return in, nil
}
